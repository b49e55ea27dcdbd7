package model

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	imap "github.com/meszmate/imap-engine"
	"github.com/meszmate/imap-engine/cache"
	"github.com/meszmate/imap-engine/task"
	"github.com/meszmate/imap-engine/transport"
)

func listServer() *fakeServer {
	srv := newFakeServer()
	srv.on(`LIST "" ""`,
		`* LIST (\Noselect) "/" ""`,
		`%[1]s OK LIST done`,
	)
	srv.on(`LIST "" "%"`,
		`* LIST (\HasNoChildren) "/" INBOX`,
		`* LIST (\HasChildren) "/" Work`,
		`%[1]s OK LIST done`,
	)
	return srv
}

func TestModel_ListOpensConnectionFirst(t *testing.T) {
	srv := listServer()
	m, rec := startModel(t, srv)

	res, err := wait(t, m.ListChildMailboxes(""))
	require.NoError(t, err)
	children := res.([]imap.MailboxInfo)
	require.Len(t, children, 2)
	assert.Equal(t, "INBOX", children[0].Name)
	assert.Equal(t, "Work", children[1].Name)

	assert.Equal(t, []string{`LOGIN "bob" "pw"`, `LIST "" ""`, `LIST "" "%"`}, srv.commands())

	changes, finished := rec.snapshot()
	require.Len(t, finished, 1, "only the requested task reports")
	assert.Equal(t, "list-child-mailboxes", finished[0].Task.Kind)

	// The listing became active right after the login completed, with no
	// response processed in between.
	var openDone, listActive = -1, -1
	for i, c := range changes {
		switch {
		case c.Kind == "open-connection" && c.State == task.StateCompleted:
			openDone = i
		case c.Kind == "list-child-mailboxes" && c.State == task.StateActive:
			listActive = i
		}
	}
	require.NotEqual(t, -1, openDone)
	assert.Equal(t, openDone+1, listActive)

	cached, ok, err := m.CachedChildren("")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, cached, 2)
}

func TestModel_ReusesAuthenticatedTransport(t *testing.T) {
	srv := listServer()
	srv.on(`STATUS "INBOX" (MESSAGES RECENT UIDNEXT UIDVALIDITY UNSEEN)`,
		`* STATUS INBOX (MESSAGES 3 RECENT 0 UIDNEXT 9 UIDVALIDITY 1 UNSEEN 1)`,
		`%[1]s OK STATUS done`,
	)
	m, _ := startModel(t, srv)

	_, err := wait(t, m.ListChildMailboxes(""))
	require.NoError(t, err)
	res, err := wait(t, m.Status("INBOX"))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), res.(*imap.StatusData).NumMessages)
	assert.Equal(t, 1, srv.dials())
}

func TestModel_OfflineAbortsEverything(t *testing.T) {
	srv := listServer()
	srv.silence(`LIST "" ""`)
	m, rec := startModel(t, srv)

	list := m.ListChildMailboxes("")
	status := m.Status("INBOX")
	eventually(t, func() bool { return srv.saw(`LIST "" ""`) }, "listing never started")

	m.SetNetworkPolicy(imap.NetworkOffline)

	_, err := wait(t, list)
	require.ErrorIs(t, err, imap.ErrNetworkOffline)
	assert.Equal(t, "network offline", err.Error())
	_, err = wait(t, status)
	require.ErrorIs(t, err, imap.ErrNetworkOffline)

	sent := len(srv.commands())
	eventually(t, func() bool { return srv.conn(0).isClosed() }, "transport left open")
	assert.Len(t, srv.commands(), sent, "nothing is sent after going offline")

	_, err = wait(t, m.ListChildMailboxes("Work"))
	require.ErrorIs(t, err, imap.ErrNetworkOffline)
	assert.Equal(t, 1, srv.dials())

	p, ok := rec.lastPolicy()
	require.True(t, ok)
	assert.Equal(t, imap.NetworkOffline, p)
}

func TestModel_StartOffline(t *testing.T) {
	srv := listServer()
	m, rec := startModel(t, srv, StartOffline())

	_, err := wait(t, m.ListChildMailboxes(""))
	require.ErrorIs(t, err, imap.ErrNetworkOffline)
	assert.Zero(t, srv.dials())

	_, finished := rec.snapshot()
	require.Len(t, finished, 1)
	assert.Equal(t, task.StateFailed, finished[0].Task.State)

	m.SetNetworkPolicy(imap.NetworkOnline)
	_, err = wait(t, m.ListChildMailboxes(""))
	require.NoError(t, err)
}

func TestModel_ExpensiveRefusesPrefetch(t *testing.T) {
	srv := listServer()
	m, _ := startModel(t, srv, WithNetworkPolicy(imap.NetworkExpensive))

	_, err := wait(t, m.PrefetchStatus("INBOX"))
	require.ErrorIs(t, err, imap.ErrNetworkExpensive)

	_, err = wait(t, m.ListChildMailboxes(""))
	require.NoError(t, err)
}

func TestModel_EachTagResolvesOnce(t *testing.T) {
	srv := listServer()
	srv.on(`LIST "" ""`,
		`* LIST (\Noselect) "/" ""`,
		`%[1]s OK LIST done`,
		`%[1]s OK LIST done again`,
	)
	m, _ := startModel(t, srv)

	res, err := wait(t, m.ListChildMailboxes(""))
	require.NoError(t, err)
	assert.Len(t, res.([]imap.MailboxInfo), 2)

	// A stray tag nobody sent is dropped too.
	srv.conn(0).push("zz9 OK stray")
	eventually(t, func() bool { return testutil.ToFloat64(m.metrics.unresolved) == 2 }, "stray completions not counted")

	_, err = wait(t, m.ListChildMailboxes(""))
	require.NoError(t, err)
}

func TestModel_ConnectionLossAbortsBoundTasks(t *testing.T) {
	srv := listServer()
	srv.silence(`LIST "" ""`)
	m, rec := startModel(t, srv)

	list := m.ListChildMailboxes("")
	eventually(t, func() bool { return srv.saw(`LIST "" ""`) }, "listing never started")
	srv.conn(0).kill(io.ErrUnexpectedEOF)

	_, err := wait(t, list)
	require.ErrorIs(t, err, imap.ErrConnectionLost)
	assert.Equal(t, "connection lost: unexpected EOF", err.Error())

	// Reconnecting is disabled, so the model gives up and goes offline.
	eventually(t, func() bool {
		p, ok := rec.lastPolicy()
		return ok && p == imap.NetworkOffline
	}, "model stayed online")
	rec.mu.Lock()
	assert.Equal(t, []string{"unexpected EOF"}, rec.connErrs)
	rec.mu.Unlock()
	assert.Equal(t, imap.NetworkOffline, m.Policy())
}

func TestModel_ReconnectsAfterLoss(t *testing.T) {
	srv := listServer()
	m, _ := startModel(t, srv, WithReconnect(ReconnectPolicy{Enabled: true, Burst: 1}))

	_, err := wait(t, m.ListChildMailboxes(""))
	require.NoError(t, err)
	srv.conn(0).kill(io.ErrUnexpectedEOF)

	eventually(t, func() bool { return srv.dials() == 2 }, "no reconnect attempt")
	eventually(t, func() bool { return len(srv.commands()) == 4 }, "second login missing")
	assert.Equal(t, `LOGIN "bob" "pw"`, srv.commands()[3])
	assert.Equal(t, imap.NetworkOnline, m.Policy())

	// The bucket is empty now: the next loss ends in offline mode.
	srv.conn(1).kill(io.ErrUnexpectedEOF)
	eventually(t, func() bool { return m.Policy() == imap.NetworkOffline }, "model stayed online")
}

func TestModel_DialFailure(t *testing.T) {
	srv := listServer()
	srv.dialErr = errors.New("connection refused")
	m, rec := startModel(t, srv)

	_, err := wait(t, m.ListChildMailboxes(""))
	require.Error(t, err)
	assert.Equal(t, "connection refused", err.Error())
	var dep *task.DependencyError
	assert.ErrorAs(t, err, &dep)

	eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.connErrs) == 1
	}, "connection error not reported")
}

func TestModel_FailedDialsReleaseTraceBuffers(t *testing.T) {
	srv := listServer()
	srv.dialErr = errors.New("connection refused")
	m, rec := startModel(t, srv)

	for i := 0; i < 5; i++ {
		m.SetNetworkPolicy(imap.NetworkOnline)
		_, err := wait(t, m.ListChildMailboxes(""))
		require.Error(t, err)
	}
	assert.Equal(t, 5, srv.dials())
	eventually(t, func() bool { return len(m.traces.Conns()) == 0 }, "trace buffers kept")
	eventually(t, func() bool { return len(rec.tracedLines(5)) == 1 }, "failure not traced")
	assert.Equal(t, []string{"connection failed: connection refused"}, rec.tracedLines(5))
}

func TestModel_ConnectionLossReleasesTraceBuffer(t *testing.T) {
	srv := listServer()
	m, rec := startModel(t, srv)

	_, err := wait(t, m.Connect())
	require.NoError(t, err)
	m.traces.Info(1, "last words")
	srv.conn(0).kill(io.ErrUnexpectedEOF)

	eventually(t, func() bool { return len(m.traces.Conns()) == 0 }, "trace buffer kept")
	eventually(t, func() bool { return len(rec.tracedLines(1)) == 1 }, "buffered record lost")
	assert.Equal(t, []string{"last words"}, rec.tracedLines(1))
}

func TestModel_LoginRejected(t *testing.T) {
	srv := listServer()
	srv.on(`LOGIN "bob" "pw"`, `%[1]s NO [AUTHENTICATIONFAILED] bad password`)
	m, _ := startModel(t, srv)

	_, err := wait(t, m.ListChildMailboxes(""))
	var ie *imap.IMAPError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, imap.StatusResponseTypeNO, ie.Type)
	eventually(t, func() bool { return srv.conn(0).isClosed() }, "half-open transport kept")
}

func TestModel_CommandTimeout(t *testing.T) {
	srv := listServer()
	srv.silence(`LIST "" ""`)
	m, _ := startModel(t, srv, WithCommandTimeout(40*time.Millisecond))

	_, err := wait(t, m.ListChildMailboxes(""))
	require.ErrorIs(t, err, imap.ErrTimeout)
}

func TestModel_AlertFromGreeting(t *testing.T) {
	srv := listServer()
	srv.greeting = "* OK [ALERT] maintenance at noon"
	m, rec := startModel(t, srv)

	_, err := wait(t, m.ListChildMailboxes(""))
	require.NoError(t, err)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"maintenance at noon"}, rec.alerts)
}

func TestModel_PreauthSkipsLogin(t *testing.T) {
	srv := listServer()
	srv.greeting = "* PREAUTH [CAPABILITY IMAP4rev1] welcome back"
	m, _ := startModel(t, srv)

	_, err := wait(t, m.ListChildMailboxes(""))
	require.NoError(t, err)
	assert.Equal(t, `LIST "" ""`, srv.commands()[0])
}

func TestModel_PreauthGreetingCapabilities(t *testing.T) {
	srv := newFakeServer()
	srv.greeting = "* PREAUTH [CAPABILITY IMAP4rev1 URLAUTH] welcome back"
	srv.on(`GENURLAUTH "imap://bob@imap.test/INBOX;UIDVALIDITY=1/;UID=2;urlauth=anonymous" INTERNAL`,
		`* GENURLAUTH "imap://bob@imap.test/INBOX;UIDVALIDITY=1/;UID=2;urlauth=anonymous:internal:abc"`,
		`%[1]s OK done`,
	)
	m, _ := startModel(t, srv, WithServer("imap.test:993", transport.SecurityTLS))

	res, err := wait(t, m.GenURLAuth("INBOX", 1, 2, "", "anonymous"))
	require.NoError(t, err)
	assert.Equal(t, "imap://bob@imap.test/INBOX;UIDVALIDITY=1/;UID=2;urlauth=anonymous:internal:abc", res)
	assert.Len(t, srv.commands(), 1, "neither LOGIN nor CAPABILITY is sent")
}

func TestModel_GreetingCapabilitiesBeforeLogin(t *testing.T) {
	srv := newFakeServer()
	srv.greeting = "* OK [CAPABILITY IMAP4rev1 URLAUTH] ready"
	m, _ := startModel(t, srv, WithServer("imap.test:993", transport.SecurityTLS))

	_, err := wait(t, m.GenURLAuth("INBOX", 1, 2, "", "anonymous"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		`LOGIN "bob" "pw"`,
		`GENURLAUTH "imap://bob@imap.test/INBOX;UIDVALIDITY=1/;UID=2;urlauth=anonymous" INTERNAL`,
	}, srv.commands())
}

func TestModel_MarkReadReselectsAfterOtherSync(t *testing.T) {
	inboxSelected := []string{
		`* 1 EXISTS`,
		`* OK [UIDVALIDITY 7] ok`,
		`* OK [UIDNEXT 2] ok`,
	}
	srv := newFakeServer()
	srv.on(`SELECT "INBOX"`, append(inboxSelected, `%[1]s OK [READ-WRITE] selected`)...)
	srv.on(`UID FETCH 1:* (FLAGS)`, `* 1 FETCH (UID 1 FLAGS ())`, `%[1]s OK fetched`)
	srv.holdOnce(`SELECT "INBOX"`)
	m, _ := startModel(t, srv)

	_, err := wait(t, m.Connect())
	require.NoError(t, err)
	inbox := m.SyncMailbox("INBOX")
	eventually(t, func() bool { return srv.saw(`SELECT "INBOX"`) }, "INBOX never selected")

	// Work is queued on the same connection ahead of the flag change, which
	// waits for the INBOX sync.
	work := m.SyncMailbox("Work")
	read := m.MarkRead("INBOX", 1)
	srv.conn(0).push(append(inboxSelected, "c1t2 OK [READ-WRITE] selected")...)

	_, err = wait(t, inbox)
	require.NoError(t, err)
	_, err = wait(t, work)
	require.NoError(t, err)
	_, err = wait(t, read)
	require.NoError(t, err)

	assert.Equal(t, []string{
		`LOGIN "bob" "pw"`,
		`SELECT "INBOX"`,
		`UID FETCH 1:* (FLAGS)`,
		`SELECT "Work"`,
		`SELECT "INBOX"`,
		`UID STORE 1 +FLAGS.SILENT (\Seen)`,
	}, srv.commands())

	st, ok, err := m.CachedSync("INBOX")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, st.Flags[1])
}

func TestModel_MarkReadSelectsFirst(t *testing.T) {
	srv := newFakeServer()
	srv.on(`SELECT "INBOX"`,
		`* 2 EXISTS`,
		`* OK [UIDVALIDITY 7] ok`,
		`* OK [UIDNEXT 12] ok`,
		`%[1]s OK [READ-WRITE] selected`,
	)
	srv.on(`UID FETCH 1:* (FLAGS)`,
		`* 1 FETCH (UID 4 FLAGS ())`,
		`* 2 FETCH (UID 11 FLAGS (\Seen))`,
		`%[1]s OK fetched`,
	)
	m, rec := startModel(t, srv)

	res, err := wait(t, m.MarkRead("INBOX", 4))
	require.NoError(t, err)
	assert.Equal(t, "4", res.(*imap.UIDSet).String())
	assert.Equal(t, []string{
		`LOGIN "bob" "pw"`,
		`SELECT "INBOX"`,
		`UID FETCH 1:* (FLAGS)`,
		`UID STORE 4 +FLAGS.SILENT (\Seen)`,
	}, srv.commands())

	st, ok, err := m.CachedSync("INBOX")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []imap.Flag{imap.FlagSeen}, st.Flags[4])

	_, finished := rec.snapshot()
	require.Len(t, finished, 1)
	assert.Equal(t, "update-flags", finished[0].Task.Kind)

	// The mailbox stays selected, so the next change goes straight out.
	_, err = wait(t, m.MarkRead("INBOX", 11))
	require.NoError(t, err)
	assert.Equal(t, `UID STORE 11 +FLAGS.SILENT (\Seen)`, srv.commands()[4])
}

func TestModel_CloseLogsOut(t *testing.T) {
	srv := listServer()
	m, _ := startModel(t, srv)

	_, err := wait(t, m.ListChildMailboxes(""))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	cmds := srv.commands()
	assert.Equal(t, "LOGOUT", cmds[len(cmds)-1])
	assert.True(t, srv.conn(0).isClosed())

	_, err = wait(t, m.ListChildMailboxes(""))
	assert.ErrorIs(t, err, imap.ErrClosed)
}

func TestModel_Tasks(t *testing.T) {
	srv := listServer()
	srv.silence(`LIST "" ""`)
	m, _ := startModel(t, srv)

	m.ListChildMailboxes("")
	eventually(t, func() bool { return srv.saw(`LIST "" ""`) }, "listing never started")

	infos, err := m.Tasks(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, task.StateActive, infos[0].State)
	assert.Equal(t, uint(1), infos[0].Conn)
}

// failingCache fails every call, standing in for a broken disk.
type failingCache struct{}

var errDisk = errors.New("disk I/O error")

func (failingCache) ReadSync(string) (cache.SyncState, bool, error) {
	return cache.SyncState{}, false, errDisk
}
func (failingCache) WriteSync(string, cache.SyncState) error { return errDisk }
func (failingCache) SetValidity(string, uint32) error        { return errDisk }
func (failingCache) Invalidate(string) error                 { return errDisk }
func (failingCache) ChildMailboxes(string) ([]imap.MailboxInfo, bool, error) {
	return nil, false, errDisk
}
func (failingCache) SetChildMailboxes(string, []imap.MailboxInfo) error { return errDisk }
func (failingCache) Close() error                                       { return nil }

func TestModel_CacheErrorReportedOnce(t *testing.T) {
	srv := listServer()
	m, rec := startModel(t, srv, WithCache(cache.NewFallback(failingCache{}, nil)))

	_, err := wait(t, m.ListChildMailboxes(""))
	require.NoError(t, err)
	_, err = wait(t, m.ListChildMailboxes(""))
	require.NoError(t, err)

	eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.cacheErr) == 1
	}, "cache error not reported")
	rec.mu.Lock()
	assert.ErrorIs(t, rec.cacheErr[0], imap.ErrCachePersistence)
	rec.mu.Unlock()

	children, ok, err := m.CachedChildren("")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, children, 2)
}

func TestModel_MetricsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := listServer()
	m, _ := startModel(t, srv, WithRegisterer(reg))

	_, err := wait(t, m.ListChildMailboxes(""))
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.metrics.commands.WithLabelValues("LOGIN")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.metrics.commands.WithLabelValues("LIST")))

	n, err := testutil.GatherAndCount(reg, "imapengine_task_transitions_total")
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestNew_RequiresServer(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
}
