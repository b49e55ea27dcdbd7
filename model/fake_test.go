package model

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	imap "github.com/meszmate/imap-engine"
	"github.com/meszmate/imap-engine/task"
	"github.com/meszmate/imap-engine/trace"
	"github.com/meszmate/imap-engine/transport"
)

var testExtensions = map[string]bool{"GENURLAUTH": true}

// fakeServer answers commands synchronously from a reply table. A command
// with no entry gets "<tag> OK done"; entries are full response lines in
// which %[1]s stands for the tag.
type fakeServer struct {
	mu       sync.Mutex
	greeting string
	replies  map[string][]string
	hold     map[string]bool
	holdNext map[string]bool
	sent     []string
	dialErr  error
	conns    []*fakeTransport
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		greeting: "* OK [CAPABILITY IMAP4rev1] fake ready",
		replies:  make(map[string][]string),
		hold:     make(map[string]bool),
		holdNext: make(map[string]bool),
	}
}

func (s *fakeServer) on(cmd string, lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[cmd] = lines
}

// silence makes the server never answer cmd.
func (s *fakeServer) silence(cmd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold[cmd] = true
}

// holdOnce leaves the next cmd unanswered; the test answers it with push.
func (s *fakeServer) holdOnce(cmd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdNext[cmd] = true
}

func (s *fakeServer) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *fakeServer) saw(cmd string) bool {
	for _, c := range s.commands() {
		if c == cmd {
			return true
		}
	}
	return false
}

func (s *fakeServer) dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *fakeServer) conn(i int) *fakeTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[i]
}

func (s *fakeServer) dial(ctx context.Context, id uint, notify func()) (Transport, error) {
	s.mu.Lock()
	f := &fakeTransport{srv: s, id: id, notify: notify, done: make(chan struct{})}
	s.conns = append(s.conns, f)
	err, greeting := s.dialErr, s.greeting
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	g, ok := transport.ParseLine(greeting, nil).(*imap.Untagged)
	if !ok {
		return nil, fmt.Errorf("bad greeting %q", greeting)
	}
	f.greeting = g
	return f, nil
}

func (s *fakeServer) answer(tag imap.Tag, cmd string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, cmd)
	if s.hold[cmd] {
		return nil
	}
	if s.holdNext[cmd] {
		delete(s.holdNext, cmd)
		return nil
	}
	lines, ok := s.replies[cmd]
	if !ok {
		return []string{string(tag) + " OK done"}
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		if strings.Contains(l, "%[1]s") {
			l = fmt.Sprintf(l, tag)
		}
		out[i] = l
	}
	return out
}

type fakeTransport struct {
	srv      *fakeServer
	id       uint
	notify   func()
	greeting *imap.Untagged

	mu     sync.Mutex
	queue  []imap.Response
	n      int
	err    error
	done   chan struct{}
	closed bool
}

func (f *fakeTransport) ID() uint                 { return f.id }
func (f *fakeTransport) Greeting() *imap.Untagged { return f.greeting }
func (f *fakeTransport) Done() <-chan struct{}    { return f.done }

func (f *fakeTransport) Send(cmd imap.Command) (imap.Tag, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return "", imap.ErrClosed
	}
	f.n++
	tag := imap.Tag(fmt.Sprintf("c%dt%d", f.id, f.n))
	f.mu.Unlock()

	f.push(f.srv.answer(tag, cmd.String())...)
	return tag, nil
}

func (f *fakeTransport) Continue(data string) error { return nil }

// push queues server lines and wakes the model.
func (f *fakeTransport) push(lines ...string) {
	if len(lines) == 0 {
		return
	}
	f.mu.Lock()
	for _, l := range lines {
		f.queue = append(f.queue, transport.ParseLine(l, testExtensions))
	}
	f.mu.Unlock()
	f.notify()
}

func (f *fakeTransport) PollResponses() []imap.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.queue
	f.queue = nil
	return out
}

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// kill simulates the socket going away.
func (f *fakeTransport) kill(cause error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.err = cause
	close(f.done)
	f.mu.Unlock()
	f.notify()
}

func (f *fakeTransport) Close() error {
	f.kill(imap.ErrClosed)
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// recorder collects observer notifications.
type recorder struct {
	mu       sync.Mutex
	changes  []task.Info
	finished []Result
	policies []imap.NetworkPolicy
	alerts   []string
	connErrs []string
	cacheErr []error
	traced   map[uint][]string
	trust    chan TrustRequest
}

func newRecorder() *recorder {
	return &recorder{traced: make(map[uint][]string), trust: make(chan TrustRequest, 4)}
}

func (r *recorder) observer() Observer {
	return Observer{
		TaskChanged: func(info task.Info) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.changes = append(r.changes, info)
		},
		Finished: func(res Result) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.finished = append(r.finished, res)
		},
		Alert: func(_ uint, text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.alerts = append(r.alerts, text)
		},
		ConnectionError: func(_ uint, text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connErrs = append(r.connErrs, text)
		},
		NetworkPolicy: func(p imap.NetworkPolicy) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.policies = append(r.policies, p)
		},
		CacheError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.cacheErr = append(r.cacheErr, err)
		},
		Trace: func(conn uint, recs []trace.Record, _ uint64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			for _, rec := range recs {
				r.traced[conn] = append(r.traced[conn], rec.Text)
			}
		},
		TrustRequest: func(req TrustRequest) { r.trust <- req },
	}
}

func (r *recorder) snapshot() ([]task.Info, []Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]task.Info(nil), r.changes...), append([]Result(nil), r.finished...)
}

func (r *recorder) tracedLines(conn uint) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.traced[conn]...)
}

func (r *recorder) lastPolicy() (imap.NetworkPolicy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.policies) == 0 {
		return 0, false
	}
	return r.policies[len(r.policies)-1], true
}

// startModel runs a model against srv until the test ends.
func startModel(t *testing.T, srv *fakeServer, opts ...Option) (*Model, *recorder) {
	t.Helper()
	rec := newRecorder()
	base := []Option{
		WithDial(srv.dial),
		WithCredentials(task.Credentials{Username: "bob", Password: "pw"}),
		WithObserver(rec.observer()),
		WithReconnect(ReconnectPolicy{}),
	}
	m, err := New(append(base, opts...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()
	t.Cleanup(func() {
		_ = m.Close()
		cancel()
		select {
		case <-errc:
		case <-time.After(5 * time.Second):
			t.Error("model did not stop")
		}
	})
	return m, rec
}

func wait(t *testing.T, op *Operation) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := op.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "operation did not finish")
	return res, err
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond, msg)
}
