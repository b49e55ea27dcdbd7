package cache

import (
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	imap "github.com/meszmate/imap-engine"
)

func backends(t *testing.T) map[string]Cache {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Cache{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func sampleState(validity uint32) SyncState {
	return SyncState{
		UIDValidity:   validity,
		Exists:        3,
		UIDNext:       12,
		HighestModSeq: 99,
		UIDs:          []imap.UID{4, 7, 11},
		Flags: map[imap.UID][]imap.Flag{
			4:  {imap.FlagSeen},
			11: {imap.FlagSeen, imap.FlagFlagged},
		},
	}
}

func TestSyncStateRoundTrip(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := c.ReadSync("INBOX")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, c.WriteSync("INBOX", sampleState(7)))
			got, ok, err := c.ReadSync("INBOX")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, sampleState(7), got)
		})
	}
}

func TestValidityChangeDropsState(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, c.WriteSync("INBOX", sampleState(7)))

			require.NoError(t, c.SetValidity("INBOX", 7))
			_, ok, err := c.ReadSync("INBOX")
			require.NoError(t, err)
			assert.True(t, ok, "same token keeps state")

			require.NoError(t, c.SetValidity("INBOX", 8))
			_, ok, err = c.ReadSync("INBOX")
			require.NoError(t, err)
			assert.False(t, ok, "new token drops state")

			require.NoError(t, c.SetValidity("INBOX", 7))
			_, ok, err = c.ReadSync("INBOX")
			require.NoError(t, err)
			assert.False(t, ok, "old state does not come back")
		})
	}
}

func TestInvalidate(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, c.WriteSync("Archive", sampleState(1)))
			require.NoError(t, c.WriteSync("INBOX", sampleState(1)))
			require.NoError(t, c.Invalidate("Archive"))

			_, ok, err := c.ReadSync("Archive")
			require.NoError(t, err)
			assert.False(t, ok)
			_, ok, err = c.ReadSync("INBOX")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestChildMailboxes(t *testing.T) {
	children := []imap.MailboxInfo{
		{Name: "Work/Projects", Delim: '/', Attrs: []imap.MailboxAttr{imap.MailboxAttrHasChildren}},
		{Name: "Work/Old", Delim: '/'},
	}
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := c.ChildMailboxes("Work")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, c.SetChildMailboxes("Work", children))
			got, ok, err := c.ChildMailboxes("Work")
			require.NoError(t, err)
			require.True(t, ok)
			require.Len(t, got, 2)
			assert.Equal(t, "Work/Projects", got[0].Name)
			assert.Equal(t, '/', got[0].Delim)
			assert.True(t, got[0].HasAttr(imap.MailboxAttrHasChildren))

			require.NoError(t, c.SetChildMailboxes("Leaf", nil))
			got, ok, err = c.ChildMailboxes("Leaf")
			require.NoError(t, err)
			assert.True(t, ok, "an empty listing is still a cached answer")
			assert.Empty(t, got)
		})
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	c := NewMemory()
	st := sampleState(5)
	require.NoError(t, c.WriteSync("INBOX", st))
	st.UIDs[0] = 1000
	st.Flags[4][0] = imap.FlagDeleted

	got, _, _ := c.ReadSync("INBOX")
	assert.Equal(t, imap.UID(4), got.UIDs[0])
	assert.Equal(t, imap.FlagSeen, got.Flags[4][0])

	got.UIDs[1] = 2000
	again, _, _ := c.ReadSync("INBOX")
	assert.Equal(t, imap.UID(7), again.UIDs[1])
}

func TestSQLitePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.db")
	c, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, c.WriteSync("INBOX", sampleState(3)))
	require.NoError(t, c.Close())

	c, err = OpenSQLite(path)
	require.NoError(t, err)
	defer c.Close()
	got, ok, err := c.ReadSync("INBOX")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleState(3), got)
}

// brokenCache fails every call.
type brokenCache struct{ calls atomic.Int32 }

var errDisk = errors.New("disk I/O error")

func (b *brokenCache) ReadSync(string) (SyncState, bool, error) {
	b.calls.Add(1)
	return SyncState{}, false, errDisk
}
func (b *brokenCache) WriteSync(string, SyncState) error { b.calls.Add(1); return errDisk }
func (b *brokenCache) SetValidity(string, uint32) error  { b.calls.Add(1); return errDisk }
func (b *brokenCache) Invalidate(string) error           { b.calls.Add(1); return errDisk }
func (b *brokenCache) ChildMailboxes(string) ([]imap.MailboxInfo, bool, error) {
	b.calls.Add(1)
	return nil, false, errDisk
}
func (b *brokenCache) SetChildMailboxes(string, []imap.MailboxInfo) error {
	b.calls.Add(1)
	return errDisk
}
func (b *brokenCache) Close() error { return nil }

func TestFallbackDegradesOnce(t *testing.T) {
	broken := &brokenCache{}
	f := NewFallback(broken, nil)

	var reported []error
	f.OnError(func(err error) { reported = append(reported, err) })

	require.NoError(t, f.WriteSync("INBOX", sampleState(9)))
	require.True(t, f.Degraded())
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], imap.ErrCachePersistence)
	assert.Contains(t, reported[0].Error(), "disk I/O error")

	// Served from memory, durable store no longer consulted.
	got, ok, err := f.ReadSync("INBOX")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sampleState(9), got)

	require.NoError(t, f.SetChildMailboxes("", []imap.MailboxInfo{{Name: "INBOX"}}))
	require.NoError(t, f.SetValidity("INBOX", 10))
	assert.Len(t, reported, 1)
	assert.Equal(t, int32(1), broken.calls.Load())
}

func TestFallbackReadFailure(t *testing.T) {
	f := NewFallback(&brokenCache{}, nil)
	var n int
	f.OnError(func(error) { n++ })

	_, ok, err := f.ChildMailboxes("")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, n)
	assert.True(t, f.Degraded())
}

func TestFallbackHealthyPassesThrough(t *testing.T) {
	mem := NewMemory()
	f := NewFallback(mem, nil)
	f.OnError(func(err error) { t.Fatalf("unexpected error: %v", err) })

	require.NoError(t, f.WriteSync("INBOX", sampleState(2)))
	_, ok, _ := mem.ReadSync("INBOX")
	assert.True(t, ok)
	assert.False(t, f.Degraded())
}

func TestFallbackWithoutDurable(t *testing.T) {
	f := NewFallback(nil, nil)
	assert.True(t, f.Degraded())
	require.NoError(t, f.WriteSync("INBOX", sampleState(2)))
	_, ok, err := f.ReadSync("INBOX")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, f.Close())
}
