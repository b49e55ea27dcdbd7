package cache

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	imap "github.com/meszmate/imap-engine"
)

// Fallback fronts a durable cache. The first time the durable store fails the
// failure is reported once and every later call is served from memory for
// the rest of the process.
type Fallback struct {
	mu       sync.Mutex
	durable  Cache
	memory   *Memory
	degraded bool
	onError  func(error)
	log      *zap.Logger
}

// NewFallback wraps durable. A nil durable starts out degraded.
func NewFallback(durable Cache, logger *zap.Logger) *Fallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{
		durable:  durable,
		memory:   NewMemory(),
		degraded: durable == nil,
		log:      logger,
	}
}

// OnError registers the callback that receives the persistence failure.
func (f *Fallback) OnError(fn func(error)) {
	f.mu.Lock()
	f.onError = fn
	f.mu.Unlock()
}

// Degraded reports whether the durable store has been abandoned.
func (f *Fallback) Degraded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

// target returns the cache to use for the next call.
func (f *Fallback) target() (Cache, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.degraded {
		return f.memory, false
	}
	return f.durable, true
}

// fail degrades the cache and notifies on the first failure only.
func (f *Fallback) fail(op string, err error) {
	f.mu.Lock()
	if f.degraded {
		f.mu.Unlock()
		return
	}
	f.degraded = true
	cb := f.onError
	f.mu.Unlock()

	wrapped := fmt.Errorf("%w: %s: %v", imap.ErrCachePersistence, op, err)
	f.log.Warn("durable cache failed, continuing in memory", zap.String("op", op), zap.Error(err))
	if cb != nil {
		cb(wrapped)
	}
}

func (f *Fallback) ReadSync(mailbox string) (SyncState, bool, error) {
	c, durable := f.target()
	st, ok, err := c.ReadSync(mailbox)
	if err != nil && durable {
		f.fail("read sync state", err)
		return f.memory.ReadSync(mailbox)
	}
	return st, ok, err
}

func (f *Fallback) WriteSync(mailbox string, st SyncState) error {
	return f.write("write sync state", func(c Cache) error { return c.WriteSync(mailbox, st) })
}

func (f *Fallback) SetValidity(mailbox string, token uint32) error {
	return f.write("set validity", func(c Cache) error { return c.SetValidity(mailbox, token) })
}

func (f *Fallback) Invalidate(mailbox string) error {
	return f.write("invalidate", func(c Cache) error { return c.Invalidate(mailbox) })
}

func (f *Fallback) ChildMailboxes(parent string) ([]imap.MailboxInfo, bool, error) {
	c, durable := f.target()
	children, ok, err := c.ChildMailboxes(parent)
	if err != nil && durable {
		f.fail("read child mailboxes", err)
		return f.memory.ChildMailboxes(parent)
	}
	return children, ok, err
}

func (f *Fallback) SetChildMailboxes(parent string, children []imap.MailboxInfo) error {
	return f.write("write child mailboxes", func(c Cache) error { return c.SetChildMailboxes(parent, children) })
}

// Close closes the durable store, if any.
func (f *Fallback) Close() error {
	if f.durable == nil {
		return nil
	}
	return f.durable.Close()
}

// write mirrors every write into memory so a later degrade keeps what this
// process learned.
func (f *Fallback) write(op string, fn func(Cache) error) error {
	_ = fn(f.memory)
	c, durable := f.target()
	if !durable {
		return nil
	}
	if err := fn(c); err != nil {
		f.fail(op, err)
	}
	return nil
}
