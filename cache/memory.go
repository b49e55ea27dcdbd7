package cache

import (
	"sync"

	imap "github.com/meszmate/imap-engine"
)

// Memory is a Cache that lives only as long as the process.
type Memory struct {
	mu       sync.RWMutex
	validity map[string]uint32
	sync     map[string]SyncState
	children map[string][]imap.MailboxInfo
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		validity: make(map[string]uint32),
		sync:     make(map[string]SyncState),
		children: make(map[string][]imap.MailboxInfo),
	}
}

func (m *Memory) ReadSync(mailbox string) (SyncState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.sync[mailbox]
	if !ok {
		return SyncState{}, false, nil
	}
	if token, known := m.validity[mailbox]; known && token != st.UIDValidity {
		return SyncState{}, false, nil
	}
	return st.Clone(), true, nil
}

func (m *Memory) WriteSync(mailbox string, st SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validity[mailbox] = st.UIDValidity
	m.sync[mailbox] = st.Clone()
	return nil
}

func (m *Memory) SetValidity(mailbox string, token uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.validity[mailbox]; ok && old != token {
		delete(m.sync, mailbox)
	}
	m.validity[mailbox] = token
	return nil
}

func (m *Memory) Invalidate(mailbox string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.validity, mailbox)
	delete(m.sync, mailbox)
	return nil
}

func (m *Memory) ChildMailboxes(parent string) ([]imap.MailboxInfo, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	children, ok := m.children[parent]
	return cloneMailboxes(children), ok, nil
}

func (m *Memory) SetChildMailboxes(parent string, children []imap.MailboxInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if children == nil {
		children = []imap.MailboxInfo{}
	}
	m.children[parent] = cloneMailboxes(children)
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
