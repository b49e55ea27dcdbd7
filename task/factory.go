package task

import (
	imap "github.com/meszmate/imap-engine"
)

// Env is what the factory needs to know about the model's transports.
type Env interface {
	// Policy returns the current network policy.
	Policy() imap.NetworkPolicy
	// Authenticated returns an idle-or-busy live transport that finished
	// authentication, preferring one with mailbox selected.
	Authenticated(mailbox string) (conn uint, ok bool)
	// Selected returns the mailbox selected on conn, empty when none.
	Selected(conn uint) string
}

// Factory builds tasks and wires their dependencies. It is the only place
// that decides which work needs a connection or a selected mailbox, and
// which work the network policy refuses.
//
// Tasks returned by the exported methods are registered in the graph and
// marked as requested. A refused task is returned already Failed.
type Factory struct {
	graph *Graph
	env   Env
	creds Credentials
	host  string

	pendingOpen ID
	pendingSync map[string]ID
}

// NewFactory creates a factory registering tasks in g.
func NewFactory(g *Graph, env Env, creds Credentials, host string) *Factory {
	return &Factory{
		graph:       g,
		env:         env,
		creds:       creds,
		host:        host,
		pendingSync: make(map[string]ID),
	}
}

// OpenConnection requests a new authenticated transport.
func (f *Factory) OpenConnection() (*Task, error) {
	return f.openConnection(true)
}

// Reconnect builds the unrequested connection attempt that follows the
// loss of a transport. Metered networks still allow it.
func (f *Factory) Reconnect() (*Task, error) {
	return f.openConnection(false)
}

func (f *Factory) openConnection(requested bool) (*Task, error) {
	t := newTask(&OpenConnection{Creds: f.creds})
	t.requested = requested
	if err := f.register(t, nil); err != nil {
		return nil, err
	}
	if !t.state.Terminal() {
		f.pendingOpen = t.id
	}
	return t, nil
}

// ListChildMailboxes requests the children of parent.
func (f *Factory) ListChildMailboxes(parent string) (*Task, error) {
	return f.request(newTask(&ListChildMailboxes{Parent: parent}), f.connection)
}

// Status requests the counters of mailbox. Background requests are
// prefetches the expensive network policy refuses.
func (f *Factory) Status(mailbox string, background bool) (*Task, error) {
	t := newTask(&Status{Mailbox: mailbox})
	t.background = background
	return f.request(t, f.connection)
}

// SyncMailbox requests a synchronized view of mailbox.
func (f *Factory) SyncMailbox(mailbox string) (*Task, error) {
	return f.syncMailbox(mailbox, true)
}

func (f *Factory) syncMailbox(mailbox string, requested bool) (*Task, error) {
	t := newTask(&SyncMailbox{Mailbox: mailbox})
	t.requested = requested
	if err := f.register(t, f.connection); err != nil {
		return nil, err
	}
	if !t.state.Terminal() {
		f.pendingSync[mailbox] = t.id
	}
	return t, nil
}

// UpdateFlags requests a flag change on messages of mailbox.
func (f *Factory) UpdateFlags(mailbox string, uids []imap.UID, store imap.StoreFlags) (*Task, error) {
	t := newTask(&UpdateFlags{Mailbox: mailbox, UIDs: append([]imap.UID(nil), uids...), Store: store})
	return f.request(t, func(t *Task) ([]ID, error) { return f.selected(t, mailbox) })
}

// MarkRead requests adding \Seen to messages of mailbox.
func (f *Factory) MarkRead(mailbox string, uids ...imap.UID) (*Task, error) {
	return f.UpdateFlags(mailbox, uids, imap.StoreFlags{
		Action: imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	})
}

// GenURLAuth requests a signed URLAUTH URL for a message part. The user and
// host of the URL are the ones the factory authenticates with.
func (f *Factory) GenURLAuth(mailbox string, uidValidity uint32, uid imap.UID, section, access string) (*Task, error) {
	t := newTask(&GenURLAuth{Target: URLAuthTarget{
		User:        f.creds.Username,
		Host:        f.host,
		Mailbox:     mailbox,
		UIDValidity: uidValidity,
		UID:         uid,
		Section:     section,
		Access:      access,
	}})
	return f.request(t, f.connection)
}

// Noop requests a NOOP. With a mailbox it checks that mailbox for new mail,
// selecting it first when needed.
func (f *Factory) Noop(mailbox string) (*Task, error) {
	t := newTask(&Noop{Mailbox: mailbox})
	deps := f.connection
	if mailbox != "" {
		deps = func(t *Task) ([]ID, error) { return f.selected(t, mailbox) }
	}
	return f.request(t, deps)
}

func (f *Factory) request(t *Task, deps func(*Task) ([]ID, error)) (*Task, error) {
	t.requested = true
	if err := f.register(t, deps); err != nil {
		return nil, err
	}
	return t, nil
}

// register adds t to the graph. Work the network policy forbids is added
// without dependencies and failed on the spot.
func (f *Factory) register(t *Task, deps func(*Task) ([]ID, error)) error {
	if reason := f.admit(t); reason != nil {
		if err := f.graph.Add(t); err != nil {
			return err
		}
		return f.graph.Fail(t.id, reason)
	}
	var ids []ID
	if deps != nil {
		var err error
		if ids, err = deps(t); err != nil {
			return err
		}
	}
	return f.graph.Add(t, ids...)
}

func (f *Factory) admit(t *Task) error {
	switch f.env.Policy() {
	case imap.NetworkOffline:
		return imap.ErrNetworkOffline
	case imap.NetworkExpensive:
		if t.background {
			return imap.ErrNetworkExpensive
		}
	}
	return nil
}

// connection binds t to a live authenticated transport, or makes it wait
// for a pending or new OpenConnection.
func (f *Factory) connection(t *Task) ([]ID, error) {
	if conn, ok := f.env.Authenticated(""); ok {
		t.Bind(conn)
		return nil, nil
	}
	if p, ok := f.graph.Get(f.pendingOpen); ok && !p.state.Terminal() {
		return []ID{p.id}, nil
	}
	oc, err := f.openConnection(false)
	if err != nil {
		return nil, err
	}
	return []ID{oc.id}, nil
}

// selected binds t to a transport that has mailbox selected, or makes it
// wait for a SyncMailbox of that mailbox.
func (f *Factory) selected(t *Task, mailbox string) ([]ID, error) {
	if conn, ok := f.env.Authenticated(mailbox); ok && f.env.Selected(conn) == mailbox {
		t.Bind(conn)
		return nil, nil
	}
	if id, ok := f.pendingSync[mailbox]; ok {
		if p, live := f.graph.Get(id); live && !p.state.Terminal() {
			return []ID{id}, nil
		}
		delete(f.pendingSync, mailbox)
	}
	sync, err := f.syncMailbox(mailbox, false)
	if err != nil {
		return nil, err
	}
	return []ID{sync.id}, nil
}
