package task

import (
	"fmt"

	"go.uber.org/zap"

	imap "github.com/meszmate/imap-engine"
	"github.com/meszmate/imap-engine/cache"
	"github.com/meszmate/imap-engine/state"
)

// Kind is one operation the engine can perform. The set of kinds is closed;
// every implementation lives in this package.
type Kind interface {
	// Name is a short stable identifier such as "sync-mailbox".
	Name() string
	// String describes the operation and its parameters.
	String() string

	perform(ctx *Context) (done bool, err error)
	handleCompletion(ctx *Context, c *imap.Completion) (done bool, err error)
	handleUntagged(ctx *Context, r imap.Response) error
	result() any
}

// Conn is the part of a transport a task may use.
type Conn interface {
	ID() uint
	Send(cmd imap.Command) (imap.Tag, error)
	Continue(data string) error
}

// Session is what the model knows about one transport's server session.
type Session struct {
	Machine *state.Machine
	Caps    *imap.CapSet

	// Selected is the mailbox currently selected, empty when none.
	Selected    string
	ReadOnly    bool
	UIDValidity uint32
	Exists      uint32

	// Delim is the hierarchy delimiter learned from LIST, 0 for a flat
	// namespace. DelimKnown is false until the server was asked.
	Delim      rune
	DelimKnown bool
}

// NewSession creates the session state of a transport that is connecting.
func NewSession() *Session {
	return &Session{
		Machine: state.New(imap.ConnStateConnecting),
		Caps:    imap.NewCapSet(),
	}
}

// Deselect forgets the selected mailbox.
func (s *Session) Deselect() {
	s.Selected = ""
	s.ReadOnly = false
	s.UIDValidity = 0
	s.Exists = 0
}

// Context carries what a task may touch while it runs. The model builds
// one for every call into a task.
type Context struct {
	Conn    Conn
	Session *Session
	Cache   cache.Cache
	Logger  *zap.Logger
	Policy  imap.NetworkPolicy

	// Dial asks the model to open a transport for an OpenConnection task.
	// It must not block.
	Dial func() error
	// Sent records a tag so its completion is routed back to the task.
	Sent func(imap.Tag)
}

// Send checks cmd against the connection state, writes it and records the
// tag for routing.
func (c *Context) Send(cmd imap.Command) (imap.Tag, error) {
	if c.Conn == nil || c.Session == nil {
		return "", fmt.Errorf("%s: no transport bound", cmd.Name)
	}
	if err := c.Session.Machine.RequireCommand(cmd.Name); err != nil {
		return "", err
	}
	tag, err := c.Conn.Send(cmd)
	if err != nil {
		return "", err
	}
	if c.Sent != nil {
		c.Sent(tag)
	}
	return tag, nil
}

func (c *Context) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
