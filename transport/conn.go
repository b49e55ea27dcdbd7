// Package transport implements the tag-correlated IMAP transport.
//
// A Conn owns one socket. Commands are written synchronously by Send, which
// mints the tag the caller later uses to recognise the completion. A reader
// goroutine parses everything the server sends into imap.Response values and
// queues them; the owner drains the queue with PollResponses, usually after
// the Notify callback fired. Conn never interprets responses beyond
// classifying them.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	imap "github.com/meszmate/imap-engine"
	"github.com/meszmate/imap-engine/trace"
	"github.com/meszmate/imap-engine/wire"
)

// Conn is a single IMAP connection.
type Conn struct {
	id      uint
	session uuid.UUID
	options *Options
	exts    map[string]bool
	tags    *tagGenerator
	log     *zap.Logger

	writeMu sync.Mutex
	netConn net.Conn
	encoder *wire.Encoder
	decoder *wire.Decoder

	mu       sync.Mutex
	queue    []imap.Response
	greeting *imap.Untagged
	bye      *imap.Untagged
	err      error

	started   bool
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// Open wraps an established connection, reads the server greeting and starts
// the reader goroutine. A BYE greeting is returned as an error.
func Open(id uint, nc net.Conn, opts ...Option) (*Conn, error) {
	c := newConn(id, nc, opts...)
	if err := c.readGreeting(); err != nil {
		_ = nc.Close()
		return nil, err
	}
	c.start()
	return c, nil
}

func newConn(id uint, nc net.Conn, opts ...Option) *Conn {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	exts := make(map[string]bool, len(options.Extensions))
	for _, name := range options.Extensions {
		exts[strings.ToUpper(name)] = true
	}

	session := uuid.New()
	c := &Conn{
		id:      id,
		session: session,
		options: options,
		exts:    exts,
		tags:    newTagGenerator(options.TagPrefix),
		log:     options.Logger.With(zap.Uint("conn", id), zap.String("session", session.String())),
		done:    make(chan struct{}),
	}
	c.rebind(nc)
	return c
}

// rebind points the codec at nc, used after a STARTTLS upgrade.
func (c *Conn) rebind(nc net.Conn) {
	c.netConn = nc
	c.encoder = wire.NewEncoder(nc)
	c.decoder = wire.NewDecoder(nc)
	c.decoder.MaxLine = c.options.MaxLine
	c.decoder.MaxLiteral = c.options.MaxLiteral
}

// readGreeting reads the first server line synchronously.
func (c *Conn) readGreeting() error {
	resp, err := c.readOne()
	if err != nil {
		return fmt.Errorf("reading greeting: %w", err)
	}
	u, ok := resp.(*imap.Untagged)
	if !ok {
		return fmt.Errorf("unexpected greeting: %s", resp)
	}
	switch u.Status {
	case imap.StatusResponseTypeOK, imap.StatusResponseTypePREAUTH:
		c.mu.Lock()
		c.greeting = u
		c.mu.Unlock()
		return nil
	case imap.StatusResponseTypeBYE:
		return fmt.Errorf("server rejected connection: %s", u.Text)
	default:
		return fmt.Errorf("unexpected greeting: %s", u)
	}
}

// readOne reads, traces and parses one logical line.
func (c *Conn) readOne() (imap.Response, error) {
	line, err := c.decoder.ReadResponse()
	if err != nil {
		return nil, err
	}
	c.traceLine(trace.Received, line.Text, line.Truncated)
	c.log.Debug("recv", zap.String("line", line.Text))
	if line.Truncated {
		return parseErr(line.Text, "line exceeds %d bytes", c.options.MaxLine), nil
	}
	return ParseLine(line.Text, c.exts), nil
}

// roundTrip sends cmd and reads until its completion. It is only used
// before the reader goroutine runs; untagged data is discarded.
func (c *Conn) roundTrip(cmd imap.Command) (*imap.Completion, error) {
	tag, err := c.Send(cmd)
	if err != nil {
		return nil, err
	}
	for {
		resp, err := c.readOne()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cmd.Name, err)
		}
		if comp, ok := resp.(*imap.Completion); ok && comp.Tag == tag {
			return comp, nil
		}
	}
}

func (c *Conn) start() {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	go c.readLoop()
}

// readLoop reads and queues server responses until the connection fails.
func (c *Conn) readLoop() {
	for {
		resp, err := c.readOne()
		if err != nil {
			c.stop(err)
			return
		}
		if u, ok := resp.(*imap.Untagged); ok && u.Status == imap.StatusResponseTypeBYE {
			c.mu.Lock()
			c.bye = u
			c.mu.Unlock()
		}

		c.mu.Lock()
		c.queue = append(c.queue, resp)
		c.mu.Unlock()
		c.notify()
	}
}

func (c *Conn) notify() {
	if c.options.Notify != nil {
		c.options.Notify()
	}
}

// stop records the disconnect cause once and releases the socket.
func (c *Conn) stop(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		switch {
		case c.closed.Load():
			cause = imap.ErrClosed
		case c.bye != nil:
			cause = fmt.Errorf("server said goodbye: %s", c.bye.Text)
		case errors.Is(cause, io.EOF):
			cause = io.ErrUnexpectedEOF
		}
		c.err = cause
		c.mu.Unlock()

		_ = c.netConn.Close()
		c.traceLine(trace.Info, "connection closed: "+cause.Error(), false)
		c.log.Debug("reader stopped", zap.Error(cause))
		close(c.done)
		c.notify()
	})
}

func (c *Conn) traceLine(dir trace.Direction, text string, truncated bool) {
	if c.options.Trace != nil {
		c.options.Trace.Append(c.id, dir, text, truncated)
	}
}

// ID returns the transport handle assigned by the owner.
func (c *Conn) ID() uint { return c.id }

// Session returns the unique session id of this connection.
func (c *Conn) Session() uuid.UUID { return c.session }

// Greeting returns the server greeting.
func (c *Conn) Greeting() *imap.Untagged {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.greeting
}

// Send writes cmd under a freshly minted tag and returns the tag. The trace
// and the logs see cmd.Redacted().
func (c *Conn) Send(cmd imap.Command) (imap.Tag, error) {
	if c.closed.Load() {
		return "", imap.ErrClosed
	}
	select {
	case <-c.done:
		return "", fmt.Errorf("send %s: %w", cmd.Name, c.Err())
	default:
	}

	tag := c.tags.Next()
	redacted := string(tag) + " " + cmd.Redacted()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.traceLine(trace.Sent, redacted, false)
	c.log.Debug("send", zap.String("line", redacted))

	if c.options.WriteTimeout > 0 {
		_ = c.netConn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
	}
	if err := c.encoder.Command(string(tag), cmd.Name, cmd.Args); err != nil {
		return "", fmt.Errorf("send %s: %w", cmd.Name, err)
	}
	return tag, nil
}

// Continue writes one untagged continuation line, such as a SASL response.
// The content is never traced.
func (c *Conn) Continue(data string) error {
	if c.closed.Load() {
		return imap.ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.traceLine(trace.Sent, "***", false)
	if c.options.WriteTimeout > 0 {
		_ = c.netConn.SetWriteDeadline(time.Now().Add(c.options.WriteTimeout))
	}
	if err := c.encoder.Line(data); err != nil {
		return fmt.Errorf("continuation: %w", err)
	}
	return nil
}

// PollResponses returns everything parsed since the previous call, in wire
// order. It never blocks.
func (c *Conn) PollResponses() []imap.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	return out
}

// Done is closed once the reader stopped.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection stopped, or nil while it is running.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection. It is safe to call more than once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()

	err := c.netConn.Close()
	if !started {
		c.stop(imap.ErrClosed)
	}
	return err
}
