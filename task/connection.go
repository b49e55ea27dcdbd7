package task

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"go.uber.org/zap"

	imap "github.com/meszmate/imap-engine"
	"github.com/meszmate/imap-engine/wire"
)

// Credentials authenticate a session.
type Credentials struct {
	Username string
	Password string
	// Mechanism is LOGIN, PLAIN or EXTERNAL. Empty picks PLAIN when the
	// server advertises it and LOGIN otherwise.
	Mechanism string
}

type openStep int

const (
	openDialing openStep = iota
	openCapability
	openAuthenticate
	// openPreauthCapability asks a preauthenticated server what it
	// supports and then finishes.
	openPreauthCapability
)

// OpenConnection obtains an authenticated transport. Its result is the
// transport ID.
type OpenConnection struct {
	Creds Credentials

	step      openStep
	mechanism string
	client    sasl.Client
	ir        []byte
	irPending bool
	conn      uint
}

func (o *OpenConnection) Name() string { return "open-connection" }

func (o *OpenConnection) String() string {
	if o.Creds.Username == "" {
		return "open connection"
	}
	return "open connection as " + o.Creds.Username
}

func (o *OpenConnection) perform(ctx *Context) (bool, error) {
	if ctx.Dial == nil {
		return false, errors.New("no dialer configured")
	}
	o.step = openDialing
	return false, ctx.Dial()
}

// connected continues once the greeting arrived on ctx.Conn.
func (o *OpenConnection) connected(ctx *Context) (bool, error) {
	o.conn = ctx.Conn.ID()
	switch st := ctx.Session.Machine.State(); st {
	case imap.ConnStateAuthenticated:
		if ctx.Session.Caps.Len() > 0 {
			return true, nil
		}
		o.step = openPreauthCapability
		_, err := ctx.Send(imap.NewCommand(imap.CommandCapability))
		return false, err
	case imap.ConnStateNotAuthenticated:
	default:
		return false, fmt.Errorf("cannot authenticate in %s state", st)
	}

	if ctx.Session.Caps.Len() == 0 {
		o.step = openCapability
		_, err := ctx.Send(imap.NewCommand(imap.CommandCapability))
		return false, err
	}
	return false, o.authenticate(ctx)
}

func (o *OpenConnection) authenticate(ctx *Context) error {
	caps := ctx.Session.Caps
	mech := strings.ToUpper(o.Creds.Mechanism)
	if mech == "" {
		mech = "LOGIN"
		if caps.HasAuth(sasl.Plain) || caps.Has(imap.CapLoginDisabled) {
			mech = sasl.Plain
		}
	}
	o.step = openAuthenticate
	o.mechanism = mech

	switch mech {
	case "LOGIN":
		if caps.Has(imap.CapLoginDisabled) {
			return errors.New("server disabled LOGIN on this connection")
		}
		_, err := ctx.Send(imap.Command{
			Name:      imap.CommandLogin,
			Args:      []string{wire.Quote(o.Creds.Username), wire.Quote(o.Creds.Password)},
			Sensitive: true,
		})
		return err
	case sasl.Plain:
		o.client = sasl.NewPlainClient("", o.Creds.Username, o.Creds.Password)
	case sasl.External:
		o.client = sasl.NewExternalClient(o.Creds.Username)
	default:
		return fmt.Errorf("unsupported authentication mechanism %q", mech)
	}

	name, ir, err := o.client.Start()
	if err != nil {
		return fmt.Errorf("SASL %s: %w", mech, err)
	}
	args := []string{name}
	if ir != nil {
		if caps.Has(imap.CapSASLIR) {
			enc := base64.StdEncoding.EncodeToString(ir)
			if enc == "" {
				enc = "="
			}
			args = append(args, enc)
		} else {
			o.ir, o.irPending = ir, true
		}
	}
	_, err = ctx.Send(imap.Command{Name: imap.CommandAuthenticate, Args: args, Sensitive: true})
	return err
}

func (o *OpenConnection) handleUntagged(ctx *Context, r imap.Response) error {
	cont, ok := r.(*imap.Continuation)
	if !ok {
		return nil
	}
	if o.step != openAuthenticate || o.client == nil {
		return errors.New("unexpected continuation request")
	}

	var resp []byte
	if o.irPending {
		resp, o.irPending = o.ir, false
	} else {
		challenge, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cont.Text))
		if err != nil {
			_ = ctx.Conn.Continue("*")
			return fmt.Errorf("malformed SASL challenge: %w", err)
		}
		if resp, err = o.client.Next(challenge); err != nil {
			_ = ctx.Conn.Continue("*")
			return fmt.Errorf("SASL %s: %w", o.mechanism, err)
		}
	}
	return ctx.Conn.Continue(base64.StdEncoding.EncodeToString(resp))
}

func (o *OpenConnection) handleCompletion(ctx *Context, c *imap.Completion) (bool, error) {
	switch o.step {
	case openCapability:
		if err := c.Err(); err != nil {
			return false, fmt.Errorf("CAPABILITY: %w", err)
		}
		return false, o.authenticate(ctx)

	case openPreauthCapability:
		if err := c.Err(); err != nil {
			return false, fmt.Errorf("CAPABILITY: %w", err)
		}
		return true, nil

	case openAuthenticate:
		if err := c.Err(); err != nil {
			return false, fmt.Errorf("authentication failed: %w", err)
		}
		if c.Code == imap.ResponseCodeCapability {
			ctx.Session.Caps.Replace(imap.ParseCaps(c.CodeArg))
		}
		if err := ctx.Session.Machine.Transition(imap.ConnStateAuthenticated); err != nil {
			return false, err
		}
		ctx.logger().Debug("authenticated", zap.Uint("conn", o.conn), zap.String("mechanism", o.mechanism))
		return true, nil

	default:
		return false, fmt.Errorf("unexpected completion %s while dialing", c.Tag)
	}
}

func (o *OpenConnection) result() any { return o.conn }
