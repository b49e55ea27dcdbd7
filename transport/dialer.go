package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	imap "github.com/meszmate/imap-engine"
	"github.com/meszmate/imap-engine/trace"
)

// Security selects how the connection is protected.
type Security int

const (
	// SecurityTLS uses implicit TLS (port 993).
	SecurityTLS Security = iota
	// SecurityStartTLS upgrades a plain connection with STARTTLS.
	SecurityStartTLS
	// SecurityPlain uses no encryption.
	SecurityPlain
)

func (s Security) String() string {
	switch s {
	case SecurityTLS:
		return "tls"
	case SecurityStartTLS:
		return "starttls"
	case SecurityPlain:
		return "plain"
	default:
		return fmt.Sprintf("security(%d)", int(s))
	}
}

// ParseSecurity parses the configuration name of a security mode.
func ParseSecurity(s string) (Security, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tls", "ssl", "":
		return SecurityTLS, nil
	case "starttls":
		return SecurityStartTLS, nil
	case "plain", "none":
		return SecurityPlain, nil
	default:
		return SecurityTLS, fmt.Errorf("transport: unknown security %q", s)
	}
}

// VerifyFunc decides whether the TLS peer of target is acceptable. It runs
// during the handshake and may block until a user decision is available.
type VerifyFunc func(ctx context.Context, target string, state tls.ConnectionState) error

// NetDialer opens raw connections. *net.Dialer satisfies it.
type NetDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Dialer opens IMAP connections to one server.
type Dialer struct {
	// Addr is the host:port of the server.
	Addr string
	// Security selects implicit TLS, STARTTLS or plain.
	Security Security
	// TLSConfig is the base TLS configuration. ServerName defaults to the
	// host part of Addr.
	TLSConfig *tls.Config
	// Verify replaces the standard chain verification when set.
	Verify VerifyFunc
	// NetDialer opens the socket. Defaults to a *net.Dialer.
	NetDialer NetDialer
	// Timeout bounds dialing, the greeting and the TLS handshakes.
	Timeout time.Duration
}

// Dial connects, reads the greeting, performs STARTTLS when configured and
// starts the reader goroutine of the returned Conn.
func (d *Dialer) Dial(ctx context.Context, id uint, opts ...Option) (*Conn, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	nd := d.NetDialer
	if nd == nil {
		nd = &net.Dialer{}
	}
	nc, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}

	if d.Security == SecurityTLS {
		tc, err := d.handshake(ctx, nc)
		if err != nil {
			return nil, err
		}
		nc = tc
	}

	c := newConn(id, nc, opts...)
	c.traceLine(trace.Info, fmt.Sprintf("connected to %s (%s)", d.Addr, d.Security), false)

	if err := c.readGreeting(); err != nil {
		_ = nc.Close()
		return nil, err
	}

	if d.Security == SecurityStartTLS {
		if err := d.startTLS(ctx, c); err != nil {
			_ = c.netConn.Close()
			return nil, err
		}
	}

	_ = c.netConn.SetDeadline(time.Time{})
	c.start()
	return c, nil
}

func (d *Dialer) startTLS(ctx context.Context, c *Conn) error {
	if g := c.Greeting(); g.Status == imap.StatusResponseTypePREAUTH {
		return fmt.Errorf("STARTTLS: server sent PREAUTH before encryption")
	}
	comp, err := c.roundTrip(imap.NewCommand(imap.CommandStartTLS))
	if err != nil {
		return err
	}
	if err := comp.Err(); err != nil {
		return fmt.Errorf("STARTTLS: %w", err)
	}
	tc, err := d.handshake(ctx, c.netConn)
	if err != nil {
		return err
	}
	c.rebind(tc)
	c.traceLine(trace.Info, "STARTTLS negotiated", false)

	// Capabilities announced in the clear must not be trusted.
	c.mu.Lock()
	c.greeting = &imap.Untagged{Name: string(imap.StatusResponseTypeOK), Status: imap.StatusResponseTypeOK}
	c.mu.Unlock()
	return nil
}

func (d *Dialer) handshake(ctx context.Context, nc net.Conn) (*tls.Conn, error) {
	tc := tls.Client(nc, d.tlsConfig(ctx))
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("TLS handshake with %s: %w", d.Addr, err)
	}
	return tc, nil
}

func (d *Dialer) tlsConfig(ctx context.Context) *tls.Config {
	var cfg *tls.Config
	if d.TLSConfig != nil {
		cfg = d.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(d.Addr)
		if err != nil {
			host = d.Addr
		}
		cfg.ServerName = host
	}
	if d.Verify != nil {
		target := d.Addr
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			return d.Verify(ctx, target, cs)
		}
	}
	return cfg
}
