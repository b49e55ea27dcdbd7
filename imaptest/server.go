// Package imaptest provides scripted IMAP servers for tests.
//
// A Server sits on one end of a net.Pipe. Tests drive it line by line:
// write a greeting, read the command the client sent, answer it. Failures
// are reported with t.Errorf so a Server may be driven from a goroutine.
package imaptest

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

// DefaultTimeout bounds every read and write of a Server.
const DefaultTimeout = 5 * time.Second

// Server is the server side of an in-memory IMAP connection.
type Server struct {
	t       testing.TB
	conn    net.Conn
	r       *bufio.Reader
	Timeout time.Duration
}

// NewPipe returns the client end of a pipe and a Server on the other end.
func NewPipe(t testing.TB) (net.Conn, *Server) {
	t.Helper()
	client, server := net.Pipe()
	s := newServer(t, server)
	t.Cleanup(func() {
		_ = client.Close()
		_ = s.Close()
	})
	return client, s
}

func newServer(t testing.TB, conn net.Conn) *Server {
	return &Server{t: t, conn: conn, r: bufio.NewReader(conn), Timeout: DefaultTimeout}
}

// Writef writes one formatted line followed by CRLF.
func (s *Server) Writef(format string, args ...any) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.Timeout))
	if _, err := fmt.Fprintf(s.conn, format+"\r\n", args...); err != nil {
		s.t.Errorf("imaptest: write: %v", err)
	}
}

// WriteRaw writes data unchanged.
func (s *Server) WriteRaw(data string) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.Timeout))
	if _, err := s.conn.Write([]byte(data)); err != nil {
		s.t.Errorf("imaptest: write: %v", err)
	}
}

// Greet sends an OK greeting advertising caps.
func (s *Server) Greet(caps string) {
	if caps == "" {
		s.Writef("* OK imaptest ready")
		return
	}
	s.Writef("* OK [CAPABILITY %s] imaptest ready", caps)
}

// ReadLine reads one line sent by the client, without the line ending.
func (s *Server) ReadLine() (string, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.Timeout))
	line, err := s.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Expect reads one command and checks that everything after the tag equals
// want. It returns the tag so the test can answer.
func (s *Server) Expect(want string) string {
	line, err := s.ReadLine()
	if err != nil {
		s.t.Errorf("imaptest: expected %q: %v", want, err)
		return ""
	}
	tag, rest, _ := strings.Cut(line, " ")
	if rest != want {
		s.t.Errorf("imaptest: got command %q, want %q", rest, want)
	}
	return tag
}

// ExpectPrefix is like Expect but only checks the start of the command.
func (s *Server) ExpectPrefix(prefix string) (tag, rest string) {
	line, err := s.ReadLine()
	if err != nil {
		s.t.Errorf("imaptest: expected %q: %v", prefix, err)
		return "", ""
	}
	tag, rest, _ = strings.Cut(line, " ")
	if !strings.HasPrefix(rest, prefix) {
		s.t.Errorf("imaptest: got command %q, want prefix %q", rest, prefix)
	}
	return tag, rest
}

// OK completes tag successfully.
func (s *Server) OK(tag, text string) {
	s.Writef("%s OK %s", tag, text)
}

// Close closes the server end.
func (s *Server) Close() error {
	return s.conn.Close()
}

// Dialer hands out pipes instead of network connections. Each DialContext
// call creates a pipe and delivers its server end on Accept.
type Dialer struct {
	t      testing.TB
	Accept chan *Server
	// Err, when set, is returned by DialContext instead of a pipe.
	Err error
}

// NewDialer creates a Dialer for t.
func NewDialer(t testing.TB) *Dialer {
	return &Dialer{t: t, Accept: make(chan *Server, 8)}
}

// DialContext implements transport.NetDialer.
func (d *Dialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	client, server := net.Pipe()
	s := newServer(d.t, server)
	d.t.Cleanup(func() {
		_ = client.Close()
		_ = s.Close()
	})
	select {
	case d.Accept <- s:
		return client, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Next waits for the next dialed connection.
func (d *Dialer) Next() *Server {
	d.t.Helper()
	select {
	case s := <-d.Accept:
		return s
	case <-time.After(DefaultTimeout):
		d.t.Fatalf("imaptest: no connection was dialed")
		return nil
	}
}
