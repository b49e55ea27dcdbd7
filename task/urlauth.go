package task

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	imap "github.com/meszmate/imap-engine"
	"github.com/meszmate/imap-engine/wire"
	"github.com/meszmate/imap-engine/wire/utf7"
)

// URLAuthMechanism is the only URLAUTH mechanism every server supports.
const URLAuthMechanism = "INTERNAL"

// URLAuthTarget names the message part a URLAUTH URL grants access to.
type URLAuthTarget struct {
	User        string
	Host        string
	Mailbox     string
	UIDValidity uint32
	UID         imap.UID
	// Section is an optional body part such as "1.2" or "TEXT".
	Section string
	// Access is the access identifier, e.g. "anonymous" or "user+bob".
	Access string
}

// URL returns the unauthorized IMAP URL of the target (RFC 4467). The
// mailbox appears in UTF-8 as RFC 5092 requires.
func (t URLAuthTarget) URL() string {
	var b strings.Builder
	b.WriteString("imap://")
	b.WriteString(url.PathEscape(t.User))
	b.WriteByte('@')
	b.WriteString(t.Host)
	b.WriteByte('/')
	b.WriteString(url.PathEscape(utf7.DisplayName(t.Mailbox)))
	fmt.Fprintf(&b, ";UIDVALIDITY=%d/;UID=%d", t.UIDValidity, t.UID)
	if t.Section != "" {
		b.WriteString("/;section=")
		b.WriteString(url.PathEscape(t.Section))
	}
	b.WriteString(";urlauth=")
	b.WriteString(t.Access)
	return b.String()
}

// GenURLAuth asks the server to sign a URLAUTH URL. Its result is the
// authorized URL returned by the server.
type GenURLAuth struct {
	Target URLAuthTarget

	url string
}

func (g *GenURLAuth) Name() string { return "genurlauth" }

func (g *GenURLAuth) String() string {
	return fmt.Sprintf("authorize UID %d in %s", g.Target.UID, utf7.DisplayName(g.Target.Mailbox))
}

func (g *GenURLAuth) perform(ctx *Context) (bool, error) {
	if !ctx.Session.Caps.Has(imap.CapURLAuth) {
		return false, errors.New("server does not support URLAUTH")
	}
	g.url = ""
	_, err := ctx.Send(imap.NewCommand(imap.CommandGenURLAuth, wire.Quote(g.Target.URL()), URLAuthMechanism))
	return false, err
}

func (g *GenURLAuth) handleUntagged(ctx *Context, r imap.Response) error {
	ext, ok := r.(*imap.Extension)
	if !ok || ext.Kind != imap.CommandGenURLAuth {
		return nil
	}
	signed, err := wire.NewStringDecoder(ext.Payload).ReadAString()
	if err != nil {
		return fmt.Errorf("GENURLAUTH response: %w", err)
	}
	g.url = signed
	return nil
}

func (g *GenURLAuth) handleCompletion(ctx *Context, c *imap.Completion) (bool, error) {
	if err := c.Err(); err != nil {
		return false, fmt.Errorf("GENURLAUTH: %w", err)
	}
	if g.url == "" {
		return false, errors.New("GENURLAUTH: server returned no URL")
	}
	return true, nil
}

func (g *GenURLAuth) result() any { return g.url }
