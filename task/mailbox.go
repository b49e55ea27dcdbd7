package task

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	imap "github.com/meszmate/imap-engine"
	"github.com/meszmate/imap-engine/wire"
	"github.com/meszmate/imap-engine/wire/utf7"
)

type listStep int

const (
	listDelimiter listStep = iota
	listChildren
)

// ListChildMailboxes lists the mailboxes directly below Parent and stores
// them in the cache. An empty Parent lists the top level.
type ListChildMailboxes struct {
	Parent string

	step     listStep
	children []imap.MailboxInfo
}

func (l *ListChildMailboxes) Name() string { return "list-child-mailboxes" }

func (l *ListChildMailboxes) String() string {
	if l.Parent == "" {
		return "list top-level mailboxes"
	}
	return "list children of " + utf7.DisplayName(l.Parent)
}

func (l *ListChildMailboxes) perform(ctx *Context) (bool, error) {
	if !ctx.Session.DelimKnown {
		l.step = listDelimiter
		_, err := ctx.Send(imap.NewCommand(imap.CommandList, `""`, `""`))
		return false, err
	}
	return l.list(ctx)
}

func (l *ListChildMailboxes) list(ctx *Context) (bool, error) {
	pattern := "%"
	if l.Parent != "" {
		if ctx.Session.Delim == 0 || l.knownLeaf(ctx) {
			// Nothing can live below a leaf or in a flat namespace.
			return true, l.store(ctx)
		}
		pattern = l.Parent + string(ctx.Session.Delim) + "%"
	}
	l.step = listChildren
	l.children = nil
	_, err := ctx.Send(imap.NewCommand(imap.CommandList, `""`, wire.Quote(pattern)))
	return false, err
}

// isChild reports whether name sits directly below Parent. LIST has no way
// to escape the wildcards % and * in a parent name, so the pattern may match
// more than the children and the answer is filtered here.
func (l *ListChildMailboxes) isChild(ctx *Context, name string) bool {
	rest := name
	if l.Parent != "" {
		prefix := l.Parent + string(ctx.Session.Delim)
		if !strings.HasPrefix(name, prefix) {
			return false
		}
		rest = name[len(prefix):]
	}
	if rest == "" {
		return false
	}
	return ctx.Session.Delim == 0 || !strings.ContainsRune(rest, ctx.Session.Delim)
}

// knownLeaf reports whether the cached listing of the parent's own parent
// marks Parent as unable to have children.
func (l *ListChildMailboxes) knownLeaf(ctx *Context) bool {
	if ctx.Cache == nil {
		return false
	}
	grandparent := ""
	if i := strings.LastIndex(l.Parent, string(ctx.Session.Delim)); i >= 0 {
		grandparent = l.Parent[:i]
	}
	siblings, ok, err := ctx.Cache.ChildMailboxes(grandparent)
	if err != nil || !ok {
		return false
	}
	for _, m := range siblings {
		if m.Name == l.Parent {
			return !m.MayHaveChildren()
		}
	}
	return false
}

func (l *ListChildMailboxes) handleUntagged(ctx *Context, r imap.Response) error {
	u, ok := r.(*imap.Untagged)
	if !ok || u.Name != imap.CommandList {
		return nil
	}
	info, err := ParseListData(u.Text)
	if err != nil {
		// One bad entry does not spoil the listing.
		ctx.logger().Warn("skipping malformed LIST entry", zap.String("data", u.Text), zap.Error(err))
		return nil
	}

	switch l.step {
	case listDelimiter:
		ctx.Session.Delim = info.Delim
		ctx.Session.DelimKnown = true
	case listChildren:
		if !l.isChild(ctx, info.Name) || info.HasAttr(imap.MailboxAttrNonExistent) {
			return nil
		}
		l.children = append(l.children, info)
	}
	return nil
}

func (l *ListChildMailboxes) handleCompletion(ctx *Context, c *imap.Completion) (bool, error) {
	if err := c.Err(); err != nil {
		return false, fmt.Errorf("LIST: %w", err)
	}
	if l.step == listDelimiter {
		ctx.Session.DelimKnown = true
		return l.list(ctx)
	}
	return true, l.store(ctx)
}

func (l *ListChildMailboxes) store(ctx *Context) error {
	if l.children == nil {
		l.children = []imap.MailboxInfo{}
	}
	if ctx.Cache == nil {
		return nil
	}
	return ctx.Cache.SetChildMailboxes(l.Parent, l.children)
}

func (l *ListChildMailboxes) result() any { return l.children }

// ParseListData parses the data of a LIST response such as
// `(\HasNoChildren) "/" "INBOX"`.
func ParseListData(s string) (imap.MailboxInfo, error) {
	var info imap.MailboxInfo
	dec := wire.NewStringDecoder(s)

	attrs, err := dec.ReadFlags()
	if err != nil {
		return info, fmt.Errorf("attributes: %w", err)
	}
	for _, a := range attrs {
		info.Attrs = append(info.Attrs, imap.MailboxAttr(a))
	}
	if err := dec.ReadSP(); err != nil {
		return info, err
	}

	delim, ok, err := dec.ReadNString()
	if err != nil {
		return info, fmt.Errorf("delimiter: %w", err)
	}
	if ok {
		r := []rune(delim)
		if len(r) != 1 {
			return info, fmt.Errorf("delimiter %q is not a single character", delim)
		}
		info.Delim = r[0]
	}
	if err := dec.ReadSP(); err != nil {
		return info, err
	}

	if info.Name, err = dec.ReadAString(); err != nil {
		return info, fmt.Errorf("mailbox name: %w", err)
	}
	if strings.EqualFold(info.Name, "INBOX") {
		info.Name = "INBOX"
	}
	info.DisplayName = utf7.DisplayName(info.Name)
	return info, nil
}

// Status asks the server for the counters of one mailbox without
// selecting it.
type Status struct {
	Mailbox string

	data imap.StatusData
	seen bool
}

func (s *Status) Name() string { return "status" }

func (s *Status) String() string { return "status of " + utf7.DisplayName(s.Mailbox) }

func (s *Status) perform(ctx *Context) (bool, error) {
	s.data = imap.StatusData{Mailbox: s.Mailbox}
	_, err := ctx.Send(imap.NewCommand(imap.CommandStatus, wire.Quote(s.Mailbox), imap.StatusItems))
	return false, err
}

func (s *Status) handleUntagged(ctx *Context, r imap.Response) error {
	u, ok := r.(*imap.Untagged)
	if !ok || u.Name != imap.CommandStatus {
		return nil
	}
	data, err := ParseStatusData(u.Text)
	if err != nil {
		return fmt.Errorf("STATUS response: %w", err)
	}
	if data.Mailbox != s.Mailbox {
		return nil
	}
	s.data, s.seen = data, true
	return nil
}

func (s *Status) handleCompletion(ctx *Context, c *imap.Completion) (bool, error) {
	if err := c.Err(); err != nil {
		return false, fmt.Errorf("STATUS: %w", err)
	}
	if !s.seen {
		return false, errors.New("STATUS: server sent no data")
	}
	return true, nil
}

func (s *Status) result() any {
	data := s.data
	return &data
}

// ParseStatusData parses the data of a STATUS response such as
// `INBOX (MESSAGES 3 UIDNEXT 12)`.
func ParseStatusData(s string) (imap.StatusData, error) {
	var data imap.StatusData
	dec := wire.NewStringDecoder(s)

	name, err := dec.ReadAString()
	if err != nil {
		return data, fmt.Errorf("mailbox name: %w", err)
	}
	if strings.EqualFold(name, "INBOX") {
		name = "INBOX"
	}
	data.Mailbox = name
	if err := dec.ReadSP(); err != nil {
		return data, err
	}

	var item string
	err = dec.ReadList(func() error {
		if item == "" {
			atom, err := dec.ReadAtom()
			item = atom
			return err
		}
		n, err := dec.ReadNumber64()
		if err != nil {
			return fmt.Errorf("%s: %w", item, err)
		}
		switch strings.ToUpper(item) {
		case "MESSAGES":
			data.NumMessages = uint32(n)
		case "RECENT":
			data.NumRecent = uint32(n)
		case "UNSEEN":
			data.NumUnseen = uint32(n)
		case "UIDNEXT":
			data.UIDNext = imap.UID(n)
		case "UIDVALIDITY":
			data.UIDValidity = uint32(n)
		}
		item = ""
		return nil
	})
	return data, err
}
