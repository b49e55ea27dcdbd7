package task

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	imap "github.com/meszmate/imap-engine"
	"github.com/meszmate/imap-engine/cache"
	"github.com/meszmate/imap-engine/wire"
	"github.com/meszmate/imap-engine/wire/utf7"
)

// SyncResult is the outcome of SyncMailbox and of a mailbox Noop.
type SyncResult struct {
	Mailbox string
	State   cache.SyncState
	// FromCache is set when the cached state was still current and no
	// message data was fetched.
	FromCache bool
	// NewMessages is set when the message count grew since the last sync.
	NewMessages bool
}

// syncer collects mailbox counters and the UID FETCH listing shared by
// SyncMailbox and Noop.
type syncer struct {
	mailbox  string
	sel      cache.SyncState
	changed  bool
	fetching bool
	fetched  map[imap.UID][]imap.Flag
	res      SyncResult
}

// observe records counters from untagged responses.
func (s *syncer) observe(u *imap.Untagged) {
	switch {
	case u.HasNum && u.Name == "EXISTS":
		s.sel.Exists = u.Num
		s.changed = true
	case u.HasNum && u.Name == "EXPUNGE":
		if s.sel.Exists > 0 {
			s.sel.Exists--
		}
		s.changed = true
	case u.Status == imap.StatusResponseTypeOK:
		switch u.Code {
		case imap.ResponseCodeUIDValidity:
			if n, err := strconv.ParseUint(u.CodeArg, 10, 32); err == nil {
				s.sel.UIDValidity = uint32(n)
			}
		case imap.ResponseCodeUIDNext:
			if n, err := strconv.ParseUint(u.CodeArg, 10, 32); err == nil {
				s.sel.UIDNext = imap.UID(n)
			}
		case imap.ResponseCodeHighestModSeq:
			if n, err := strconv.ParseUint(u.CodeArg, 10, 64); err == nil {
				s.sel.HighestModSeq = n
			}
		}
	}
}

func (s *syncer) handleUntagged(r imap.Response) error {
	u, ok := r.(*imap.Untagged)
	if !ok {
		return nil
	}
	if s.fetching && u.HasNum && u.Name == "FETCH" {
		uid, flags, err := ParseFetchData(u.Text)
		if err != nil {
			return fmt.Errorf("FETCH response: %w", err)
		}
		if uid != 0 {
			s.fetched[uid] = flags
		}
		return nil
	}
	s.observe(u)
	return nil
}

// fetch asks for the UID and flags of every message.
func (s *syncer) fetch(ctx *Context) error {
	s.fetching = true
	s.fetched = make(map[imap.UID][]imap.Flag)
	_, err := ctx.Send(imap.NewCommand(imap.CommandUID, "FETCH", "1:*", "(FLAGS)"))
	return err
}

// finish turns the fetched listing into the new cached state.
func (s *syncer) finish(ctx *Context) {
	st := s.sel
	st.UIDs = make([]imap.UID, 0, len(s.fetched))
	st.Flags = make(map[imap.UID][]imap.Flag, len(s.fetched))
	for uid, flags := range s.fetched {
		st.UIDs = append(st.UIDs, uid)
		if len(flags) > 0 {
			st.Flags[uid] = flags
		}
	}
	sort.Slice(st.UIDs, func(i, j int) bool { return st.UIDs[i] < st.UIDs[j] })
	st.Exists = uint32(len(st.UIDs))
	if n := len(st.UIDs); n > 0 && st.UIDNext <= st.UIDs[n-1] {
		st.UIDNext = st.UIDs[n-1] + 1
	}

	s.res.Mailbox = s.mailbox
	s.res.State = st
	s.write(ctx, st)
}

func (s *syncer) write(ctx *Context, st cache.SyncState) {
	if ctx.Cache == nil || st.UIDValidity == 0 {
		return
	}
	if err := ctx.Cache.WriteSync(s.mailbox, st); err != nil {
		ctx.logger().Warn("cache write failed", zap.String("mailbox", s.mailbox), zap.Error(err))
	}
}

func (s *syncer) cached(ctx *Context) (cache.SyncState, bool) {
	if ctx.Cache == nil {
		return cache.SyncState{}, false
	}
	st, ok, err := ctx.Cache.ReadSync(s.mailbox)
	if err != nil {
		ctx.logger().Warn("cache read failed", zap.String("mailbox", s.mailbox), zap.Error(err))
		return cache.SyncState{}, false
	}
	return st, ok
}

type syncStep int

const (
	syncSelect syncStep = iota
	syncFetch
)

// applySelect records the outcome of SELECT mailbox in the session.
func applySelect(ctx *Context, mailbox string, sel cache.SyncState, c *imap.Completion) error {
	sess := ctx.Session
	if err := c.Err(); err != nil {
		sess.Machine.TransitionIfAllowed(imap.ConnStateAuthenticated)
		return fmt.Errorf("SELECT %s: %w", utf7.DisplayName(mailbox), err)
	}
	if err := sess.Machine.Transition(imap.ConnStateSelected); err != nil {
		return err
	}
	sess.Selected = mailbox
	sess.ReadOnly = c.Code == imap.ResponseCodeReadOnly
	sess.UIDValidity = sel.UIDValidity
	sess.Exists = sel.Exists
	return nil
}

// reselect reopens a mailbox that a later SyncMailbox on the same
// connection selected away from before the dependent task ran.
type reselect struct {
	mailbox string
	active  bool
	s       syncer
}

func (r *reselect) start(ctx *Context) error {
	r.active = true
	r.s = syncer{mailbox: r.mailbox}
	ctx.logger().Debug("reselecting mailbox", zap.String("mailbox", r.mailbox))
	ctx.Session.Deselect()
	_, err := ctx.Send(imap.NewCommand(imap.CommandSelect, wire.Quote(r.mailbox)))
	return err
}

func (r *reselect) handleUntagged(resp imap.Response) {
	if u, ok := resp.(*imap.Untagged); ok {
		r.s.observe(u)
	}
}

// done applies the SELECT completion. moved reports that the mailbox
// UIDVALIDITY differs from the cached one, so cached UIDs no longer apply.
func (r *reselect) done(ctx *Context, c *imap.Completion) (moved bool, err error) {
	r.active = false
	if err := applySelect(ctx, r.mailbox, r.s.sel, c); err != nil {
		return false, err
	}
	v := r.s.sel.UIDValidity
	if ctx.Cache == nil || v == 0 {
		return false, nil
	}
	prev, ok := r.s.cached(ctx)
	moved = ok && prev.UIDValidity != 0 && prev.UIDValidity != v
	if err := ctx.Cache.SetValidity(r.mailbox, v); err != nil {
		ctx.logger().Warn("cache validity update failed", zap.String("mailbox", r.mailbox), zap.Error(err))
	}
	return moved, nil
}

// SyncMailbox selects a mailbox and brings its cached UID and flag listing
// up to date.
type SyncMailbox struct {
	Mailbox string

	step syncStep
	s    syncer
}

func (m *SyncMailbox) Name() string { return "sync-mailbox" }

func (m *SyncMailbox) String() string { return "synchronize " + utf7.DisplayName(m.Mailbox) }

func (m *SyncMailbox) perform(ctx *Context) (bool, error) {
	m.step = syncSelect
	m.s = syncer{mailbox: m.Mailbox}
	// SELECT deselects the current mailbox whatever the outcome.
	ctx.Session.Deselect()
	_, err := ctx.Send(imap.NewCommand(imap.CommandSelect, wire.Quote(m.Mailbox)))
	return false, err
}

func (m *SyncMailbox) handleUntagged(ctx *Context, r imap.Response) error {
	return m.s.handleUntagged(r)
}

func (m *SyncMailbox) handleCompletion(ctx *Context, c *imap.Completion) (bool, error) {
	switch m.step {
	case syncSelect:
		if err := applySelect(ctx, m.Mailbox, m.s.sel, c); err != nil {
			return false, err
		}
		return m.reconcile(ctx)

	default:
		if err := c.Err(); err != nil {
			return false, fmt.Errorf("UID FETCH: %w", err)
		}
		m.s.finish(ctx)
		return true, nil
	}
}

// reconcile decides whether the cached listing is still current.
func (m *SyncMailbox) reconcile(ctx *Context) (bool, error) {
	sel := m.s.sel
	if ctx.Cache != nil && sel.UIDValidity != 0 {
		if err := ctx.Cache.SetValidity(m.Mailbox, sel.UIDValidity); err != nil {
			ctx.logger().Warn("cache validity update failed", zap.String("mailbox", m.Mailbox), zap.Error(err))
		}
	}

	prev, ok := m.s.cached(ctx)
	if ok && sel.UIDValidity != 0 && prev.Exists == sel.Exists && prev.UIDNext == sel.UIDNext &&
		(sel.HighestModSeq == 0 || prev.HighestModSeq == sel.HighestModSeq) {
		m.s.res = SyncResult{Mailbox: m.Mailbox, State: prev, FromCache: true}
		return true, nil
	}
	m.s.res.NewMessages = ok && sel.Exists > prev.Exists

	if sel.Exists == 0 {
		m.s.fetched = map[imap.UID][]imap.Flag{}
		m.s.finish(ctx)
		return true, nil
	}
	m.step = syncFetch
	return false, m.s.fetch(ctx)
}

func (m *SyncMailbox) result() any { return m.s.res }

// UpdateFlags changes the flags of messages in the selected mailbox and
// mirrors the change into the cache.
type UpdateFlags struct {
	Mailbox string
	UIDs    []imap.UID
	Store   imap.StoreFlags

	reported map[imap.UID][]imap.Flag
	reopen   reselect
}

func (u *UpdateFlags) Name() string { return "update-flags" }

func (u *UpdateFlags) String() string {
	return fmt.Sprintf("%s %v on %d messages in %s",
		u.Store.Action, u.Store.Flags, len(u.UIDs), utf7.DisplayName(u.Mailbox))
}

func (u *UpdateFlags) perform(ctx *Context) (bool, error) {
	if ctx.Session.Selected != u.Mailbox {
		u.reopen = reselect{mailbox: u.Mailbox}
		return false, u.reopen.start(ctx)
	}
	return u.store(ctx)
}

func (u *UpdateFlags) store(ctx *Context) (bool, error) {
	if ctx.Session.ReadOnly {
		return false, fmt.Errorf("mailbox %s is read-only", utf7.DisplayName(u.Mailbox))
	}
	set := imap.UIDSetOf(u.UIDs...)
	if set.IsEmpty() {
		return true, nil
	}
	u.reported = make(map[imap.UID][]imap.Flag)
	args := append([]string{"STORE", set.String()}, u.Store.Args()...)
	_, err := ctx.Send(imap.NewCommand(imap.CommandUID, args...))
	return false, err
}

func (u *UpdateFlags) handleUntagged(ctx *Context, r imap.Response) error {
	if u.reopen.active {
		u.reopen.handleUntagged(r)
		return nil
	}
	resp, ok := r.(*imap.Untagged)
	if !ok || !resp.HasNum || resp.Name != "FETCH" {
		return nil
	}
	uid, flags, err := ParseFetchData(resp.Text)
	if err != nil {
		return fmt.Errorf("FETCH response: %w", err)
	}
	if uid != 0 && flags != nil {
		u.reported[uid] = flags
	}
	return nil
}

func (u *UpdateFlags) handleCompletion(ctx *Context, c *imap.Completion) (bool, error) {
	if u.reopen.active {
		moved, err := u.reopen.done(ctx, c)
		if err != nil {
			return false, err
		}
		if moved {
			return false, fmt.Errorf("mailbox %s changed UIDVALIDITY", utf7.DisplayName(u.Mailbox))
		}
		return u.store(ctx)
	}
	if err := c.Err(); err != nil {
		return false, fmt.Errorf("UID STORE: %w", err)
	}
	if ctx.Cache == nil {
		return true, nil
	}

	st, ok, err := ctx.Cache.ReadSync(u.Mailbox)
	if err != nil || !ok {
		return true, nil
	}
	known := make(map[imap.UID]bool, len(st.UIDs))
	for _, uid := range st.UIDs {
		known[uid] = true
	}
	if st.Flags == nil {
		st.Flags = make(map[imap.UID][]imap.Flag)
	}
	for _, uid := range u.UIDs {
		if !known[uid] {
			continue
		}
		if flags, ok := u.reported[uid]; ok {
			st.Flags[uid] = flags
		} else {
			st.Flags[uid] = u.Store.Apply(st.Flags[uid])
		}
	}
	if err := ctx.Cache.WriteSync(u.Mailbox, st); err != nil {
		ctx.logger().Warn("cache write failed", zap.String("mailbox", u.Mailbox), zap.Error(err))
	}
	return true, nil
}

func (u *UpdateFlags) result() any { return imap.UIDSetOf(u.UIDs...) }

// Noop pings the server. With a Mailbox it checks the selected mailbox for
// new mail and resynchronizes the cache when the message count changed.
type Noop struct {
	Mailbox string

	baseline uint32
	step     syncStep
	s        syncer
	reopen   reselect
}

func (n *Noop) Name() string { return "noop" }

func (n *Noop) String() string {
	if n.Mailbox == "" {
		return "noop"
	}
	return "check " + utf7.DisplayName(n.Mailbox) + " for new mail"
}

func (n *Noop) perform(ctx *Context) (bool, error) {
	n.step = syncSelect
	if n.Mailbox != "" && ctx.Session.Selected != n.Mailbox {
		n.reopen = reselect{mailbox: n.Mailbox}
		return false, n.reopen.start(ctx)
	}
	return false, n.ping(ctx)
}

func (n *Noop) ping(ctx *Context) error {
	if n.Mailbox != "" {
		sess := ctx.Session
		n.s = syncer{mailbox: n.Mailbox}
		n.s.sel = cache.SyncState{UIDValidity: sess.UIDValidity, Exists: sess.Exists}
		n.baseline = sess.Exists
		if prev, ok := n.s.cached(ctx); ok {
			n.baseline = prev.Exists
			n.s.sel.UIDNext = prev.UIDNext
			n.s.sel.HighestModSeq = prev.HighestModSeq
		}
	}
	_, err := ctx.Send(imap.NewCommand(imap.CommandNoop))
	return err
}

func (n *Noop) handleUntagged(ctx *Context, r imap.Response) error {
	if n.Mailbox == "" {
		return nil
	}
	if n.reopen.active {
		n.reopen.handleUntagged(r)
		return nil
	}
	return n.s.handleUntagged(r)
}

func (n *Noop) handleCompletion(ctx *Context, c *imap.Completion) (bool, error) {
	if n.reopen.active {
		if _, err := n.reopen.done(ctx, c); err != nil {
			return false, err
		}
		return false, n.ping(ctx)
	}
	if n.step == syncFetch {
		if err := c.Err(); err != nil {
			return false, fmt.Errorf("UID FETCH: %w", err)
		}
		n.s.finish(ctx)
		n.s.res.NewMessages = n.s.sel.Exists > n.baseline
		return true, nil
	}

	if err := c.Err(); err != nil {
		return false, fmt.Errorf("NOOP: %w", err)
	}
	if n.Mailbox == "" {
		return true, nil
	}
	if ctx.Session.Selected != n.Mailbox {
		return false, errors.New("mailbox was closed while checking for new mail")
	}
	ctx.Session.Exists = n.s.sel.Exists

	prev, ok := n.s.cached(ctx)
	if ok && !n.s.changed && prev.Exists == n.s.sel.Exists {
		n.s.res = SyncResult{Mailbox: n.Mailbox, State: prev, FromCache: true}
		return true, nil
	}
	n.step = syncFetch
	return false, n.s.fetch(ctx)
}

func (n *Noop) result() any {
	if n.Mailbox == "" {
		return nil
	}
	return n.s.res
}

// ParseFetchData extracts the UID and FLAGS items from the data of a FETCH
// response such as `(UID 12 FLAGS (\Seen))`. Other items are skipped.
// flags is nil when the response carried no FLAGS item.
func ParseFetchData(s string) (uid imap.UID, flags []imap.Flag, err error) {
	dec := wire.NewStringDecoder(s)
	var item string
	err = dec.ReadList(func() error {
		if item == "" {
			atom, err := dec.ReadAtom()
			item = strings.ToUpper(atom)
			return err
		}
		defer func() { item = "" }()
		switch item {
		case "UID":
			n, err := dec.ReadNumber()
			uid = imap.UID(n)
			return err
		case "FLAGS":
			names, err := dec.ReadFlags()
			if err != nil {
				return err
			}
			flags = make([]imap.Flag, len(names))
			for i, name := range names {
				flags[i] = imap.Flag(name)
			}
			return nil
		default:
			return skipValue(dec)
		}
	})
	return uid, flags, err
}

func skipValue(dec *wire.Decoder) error {
	b, err := dec.PeekByte()
	if err != nil {
		return err
	}
	switch b {
	case '(':
		return dec.ReadList(func() error { return skipValue(dec) })
	case '"':
		_, err = dec.ReadQuotedString()
	default:
		_, err = dec.ReadFlag()
	}
	return err
}
