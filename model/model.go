// Package model orchestrates IMAP work across transports.
//
// A Model owns the task graph, the transports, the cache handle, the
// network policy and the trust store. All of that state is mutated by one
// dispatch goroutine started with Run; the exported request methods post
// closures onto it and return an *Operation handle. Reader goroutines of the
// transports only queue responses and wake the loop.
package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	imap "github.com/meszmate/imap-engine"
	"github.com/meszmate/imap-engine/cache"
	"github.com/meszmate/imap-engine/task"
	"github.com/meszmate/imap-engine/trace"
	"github.com/meszmate/imap-engine/transport"
)

const inboxSize = 1024

// Model is the engine's orchestrator.
type Model struct {
	opts    *Options
	log     *zap.Logger
	obs     *Observer
	metrics *Metrics
	cache   cache.Cache
	trust   *TrustStore
	traces  *trace.Log
	flusher *trace.Flusher

	inbox    chan func()
	quit     chan struct{}
	started  atomic.Bool
	draining atomic.Bool
	policy   atomic.Int32

	// Owned by the dispatch goroutine.
	runCtx       context.Context
	cancelRun    context.CancelFunc
	graph        *task.Graph
	factory      *task.Factory
	limiter      *reconnectLimiter
	conns        map[uint]*connState
	nextConn     uint
	tags         map[tagKey]task.ID
	active       map[uint]task.ID
	lastSend     map[task.ID]time.Time
	ops          map[task.ID]*Operation
	dialing      map[task.ID]context.CancelFunc
	trustWaiters map[string][]chan bool
	doomed       []doomedConn
	closing      bool
	stopped      bool
}

type tagKey struct {
	conn uint
	tag  imap.Tag
}

// connState is the model's record of one transport.
type connState struct {
	id      uint
	conn    Transport
	session *task.Session
	opener  task.ID
	// usable is set once the session reached an authenticated state.
	usable  bool
	gone    bool
	pending atomic.Bool
}

// New creates a model. Nothing touches the network before Run.
func New(opts ...Option) (*Model, error) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.Addr == "" && o.Dial == nil {
		return nil, errors.New("model: no server address")
	}
	if o.Cache == nil {
		o.Cache = cache.NewMemory()
	}
	if o.Trust == nil {
		o.Trust = NewTrustStore()
	}

	m := &Model{
		opts:         o,
		log:          o.Logger.Named("model"),
		obs:          &o.Observer,
		metrics:      NewMetrics(o.Registerer),
		cache:        o.Cache,
		trust:        o.Trust,
		inbox:        make(chan func(), inboxSize),
		quit:         make(chan struct{}),
		limiter:      newReconnectLimiter(o.Reconnect, o.now()),
		conns:        make(map[uint]*connState),
		tags:         make(map[tagKey]task.ID),
		active:       make(map[uint]task.ID),
		lastSend:     make(map[task.ID]time.Time),
		ops:          make(map[task.ID]*Operation),
		dialing:      make(map[task.ID]context.CancelFunc),
		trustWaiters: make(map[string][]chan bool),
	}
	if o.Dial == nil {
		o.Dial = m.dialNetwork
	}
	if fb, ok := o.Cache.(*cache.Fallback); ok {
		fb.OnError(func(err error) {
			m.metrics.cacheErrors.Inc()
			m.postAsync(func() { m.obs.cacheError(err) })
		})
	}

	m.traces = trace.NewLog(trace.WithCapacity(o.TraceCapacity), trace.WithMaxLine(o.TraceMaxLine))
	m.flusher = trace.NewFlusher(m.traces, o.TraceFlush, m.traceSink)

	m.graph = task.NewGraph(m.log)
	m.graph.OnTransition(m.onTransition)
	m.factory = task.NewFactory(m.graph, env{m}, o.Credentials, urlHost(o.Addr))

	m.policy.Store(int32(o.Policy))
	m.metrics.policy.Set(float64(o.Policy))
	return m, nil
}

func urlHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Run dispatches until ctx is done or Close is called. It must be called
// once.
func (m *Model) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("model: already running")
	}
	defer close(m.quit)
	m.runCtx, m.cancelRun = context.WithCancel(ctx)
	defer m.cancelRun()

	var tick <-chan time.Time
	if d := m.opts.CommandTimeout; d > 0 {
		interval := d / 4
		if interval > time.Second {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	m.log.Info("model started", zap.Stringer("policy", m.Policy()))
	for {
		select {
		case <-ctx.Done():
			m.shutdown(false)
			return ctx.Err()
		case fn := <-m.inbox:
			fn()
			if m.stopped {
				return nil
			}
			m.schedule()
		case <-tick:
			m.checkTimeouts()
			m.schedule()
		}
	}
}

// Close logs out of every usable transport, aborts outstanding work, closes
// the cache and stops Run.
func (m *Model) Close() error {
	if !m.started.Load() {
		m.shutdown(true)
		return nil
	}
	if m.post(func() {
		m.shutdown(true)
		m.stopped = true
	}) {
		<-m.quit
	}
	return nil
}

// post hands fn to the dispatch goroutine. It reports false once the loop
// has stopped.
func (m *Model) post(fn func()) bool {
	select {
	case <-m.quit:
		return false
	default:
	}
	select {
	case m.inbox <- fn:
		return true
	case <-m.quit:
		return false
	}
}

// postAsync is post for callers that may be the dispatch goroutine itself.
func (m *Model) postAsync(fn func()) {
	select {
	case m.inbox <- fn:
	default:
		go m.post(fn)
	}
}

func (m *Model) now() time.Time { return m.opts.now() }

func (m *Model) runContext() context.Context {
	if m.runCtx == nil {
		return context.Background()
	}
	return m.runCtx
}

// Policy returns the current network policy. It is safe to call from any
// goroutine.
func (m *Model) Policy() imap.NetworkPolicy {
	return imap.NetworkPolicy(m.policy.Load())
}

// SetNetworkPolicy switches the network policy. Going offline aborts every
// unfinished task and closes the transports without sending anything.
func (m *Model) SetNetworkPolicy(p imap.NetworkPolicy) {
	m.post(func() { m.setPolicy(p) })
}

func (m *Model) setPolicy(p imap.NetworkPolicy) {
	old := m.Policy()
	if old == p {
		return
	}
	m.policy.Store(int32(p))
	m.metrics.policy.Set(float64(p))
	m.log.Info("network policy changed", zap.Stringer("from", old), zap.Stringer("to", p))
	m.obs.networkPolicy(p)

	switch p {
	case imap.NetworkOffline:
		m.graph.AbortWhere(func(*task.Task) bool { return true }, imap.ErrNetworkOffline)
		for _, id := range m.connIDs() {
			m.dropConn(m.conns[id], imap.ErrNetworkOffline)
		}
	case imap.NetworkExpensive:
		m.graph.AbortWhere(func(t *task.Task) bool {
			return t.Background() && t.State() == task.StateQueued
		}, imap.ErrNetworkExpensive)
	}
	if old == imap.NetworkOffline {
		m.limiter.reset(m.now())
	}
}

// CachedChildren returns the cached child list of parent without touching
// the network.
func (m *Model) CachedChildren(parent string) ([]imap.MailboxInfo, bool, error) {
	return m.cache.ChildMailboxes(parent)
}

// CachedSync returns the cached synchronization state of mailbox.
func (m *Model) CachedSync(mailbox string) (cache.SyncState, bool, error) {
	return m.cache.ReadSync(mailbox)
}

// Tasks returns a snapshot of every unfinished task.
func (m *Model) Tasks(ctx context.Context) ([]task.Info, error) {
	ch := make(chan []task.Info, 1)
	if !m.post(func() {
		ts := m.graph.Tasks()
		infos := make([]task.Info, len(ts))
		for i, t := range ts {
			infos[i] = t.Info()
		}
		ch <- infos
	}) {
		return nil, imap.ErrClosed
	}
	select {
	case infos := <-ch:
		return infos, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.quit:
		return nil, imap.ErrClosed
	}
}

// Connect requests an authenticated transport.
func (m *Model) Connect() *Operation {
	return m.submit((*task.Factory).OpenConnection)
}

// ListChildMailboxes requests the direct children of parent; "" lists the
// top level. The result is a []imap.MailboxInfo.
func (m *Model) ListChildMailboxes(parent string) *Operation {
	return m.submit(func(f *task.Factory) (*task.Task, error) { return f.ListChildMailboxes(parent) })
}

// Status requests the counters of mailbox. The result is an
// *imap.StatusData.
func (m *Model) Status(mailbox string) *Operation {
	return m.submit(func(f *task.Factory) (*task.Task, error) { return f.Status(mailbox, false) })
}

// PrefetchStatus is Status as background work, refused on metered networks.
func (m *Model) PrefetchStatus(mailbox string) *Operation {
	return m.submit(func(f *task.Factory) (*task.Task, error) { return f.Status(mailbox, true) })
}

// SyncMailbox requests a synchronized view of mailbox. The result is a
// task.SyncResult.
func (m *Model) SyncMailbox(mailbox string) *Operation {
	return m.submit(func(f *task.Factory) (*task.Task, error) { return f.SyncMailbox(mailbox) })
}

// UpdateFlags requests a flag change on messages of mailbox.
func (m *Model) UpdateFlags(mailbox string, uids []imap.UID, store imap.StoreFlags) *Operation {
	return m.submit(func(f *task.Factory) (*task.Task, error) { return f.UpdateFlags(mailbox, uids, store) })
}

// MarkRead requests adding \Seen to messages of mailbox.
func (m *Model) MarkRead(mailbox string, uids ...imap.UID) *Operation {
	return m.submit(func(f *task.Factory) (*task.Task, error) { return f.MarkRead(mailbox, uids...) })
}

// GenURLAuth requests a URLAUTH-signed URL for a message part. The result
// is the URL string.
func (m *Model) GenURLAuth(mailbox string, uidValidity uint32, uid imap.UID, section, access string) *Operation {
	return m.submit(func(f *task.Factory) (*task.Task, error) {
		return f.GenURLAuth(mailbox, uidValidity, uid, section, access)
	})
}

// CheckNewMail asks the server about changes to mailbox. The result is a
// task.SyncResult; an empty mailbox sends a plain NOOP.
func (m *Model) CheckNewMail(mailbox string) *Operation {
	return m.submit(func(f *task.Factory) (*task.Task, error) { return f.Noop(mailbox) })
}

func (m *Model) submit(build func(*task.Factory) (*task.Task, error)) *Operation {
	op := newOperation()
	if !m.post(func() { m.register(op, build) }) {
		op.finish(nil, imap.ErrClosed)
	}
	return op
}

func (m *Model) register(op *Operation, build func(*task.Factory) (*task.Task, error)) {
	if m.closing {
		op.finish(nil, imap.ErrClosed)
		return
	}
	t, err := build(m.factory)
	if err != nil {
		op.finish(nil, err)
		return
	}
	op.id = t.ID()
	if t.State().Terminal() {
		op.finish(t.Result(), t.Err())
		return
	}
	m.ops[t.ID()] = op
}

func (m *Model) shutdown(graceful bool) {
	if m.closing {
		return
	}
	m.closing = true
	m.log.Info("model stopping", zap.Bool("graceful", graceful))

	m.graph.AbortWhere(func(*task.Task) bool { return true }, imap.ErrClosed)
	for _, id := range m.connIDs() {
		cs := m.conns[id]
		if graceful {
			m.logout(cs)
		}
		m.dropConn(cs, imap.ErrClosed)
	}
	for target, waiters := range m.trustWaiters {
		for _, ch := range waiters {
			ch <- false
		}
		delete(m.trustWaiters, target)
	}
	if m.cancelRun != nil {
		m.cancelRun()
	}

	m.draining.Store(true)
	m.flusher.Stop()
	if err := m.cache.Close(); err != nil {
		m.log.Warn("closing cache", zap.Error(err))
	}
}

func (m *Model) logout(cs *connState) {
	if cs.conn == nil || cs.session.Machine.RequireCommand(imap.CommandLogout) != nil {
		return
	}
	if _, err := cs.conn.Send(imap.NewCommand(imap.CommandLogout)); err != nil {
		m.log.Debug("logout", zap.Uint("conn", cs.id), zap.Error(err))
		return
	}
	m.metrics.command(imap.CommandLogout)
	cs.session.Machine.TransitionIfAllowed(imap.ConnStateLogout)
}

func (m *Model) traceSink(conn uint, recs []trace.Record, skipped uint64) {
	if m.draining.Load() {
		m.obs.trace(conn, recs, skipped)
		return
	}
	m.postAsync(func() { m.obs.trace(conn, recs, skipped) })
}

func (m *Model) connIDs() []uint {
	ids := make([]uint, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// env is the view of the model the task factory gets.
type env struct{ m *Model }

func (e env) Policy() imap.NetworkPolicy { return e.m.Policy() }

func (e env) Authenticated(mailbox string) (uint, bool) {
	var first uint
	for _, id := range e.m.connIDs() {
		cs := e.m.conns[id]
		if cs.gone || cs.conn == nil || !cs.session.Machine.State().Usable() {
			continue
		}
		if mailbox != "" && cs.session.Selected == mailbox {
			return id, true
		}
		if first == 0 {
			first = id
		}
	}
	return first, first != 0
}

func (e env) Selected(conn uint) string {
	if cs, ok := e.m.conns[conn]; ok {
		return cs.session.Selected
	}
	return ""
}

func (m *Model) dialNetwork(ctx context.Context, id uint, notify func()) (Transport, error) {
	d := &transport.Dialer{
		Addr:      m.opts.Addr,
		Security:  m.opts.Security,
		Verify:    m.verifyPeer,
		NetDialer: m.opts.NetDialer,
		Timeout:   m.opts.DialTimeout,
	}
	conn, err := d.Dial(ctx, id,
		transport.WithLogger(m.log.With(zap.Uint("conn", id))),
		transport.WithTrace(m.traces),
		transport.WithNotify(notify),
	)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// countingConn counts commands as they are sent.
type countingConn struct {
	task.Conn
	metrics *Metrics
}

func (c countingConn) Send(cmd imap.Command) (imap.Tag, error) {
	tag, err := c.Conn.Send(cmd)
	if err == nil {
		c.metrics.command(cmd.Name)
	}
	return tag, err
}

func (m *Model) wake(cs *connState) {
	if cs.pending.CompareAndSwap(false, true) {
		m.postAsync(func() {
			cs.pending.Store(false)
			m.pump(cs)
		})
	}
}

func (m *Model) checkTimeouts() {
	d := m.opts.CommandTimeout
	now := m.now()
	var expired []task.ID
	for id, at := range m.lastSend {
		if now.Sub(at) >= d {
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	for _, id := range expired {
		delete(m.lastSend, id)
		t, ok := m.graph.Get(id)
		if !ok || t.State() != task.StateActive {
			continue
		}
		m.log.Warn("command timed out", zap.Uint64("task", uint64(id)), zap.Duration("after", d))
		_ = m.graph.Fail(id, fmt.Errorf("%w after %s", imap.ErrTimeout, d))
	}
}
