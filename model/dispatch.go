package model

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	imap "github.com/meszmate/imap-engine"
	"github.com/meszmate/imap-engine/task"
	"github.com/meszmate/imap-engine/trace"
)

// onTransition runs inside graph mutations. It only records and notifies;
// activation waits for schedule so the graph is consistent again.
func (m *Model) onTransition(t *task.Task, from task.State) {
	m.metrics.transition(t, m.now())
	m.obs.taskChanged(t.Info())
	if !t.State().Terminal() {
		return
	}

	id := t.ID()
	if conn := t.Conn(); conn != 0 && m.active[conn] == id {
		delete(m.active, conn)
	}
	delete(m.lastSend, id)
	if cancel, ok := m.dialing[id]; ok {
		cancel()
		delete(m.dialing, id)
	}
	// A transport whose login did not complete is of no use.
	if _, ok := t.Kind().(*task.OpenConnection); ok && t.State() != task.StateCompleted && t.Conn() != 0 {
		m.doomed = append(m.doomed, doomedConn{conn: t.Conn(), cause: t.Err()})
	}

	if t.Requested() {
		m.obs.finished(Result{Task: t.Info(), Value: t.Result(), Err: t.Err()})
	}
	if op, ok := m.ops[id]; ok {
		delete(m.ops, id)
		op.finish(t.Result(), t.Err())
	}
}

// schedule activates every eligible task, in registration order, until
// nothing more can start.
func (m *Model) schedule() {
	for {
		m.reap()
		progressed := false
		for _, t := range m.graph.Ready() {
			if !t.Ready() {
				continue
			}
			if m.start(t) {
				progressed = true
			}
		}
		if !progressed && len(m.doomed) == 0 {
			return
		}
	}
}

type doomedConn struct {
	conn  uint
	cause error
}

func (m *Model) reap() {
	for len(m.doomed) > 0 {
		d := m.doomed[0]
		m.doomed = m.doomed[1:]
		if cs, ok := m.conns[d.conn]; ok {
			m.dropConn(cs, d.cause)
		}
	}
}

// start activates t if its transport is free. It reports whether t left
// the Queued state.
func (m *Model) start(t *task.Task) bool {
	id := t.ID()
	if _, ok := t.Kind().(*task.OpenConnection); ok {
		if err := m.graph.Activate(id); err != nil {
			m.log.Error("activate", zap.Uint64("task", uint64(id)), zap.Error(err))
			return false
		}
		done, err := t.Perform(m.contextFor(t, nil))
		m.settle(t, done, err)
		return true
	}

	conn := t.Conn()
	if conn == 0 {
		c, ok := env{m}.Authenticated("")
		if !ok {
			_ = m.graph.Abort(id, fmt.Errorf("%w: no transport available", imap.ErrConnectionLost))
			return true
		}
		t.Bind(c)
		conn = c
	}
	cs, ok := m.conns[conn]
	if !ok || cs.gone || cs.conn == nil {
		_ = m.graph.Abort(id, fmt.Errorf("%w: transport %d is gone", imap.ErrConnectionLost, conn))
		return true
	}
	if _, busy := m.active[conn]; busy {
		return false
	}
	if err := m.graph.Activate(id); err != nil {
		m.log.Error("activate", zap.Uint64("task", uint64(id)), zap.Error(err))
		return false
	}
	m.active[conn] = id
	done, err := t.Perform(m.contextFor(t, cs))
	m.settle(t, done, err)
	return true
}

func (m *Model) settle(t *task.Task, done bool, err error) {
	if t.State() != task.StateActive {
		return
	}
	switch {
	case err != nil:
		_ = m.graph.Fail(t.ID(), err)
	case done:
		_ = m.graph.Complete(t.ID())
	}
}

func (m *Model) contextFor(t *task.Task, cs *connState) *task.Context {
	ctx := &task.Context{
		Cache:  m.cache,
		Logger: m.log.With(zap.Uint64("task", uint64(t.ID())), zap.String("kind", t.Kind().Name())),
		Policy: m.Policy(),
	}
	if cs != nil && cs.conn != nil {
		ctx.Conn = countingConn{Conn: cs.conn, metrics: m.metrics}
		ctx.Session = cs.session
		ctx.Sent = func(tag imap.Tag) {
			m.tags[tagKey{conn: cs.id, tag: tag}] = t.ID()
			m.lastSend[t.ID()] = m.now()
		}
	}
	if _, ok := t.Kind().(*task.OpenConnection); ok && cs == nil {
		ctx.Dial = func() error { return m.dial(t) }
	}
	return ctx
}

// dial registers a new transport for the OpenConnection task t and opens
// it on another goroutine. The result comes back through connected.
func (m *Model) dial(t *task.Task) error {
	m.nextConn++
	cs := &connState{id: m.nextConn, session: task.NewSession(), opener: t.ID()}
	cs.session.Machine.OnAfter(func(from, to imap.ConnState) error {
		if to.Usable() {
			cs.usable = true
		}
		m.obs.connectionState(cs.id, from, to)
		return nil
	})
	m.conns[cs.id] = cs
	m.metrics.transports.Set(float64(len(m.conns)))
	t.Bind(cs.id)
	m.active[cs.id] = t.ID()
	m.obs.connectionState(cs.id, imap.ConnStateDisconnected, imap.ConnStateConnecting)
	m.log.Debug("dialing", zap.Uint("conn", cs.id), zap.String("addr", m.opts.Addr))

	ctx, cancel := context.WithCancel(m.runContext())
	m.dialing[t.ID()] = cancel
	go func() {
		conn, err := m.opts.Dial(ctx, cs.id, func() { m.wake(cs) })
		if !m.post(func() { m.connected(cs, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
	return nil
}

func (m *Model) connected(cs *connState, conn Transport, err error) {
	if cancel, ok := m.dialing[cs.opener]; ok {
		cancel()
		delete(m.dialing, cs.opener)
	}
	t, live := m.graph.Get(cs.opener)
	if err != nil {
		m.log.Warn("dial failed", zap.Uint("conn", cs.id), zap.Error(err))
		m.traces.Append(cs.id, trace.Info, "connection failed: "+err.Error(), false)
		if live && t.State() == task.StateActive {
			_ = m.graph.Fail(t.ID(), err)
		}
		if cs.gone {
			m.forgetTrace(cs.id)
			return
		}
		m.dropConn(cs, err)
		return
	}
	if cs.gone {
		_ = conn.Close()
		m.retireTrace(cs.id, conn.Done())
		return
	}
	if !live || t.State() != task.StateActive {
		cs.conn = conn
		m.dropConn(cs, imap.ErrClosed)
		return
	}

	cs.conn = conn
	m.greet(cs, conn.Greeting())
	done, err := t.Connected(m.contextFor(t, cs))
	m.settle(t, done, err)
	m.pump(cs)
}

// greet applies the server greeting to the new session.
func (m *Model) greet(cs *connState, g *imap.Untagged) {
	if g == nil {
		g = &imap.Untagged{Status: imap.StatusResponseTypeOK}
	}
	m.observeCode(cs, g.Code, g.CodeArg, g.Text)
	m.learnCaps(cs, g.Status, g.Code, g.CodeArg)
	next := imap.ConnStateNotAuthenticated
	if g.Status == imap.StatusResponseTypePREAUTH {
		next = imap.ConnStateAuthenticated
	}
	if err := cs.session.Machine.Transition(next); err != nil {
		m.log.Error("greeting", zap.Uint("conn", cs.id), zap.Error(err))
	}
}

// pump routes everything cs queued, then tears it down if its reader
// stopped.
func (m *Model) pump(cs *connState) {
	if cs.gone || cs.conn == nil {
		return
	}
	m.drain(cs)
	if cs.gone {
		return
	}
	select {
	case <-cs.conn.Done():
		m.drain(cs)
		if !cs.gone {
			m.dropConn(cs, cs.conn.Err())
		}
	default:
	}
}

func (m *Model) drain(cs *connState) {
	for !cs.gone {
		resps := cs.conn.PollResponses()
		if len(resps) == 0 {
			return
		}
		for _, r := range resps {
			if cs.gone {
				return
			}
			m.route(cs, r)
			m.schedule()
		}
	}
}

// route delivers one response. Completions go strictly by tag; everything
// else goes to the task active on the transport.
func (m *Model) route(cs *connState, r imap.Response) {
	m.metrics.response(r)
	switch r := r.(type) {
	case *imap.Completion:
		m.observeCode(cs, r.Code, r.CodeArg, r.Text)
		key := tagKey{conn: cs.id, tag: r.Tag}
		id, ok := m.tags[key]
		delete(m.tags, key)
		var t *task.Task
		if ok {
			t, ok = m.graph.Get(id)
		}
		if !ok || t.State() != task.StateActive {
			m.metrics.unresolved.Inc()
			m.log.Warn("dropping unresolved completion",
				zap.Uint("conn", cs.id), zap.String("tag", string(r.Tag)), zap.Stringer("response", r))
			return
		}
		done, err := t.HandleCompletion(m.contextFor(t, cs), r)
		m.settle(t, done, err)

	case *imap.Untagged:
		m.bookkeep(cs, r)
		m.deliver(cs, r)

	case *imap.Continuation, *imap.Extension:
		m.deliver(cs, r)

	case *imap.ParseError:
		m.log.Warn("unparsable response", zap.Uint("conn", cs.id), zap.Error(r))
		if t := m.activeTask(cs); t != nil {
			_ = m.graph.Fail(t.ID(), r)
		}
	}
}

func (m *Model) deliver(cs *connState, r imap.Response) {
	t := m.activeTask(cs)
	if t == nil {
		m.unsolicited(cs, r)
		return
	}
	if err := t.HandleUntagged(m.contextFor(t, cs), r); err != nil {
		_ = m.graph.Fail(t.ID(), err)
	}
}

func (m *Model) activeTask(cs *connState) *task.Task {
	id, ok := m.active[cs.id]
	if !ok {
		return nil
	}
	t, ok := m.graph.Get(id)
	if !ok || t.State() != task.StateActive {
		return nil
	}
	return t
}

func (m *Model) unsolicited(cs *connState, r imap.Response) {
	if _, ok := r.(*imap.Continuation); ok {
		m.log.Warn("continuation request with no command waiting", zap.Uint("conn", cs.id))
		return
	}
	m.log.Debug("unsolicited response", zap.Uint("conn", cs.id), zap.Stringer("response", r))
}

// bookkeep keeps the session in step with untagged data every task may
// see, whoever it is addressed to.
func (m *Model) bookkeep(cs *connState, u *imap.Untagged) {
	s := cs.session
	switch {
	case u.Status == imap.StatusResponseTypeBYE:
		m.log.Info("server said goodbye", zap.Uint("conn", cs.id), zap.String("text", u.Text))
		s.Machine.TransitionIfAllowed(imap.ConnStateLogout)
	case u.Name == "CAPABILITY" && !u.HasNum:
		s.Caps.Replace(imap.ParseCaps(u.Text))
	case u.HasNum && u.Name == "EXISTS" && s.Selected != "":
		s.Exists = u.Num
	}
	m.learnCaps(cs, u.Status, u.Code, u.CodeArg)
	m.observeCode(cs, u.Code, u.CodeArg, u.Text)
}

// learnCaps applies a [CAPABILITY ...] response code carried by an OK or
// PREAUTH status.
func (m *Model) learnCaps(cs *connState, status imap.StatusResponseType, code imap.ResponseCode, arg string) {
	if code != imap.ResponseCodeCapability {
		return
	}
	if status == imap.StatusResponseTypeOK || status == imap.StatusResponseTypePREAUTH {
		cs.session.Caps.Replace(imap.ParseCaps(arg))
	}
}

func (m *Model) observeCode(cs *connState, code imap.ResponseCode, arg, text string) {
	if code == imap.ResponseCodeAlert {
		m.log.Info("server alert", zap.Uint("conn", cs.id), zap.String("text", text))
		m.obs.alert(cs.id, text)
	}
}

// dropConn closes cs and aborts every task bound to it with the reason
// "connection lost: <cause>".
func (m *Model) dropConn(cs *connState, cause error) {
	if cs.gone {
		return
	}
	cs.gone = true
	if cause == nil {
		cause = imap.ErrClosed
	}
	delete(m.conns, cs.id)
	delete(m.active, cs.id)
	for k := range m.tags {
		if k.conn == cs.id {
			delete(m.tags, k)
		}
	}
	var stopped <-chan struct{}
	if cs.conn != nil {
		_ = cs.conn.Close()
		stopped = cs.conn.Done()
	}
	cs.session.Machine.TransitionIfAllowed(imap.ConnStateDisconnected)
	m.metrics.transports.Set(float64(len(m.conns)))
	m.retireTrace(cs.id, stopped)

	reason := fmt.Errorf("%w: %v", imap.ErrConnectionLost, cause)
	aborted := m.graph.AbortWhere(func(t *task.Task) bool { return t.Conn() == cs.id }, reason)
	m.log.Info("transport closed",
		zap.Uint("conn", cs.id), zap.NamedError("cause", cause), zap.Int("aborted", len(aborted)))
	m.lost(cs, cause)
}

// retireTrace hands the last records of conn to the observer and drops its
// buffer once stopped is closed. A nil stopped means nothing traces for conn
// any more.
func (m *Model) retireTrace(conn uint, stopped <-chan struct{}) {
	if stopped == nil {
		m.forgetTrace(conn)
		return
	}
	go func() {
		<-stopped
		m.post(func() { m.forgetTrace(conn) })
	}()
}

func (m *Model) forgetTrace(conn uint) {
	if recs, skipped := m.traces.Drain(conn); len(recs) > 0 || skipped > 0 {
		m.traceSink(conn, recs, skipped)
	}
	m.traces.Forget(conn)
}

// lost applies the reconnect policy after an unexpected disconnect.
func (m *Model) lost(cs *connState, cause error) {
	if m.closing || m.Policy() == imap.NetworkOffline ||
		errors.Is(cause, imap.ErrClosed) || errors.Is(cause, imap.ErrNetworkOffline) {
		return
	}
	m.obs.connectionError(cs.id, cause.Error())
	if !m.limiter.allow(m.now()) {
		m.metrics.reconnects.WithLabelValues("exhausted").Inc()
		m.log.Warn("giving up on the server, going offline", zap.Error(cause))
		m.setPolicy(imap.NetworkOffline)
		return
	}
	if !cs.usable {
		return
	}
	if _, err := m.factory.Reconnect(); err != nil {
		m.log.Error("scheduling reconnect", zap.Error(err))
		return
	}
	m.metrics.reconnects.WithLabelValues("scheduled").Inc()
	m.log.Info("reconnecting", zap.Uint("lost", cs.id))
}
