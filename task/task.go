// Package task implements units of IMAP protocol work and the dependency
// graph that orders them.
//
// A Task wraps one Kind, the closed set of operations the engine knows how
// to perform. Tasks live in a Graph arena addressed by ID. A task becomes
// eligible to run once every dependency completed; failures and aborts
// propagate to all transitive dependents. The Graph is not safe for
// concurrent use: the model owns it and mutates it from its dispatch loop.
package task

import (
	"fmt"
	"time"

	imap "github.com/meszmate/imap-engine"
)

// ID is the arena handle of a task. IDs increase in registration order.
type ID uint64

// Task is one unit of protocol work.
type Task struct {
	id         ID
	kind       Kind
	state      State
	deps       []ID
	dependents []ID
	pending    int
	conn       uint
	background bool
	requested  bool
	die        bool
	reason     error
	result     any
	created    time.Time
}

func newTask(kind Kind) *Task {
	return &Task{kind: kind, state: StateCreated, created: time.Now()}
}

// ID returns the arena handle, 0 until the task is registered.
func (t *Task) ID() ID { return t.id }

// Kind returns the operation this task performs.
func (t *Task) Kind() Kind { return t.kind }

// State returns the lifecycle state.
func (t *Task) State() State { return t.state }

// Conn returns the bound transport, 0 when unbound.
func (t *Task) Conn() uint { return t.conn }

// Bind pre-binds the task to a transport.
func (t *Task) Bind(conn uint) { t.conn = conn }

// Deps returns the IDs this task waits for.
func (t *Task) Deps() []ID { return append([]ID(nil), t.deps...) }

// Dependents returns the IDs waiting for this task.
func (t *Task) Dependents() []ID { return append([]ID(nil), t.dependents...) }

// Ready reports whether every dependency completed.
func (t *Task) Ready() bool { return t.state == StateQueued && t.pending == 0 }

// Background reports whether the task is prefetching work nobody waits for.
func (t *Task) Background() bool { return t.background }

// Requested reports whether a caller asked for this task directly, as
// opposed to a dependency the factory added.
func (t *Task) Requested() bool { return t.requested }

// Created returns when the task was built.
func (t *Task) Created() time.Time { return t.created }

// Dying reports whether the task was marked for abort.
func (t *Task) Dying() bool { return t.die }

// Err returns the failure or abort reason of a terminal task.
func (t *Task) Err() error { return t.reason }

// Result returns the value produced by a completed task.
func (t *Task) Result() any { return t.result }

// Perform runs the first step of the task. done reports that the task
// finished without needing a server round trip.
func (t *Task) Perform(ctx *Context) (done bool, err error) {
	if t.die {
		return false, nil
	}
	return t.kind.perform(ctx)
}

// HandleCompletion delivers the completion of one of the task's tags.
func (t *Task) HandleCompletion(ctx *Context, c *imap.Completion) (done bool, err error) {
	if t.die {
		return false, nil
	}
	return t.kind.handleCompletion(ctx, c)
}

// HandleUntagged delivers untagged data, extension responses and
// continuation requests that arrived while the task was active.
func (t *Task) HandleUntagged(ctx *Context, r imap.Response) error {
	if t.die {
		return nil
	}
	return t.kind.handleUntagged(ctx, r)
}

// Connected resumes an OpenConnection task once its transport is up.
func (t *Task) Connected(ctx *Context) (done bool, err error) {
	oc, ok := t.kind.(*OpenConnection)
	if !ok {
		return false, fmt.Errorf("task %d: %s does not open connections", t.id, t.kind.Name())
	}
	if t.die {
		return false, nil
	}
	return oc.connected(ctx)
}

// Info is a read-only snapshot of a task for observers.
type Info struct {
	ID         ID
	Kind       string
	Detail     string
	State      State
	Conn       uint
	Deps       []ID
	Background bool
	Reason     string
}

// Info returns a snapshot of the task.
func (t *Task) Info() Info {
	info := Info{
		ID:         t.id,
		Kind:       t.kind.Name(),
		Detail:     t.kind.String(),
		State:      t.state,
		Conn:       t.conn,
		Deps:       t.Deps(),
		Background: t.background,
	}
	if t.reason != nil {
		info.Reason = t.reason.Error()
	}
	return info
}

func (t *Task) String() string {
	return fmt.Sprintf("task %d (%s) %s", t.id, t.kind, t.state)
}
