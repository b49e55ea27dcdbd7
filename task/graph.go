package task

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// TransitionFunc observes every state change of a task. It runs
// synchronously inside the graph operation that caused it.
type TransitionFunc func(t *Task, from State)

// Graph is the arena holding every non-terminal task. Terminal tasks are
// released once their dependents have been notified.
type Graph struct {
	tasks  map[ID]*Task
	nextID ID
	log    *zap.Logger
	onTr   TransitionFunc
}

// NewGraph creates an empty graph.
func NewGraph(logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{tasks: make(map[ID]*Task), log: logger}
}

// OnTransition registers the transition observer.
func (g *Graph) OnTransition(fn TransitionFunc) { g.onTr = fn }

// Len returns the number of live tasks.
func (g *Graph) Len() int { return len(g.tasks) }

// Get returns a live task.
func (g *Graph) Get(id ID) (*Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Tasks returns every live task in registration order.
func (g *Graph) Tasks() []*Task {
	out := make([]*Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Add registers t with the given dependencies and moves it to Queued.
// Every dependency must be live; dependencies on released tasks are
// rejected because their outcome can no longer be observed.
func (g *Graph) Add(t *Task, deps ...ID) error {
	if t.state != StateCreated {
		return transitionError(t.id, t.state, StateQueued)
	}
	seen := make(map[ID]bool, len(deps))
	for _, d := range deps {
		if _, ok := g.tasks[d]; !ok {
			return fmt.Errorf("task: unknown dependency %d", d)
		}
		if seen[d] {
			return fmt.Errorf("task: duplicate dependency %d", d)
		}
		seen[d] = true
	}

	g.nextID++
	t.id = g.nextID
	g.tasks[t.id] = t
	for _, d := range deps {
		dep := g.tasks[d]
		dep.dependents = append(dep.dependents, t.id)
		t.deps = append(t.deps, d)
		t.pending++
	}
	g.set(t, StateQueued)
	return nil
}

// Ready returns the queued tasks whose dependencies all completed, in
// registration order.
func (g *Graph) Ready() []*Task {
	var out []*Task
	for _, t := range g.tasks {
		if t.Ready() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Activate moves a ready task to Active.
func (g *Graph) Activate(id ID) error {
	t, err := g.live(id)
	if err != nil {
		return err
	}
	if t.state != StateQueued {
		return transitionError(id, t.state, StateActive)
	}
	if t.pending > 0 {
		return fmt.Errorf("%w: task %d has %d unfinished dependencies", ErrInvalidTransition, id, t.pending)
	}
	g.set(t, StateActive)
	return nil
}

// Complete finishes an active task with the result of its kind. Dependents
// learn the task's transport if they have none yet.
func (g *Graph) Complete(id ID) error {
	t, err := g.live(id)
	if err != nil {
		return err
	}
	if !canTransition(t.state, StateCompleted) {
		return transitionError(id, t.state, StateCompleted)
	}
	t.result = t.kind.result()
	g.set(t, StateCompleted)

	for _, d := range t.dependents {
		dep, ok := g.tasks[d]
		if !ok {
			continue
		}
		dep.pending--
		if dep.conn == 0 {
			dep.conn = t.conn
		}
	}
	g.release(t)
	return nil
}

// Fail finishes an active task, or refuses a queued one, with reason and
// aborts every transitive dependent.
func (g *Graph) Fail(id ID, reason error) error {
	t, err := g.live(id)
	if err != nil {
		return err
	}
	if !canTransition(t.state, StateFailed) {
		return transitionError(id, t.state, StateFailed)
	}
	t.reason = reason
	t.die = true
	g.set(t, StateFailed)
	g.propagate(t)
	return nil
}

// Abort moves a non-terminal task to Aborted and aborts every transitive
// dependent.
func (g *Graph) Abort(id ID, reason error) error {
	t, err := g.live(id)
	if err != nil {
		return err
	}
	if !canTransition(t.state, StateAborted) {
		return transitionError(id, t.state, StateAborted)
	}
	g.abort(t, reason)
	g.propagate(t)
	return nil
}

// AbortWhere aborts every task matching pred together with its transitive
// dependents and returns the IDs of the matching tasks.
func (g *Graph) AbortWhere(pred func(*Task) bool, reason error) []ID {
	var matched []ID
	for _, t := range g.Tasks() {
		if pred(t) {
			matched = append(matched, t.id)
		}
	}
	for _, id := range matched {
		// An earlier sweep may already have released it as a dependent.
		if _, ok := g.tasks[id]; ok {
			_ = g.Abort(id, reason)
		}
	}
	return matched
}

func (g *Graph) abort(t *Task, reason error) {
	t.reason = reason
	t.die = true
	g.set(t, StateAborted)
	t.conn = 0
}

// propagate aborts the transitive dependents of a failed or aborted task in
// ID order, then releases every task it touched.
func (g *Graph) propagate(root *Task) {
	touched := []*Task{root}
	visited := map[ID]bool{root.id: true}

	hq := &idMinHeap{}
	for _, d := range root.dependents {
		heap.Push(hq, d)
	}
	for hq.Len() > 0 {
		id := heap.Pop(hq).(ID)
		if visited[id] {
			continue
		}
		visited[id] = true

		t, ok := g.tasks[id]
		if !ok || t.state.Terminal() {
			continue
		}
		g.abort(t, dependencyError(root, t))
		touched = append(touched, t)
		for _, d := range t.dependents {
			if !visited[d] {
				heap.Push(hq, d)
			}
		}
	}
	for _, t := range touched {
		g.release(t)
	}
}

// dependencyError keeps the root cause matchable with errors.Is.
func dependencyError(root, t *Task) error {
	if root.reason == nil {
		return fmt.Errorf("dependency %d %s", root.id, root.state)
	}
	var depErr *DependencyError
	if errors.As(root.reason, &depErr) {
		return root.reason
	}
	return &DependencyError{ID: root.id, Kind: root.kind.Name(), Err: root.reason}
}

// DependencyError is the abort reason of a task whose dependency did not
// complete.
type DependencyError struct {
	ID   ID
	Kind string
	Err  error
}

func (e *DependencyError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the dependency's own failure reason.
func (e *DependencyError) Unwrap() error { return e.Err }

func (g *Graph) release(t *Task) {
	delete(g.tasks, t.id)
	g.log.Debug("task released", zap.Uint64("task", uint64(t.id)), zap.Stringer("state", t.state))
}

func (g *Graph) set(t *Task, to State) {
	from := t.state
	t.state = to
	g.log.Debug("task transition",
		zap.Uint64("task", uint64(t.id)),
		zap.String("kind", t.kind.Name()),
		zap.Stringer("from", from),
		zap.Stringer("to", to))
	if g.onTr != nil {
		g.onTr(t, from)
	}
}

func (g *Graph) live(id ID) (*Task, error) {
	t, ok := g.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task: %d is not live", id)
	}
	return t, nil
}

type idMinHeap []ID

func (h idMinHeap) Len() int           { return len(h) }
func (h idMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idMinHeap) Push(x any)        { *h = append(*h, x.(ID)) }
func (h *idMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
