package task

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	imap "github.com/meszmate/imap-engine"
)

// stubKind completes on any successful completion.
type stubKind struct{ name string }

func (k *stubKind) Name() string                                 { return "stub" }
func (k *stubKind) String() string                               { return k.name }
func (k *stubKind) perform(*Context) (bool, error)               { return false, nil }
func (k *stubKind) handleUntagged(*Context, imap.Response) error { return nil }
func (k *stubKind) handleCompletion(_ *Context, c *imap.Completion) (bool, error) {
	return c.OK(), c.Err()
}
func (k *stubKind) result() any { return k.name }

func stub(name string) *Task { return newTask(&stubKind{name: name}) }

func mustAdd(t *testing.T, g *Graph, tk *Task, deps ...ID) *Task {
	t.Helper()
	require.NoError(t, g.Add(tk, deps...))
	return tk
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "queued", StateQueued.String())
	assert.Equal(t, "aborted", StateAborted.String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateActive.Terminal())
}

func TestGraph_Lifecycle(t *testing.T) {
	g := NewGraph(nil)
	var seen []string
	g.OnTransition(func(tk *Task, from State) {
		seen = append(seen, fmt.Sprintf("%d:%s->%s", tk.ID(), from, tk.State()))
	})

	a := mustAdd(t, g, stub("a"))
	a.Bind(3)
	b := mustAdd(t, g, stub("b"), a.ID())

	assert.Equal(t, []*Task{a}, g.Ready())
	assert.ErrorIs(t, g.Activate(b.ID()), ErrInvalidTransition)

	require.NoError(t, g.Activate(a.ID()))
	require.NoError(t, g.Complete(a.ID()))
	assert.Equal(t, "a", a.Result())
	_, live := g.Get(a.ID())
	assert.False(t, live, "terminal tasks are released")

	assert.Equal(t, uint(3), b.Conn(), "dependents inherit the transport")
	assert.Equal(t, []*Task{b}, g.Ready())
	require.NoError(t, g.Activate(b.ID()))
	require.NoError(t, g.Complete(b.ID()))
	assert.Zero(t, g.Len())

	assert.Equal(t, []string{
		"1:created->queued",
		"2:created->queued",
		"1:queued->active",
		"1:active->completed",
		"2:queued->active",
		"2:active->completed",
	}, seen)
}

func TestGraph_InvalidTransitions(t *testing.T) {
	g := NewGraph(nil)
	a := mustAdd(t, g, stub("a"))

	assert.ErrorIs(t, g.Complete(a.ID()), ErrInvalidTransition)
	assert.ErrorIs(t, g.Add(a), ErrInvalidTransition)
	assert.Error(t, g.Add(stub("x"), 99))

	b := stub("b")
	assert.Error(t, g.Add(b, a.ID(), a.ID()), "duplicate dependency")

	require.NoError(t, g.Activate(a.ID()))
	assert.ErrorIs(t, g.Activate(a.ID()), ErrInvalidTransition)
	require.NoError(t, g.Fail(a.ID(), errors.New("boom")))
	assert.Error(t, g.Abort(a.ID(), errors.New("late")), "released tasks cannot move")
}

func TestGraph_ReadyInRegistrationOrder(t *testing.T) {
	g := NewGraph(nil)
	root := mustAdd(t, g, stub("root"))
	var want []*Task
	for i := 0; i < 5; i++ {
		want = append(want, mustAdd(t, g, stub(fmt.Sprint(i)), root.ID()))
	}
	require.NoError(t, g.Activate(root.ID()))
	require.NoError(t, g.Complete(root.ID()))
	assert.Equal(t, want, g.Ready())
}

func TestGraph_FailureAbortsDependents(t *testing.T) {
	g := NewGraph(nil)
	a := mustAdd(t, g, stub("a"))
	b := mustAdd(t, g, stub("b"), a.ID())
	c := mustAdd(t, g, stub("c"), b.ID())
	other := mustAdd(t, g, stub("other"))
	b.Bind(7)

	require.NoError(t, g.Activate(a.ID()))
	require.NoError(t, g.Fail(a.ID(), imap.ErrNo("mailbox does not exist")))

	assert.Equal(t, StateFailed, a.State())
	for _, tk := range []*Task{b, c} {
		assert.Equal(t, StateAborted, tk.State())
		assert.True(t, tk.Dying())
		assert.Zero(t, tk.Conn(), "aborted tasks drop their transport")
		var imapErr *imap.IMAPError
		assert.ErrorAs(t, tk.Err(), &imapErr)
		var depErr *DependencyError
		require.ErrorAs(t, tk.Err(), &depErr)
		assert.Equal(t, a.ID(), depErr.ID)
	}
	assert.Equal(t, 1, g.Len())
	_, ok := g.Get(other.ID())
	assert.True(t, ok)
}

func TestGraph_AbortWhereSweepsDependents(t *testing.T) {
	g := NewGraph(nil)
	bound := mustAdd(t, g, stub("bound"))
	bound.Bind(1)
	queued := mustAdd(t, g, stub("queued"))
	queued.Bind(1)
	child := mustAdd(t, g, stub("child"), bound.ID())
	elsewhere := mustAdd(t, g, stub("elsewhere"))
	elsewhere.Bind(2)
	require.NoError(t, g.Activate(bound.ID()))

	lost := fmt.Errorf("%w: EOF", imap.ErrConnectionLost)
	matched := g.AbortWhere(func(tk *Task) bool { return tk.Conn() == 1 }, lost)

	assert.Equal(t, []ID{bound.ID(), queued.ID()}, matched)
	for _, tk := range []*Task{bound, queued, child} {
		assert.Equal(t, StateAborted, tk.State())
		assert.ErrorIs(t, tk.Err(), imap.ErrConnectionLost)
	}
	assert.Equal(t, StateQueued, elsewhere.State())
	assert.Equal(t, 1, g.Len())
}

func TestGraph_PolicyRefusal(t *testing.T) {
	g := NewGraph(nil)
	a := mustAdd(t, g, stub("a"))
	require.NoError(t, g.Fail(a.ID(), imap.ErrNetworkOffline))
	assert.Equal(t, StateFailed, a.State())
	assert.EqualError(t, a.Err(), "network offline")
}

// TestGraph_RandomDAG drives random graphs to completion with random
// outcomes and checks that no task ever activates before all of its
// dependencies completed, and that every task ends terminal exactly once.
func TestGraph_RandomDAG(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for round := 0; round < 200; round++ {
		g := NewGraph(nil)
		n := 2 + rng.Intn(25)
		tasks := make([]*Task, 0, n)
		depsOf := make(map[ID][]ID)
		terminal := make(map[ID]int)

		g.OnTransition(func(tk *Task, from State) {
			if tk.State() == StateActive {
				for _, d := range depsOf[tk.ID()] {
					require.Contains(t, terminal, d)
					dep := tasks[d-1]
					require.Equal(t, StateCompleted, dep.State(),
						"round %d: task %d activated while dependency %d is %s", round, tk.ID(), d, dep.State())
				}
			}
			if tk.State().Terminal() {
				terminal[tk.ID()]++
			}
		})

		for i := 0; i < n; i++ {
			var deps []ID
			for j := range tasks {
				if rng.Intn(4) == 0 {
					deps = append(deps, tasks[j].ID())
				}
			}
			// Only live tasks can be depended on.
			live := deps[:0]
			for _, d := range deps {
				if _, ok := g.Get(d); ok {
					live = append(live, d)
				}
			}
			tk := stub(fmt.Sprint(i))
			require.NoError(t, g.Add(tk, live...))
			depsOf[tk.ID()] = append([]ID(nil), live...)
			tasks = append(tasks, tk)
		}

		for g.Len() > 0 {
			ready := g.Ready()
			if len(ready) == 0 {
				// Everything left waits on something; abort the oldest.
				left := g.Tasks()
				require.NoError(t, g.Abort(left[0].ID(), errors.New("stuck")))
				continue
			}
			tk := ready[rng.Intn(len(ready))]
			require.NoError(t, g.Activate(tk.ID()))
			switch rng.Intn(5) {
			case 0:
				require.NoError(t, g.Fail(tk.ID(), errors.New("rejected")))
			case 1:
				require.NoError(t, g.Abort(tk.ID(), errors.New("lost")))
			default:
				require.NoError(t, g.Complete(tk.ID()))
			}
		}

		for _, tk := range tasks {
			assert.True(t, tk.State().Terminal())
			assert.Equal(t, 1, terminal[tk.ID()], "task %d resolved more than once", tk.ID())
			if tk.State() == StateAborted {
				assert.Error(t, tk.Err())
			}
		}
	}
}
