package task

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a Task.
type State int

const (
	// StateCreated is the state of a task the factory built but did not register.
	StateCreated State = iota
	// StateQueued is the state of a registered task waiting for its
	// dependencies or for its transport to become idle.
	StateQueued
	// StateActive is the state of a task bound to a transport that has
	// started sending commands.
	StateActive
	// StateCompleted is the terminal state of a successful task.
	StateCompleted
	// StateFailed is the terminal state of a task the server rejected or
	// the engine refused to run.
	StateFailed
	// StateAborted is the terminal state of a task that lost a dependency
	// or its transport.
	StateAborted
)

// ErrInvalidTransition is returned for a transition the lifecycle forbids.
var ErrInvalidTransition = errors.New("task: invalid state transition")

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateQueued:
		return "queued"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

// allowedTransitions lists the legal successors of each state.
//
// Queued -> Failed covers work refused by policy before it was attempted.
var allowedTransitions = map[State][]State{
	StateCreated: {StateQueued, StateAborted},
	StateQueued:  {StateActive, StateFailed, StateAborted},
	StateActive:  {StateCompleted, StateFailed, StateAborted},
}

func canTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transitionError(id ID, from, to State) error {
	return fmt.Errorf("%w: task %d from %s to %s", ErrInvalidTransition, id, from, to)
}
