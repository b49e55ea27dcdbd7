// Package state tracks the lifecycle of one IMAP connection.
//
// The machine validates transitions and runs hooks around them; the model
// uses the after hooks to publish connection state changes.
package state

import (
	"fmt"
	"sync"

	imap "github.com/meszmate/imap-engine"
)

// TransitionHook is a function called during state transitions.
type TransitionHook func(from, to imap.ConnState) error

// Machine manages IMAP connection state transitions.
type Machine struct {
	mu          sync.RWMutex
	state       imap.ConnState
	transitions map[imap.ConnState][]imap.ConnState
	beforeHooks []TransitionHook
	afterHooks  []TransitionHook
}

// New creates a new state machine starting in the given state.
func New(initial imap.ConnState) *Machine {
	return &Machine{
		state:       initial,
		transitions: DefaultTransitions(),
	}
}

// State returns the current state.
func (m *Machine) State() imap.ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transition attempts to transition to the target state.
// Returns an error if the transition is not allowed or a before hook
// vetoes it. After hooks run outside the lock and cannot undo the change.
func (m *Machine) Transition(target imap.ConnState) error {
	m.mu.Lock()
	from := m.state
	if !m.canTransition(from, target) {
		m.mu.Unlock()
		return fmt.Errorf("imap: invalid state transition from %s to %s", from, target)
	}
	for _, hook := range m.beforeHooks {
		if err := hook(from, target); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("imap: before hook failed: %w", err)
		}
	}
	m.state = target
	after := append([]TransitionHook(nil), m.afterHooks...)
	m.mu.Unlock()

	for _, hook := range after {
		if err := hook(from, target); err != nil {
			return fmt.Errorf("imap: after hook failed: %w", err)
		}
	}
	return nil
}

// TransitionIfAllowed moves to target when the rules permit it and reports
// whether it did. Used on teardown paths where the current state is not
// known in advance.
func (m *Machine) TransitionIfAllowed(target imap.ConnState) bool {
	if !m.CanTransition(target) {
		return false
	}
	return m.Transition(target) == nil
}

// RequireState checks that the current state is one of the allowed states.
func (m *Machine) RequireState(allowed ...imap.ConnState) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range allowed {
		if m.state == s {
			return nil
		}
	}
	return fmt.Errorf("imap: command not allowed in %s state", m.state)
}

// RequireCommand checks that cmd may be sent in the current state.
func (m *Machine) RequireCommand(cmd string) error {
	if err := m.RequireState(CommandAllowedStates(cmd)...); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return nil
}

// OnBefore registers a hook that runs before each state transition.
func (m *Machine) OnBefore(hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeHooks = append(m.beforeHooks, hook)
}

// OnAfter registers a hook that runs after each state transition.
func (m *Machine) OnAfter(hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.afterHooks = append(m.afterHooks, hook)
}

// CanTransition returns whether a transition from the current state to target is allowed.
func (m *Machine) CanTransition(target imap.ConnState) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.canTransition(m.state, target)
}

func (m *Machine) canTransition(from, to imap.ConnState) bool {
	for _, s := range m.transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
