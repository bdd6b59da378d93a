package network

import (
	"sync"
)

// State is the connection state of a Client
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// transitions lists every allowed edge of the state graph
var transitions = map[State][]State{
	StateDisconnected:   {StateConnecting},
	StateConnecting:     {StateAuthenticating, StateFailed},
	StateAuthenticating: {StateAuthenticated, StateFailed},
	StateAuthenticated:  {StateDisconnected},
	StateFailed:         {StateConnecting},
}

// CanTransition reports whether from -> to is an allowed edge
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateMachine guards the connection state. notify runs under the lock so
// observers see transitions in the order they happened; it must not block.
type StateMachine struct {
	mu     sync.Mutex
	state  State
	reason string
	notify func(ConnectionStateChanged)
}

// NewStateMachine starts in Disconnected
func NewStateMachine(notify func(ConnectionStateChanged)) *StateMachine {
	return &StateMachine{state: StateDisconnected, notify: notify}
}

// State returns the current state and the reason recorded with it
func (m *StateMachine) State() (State, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.reason
}

// Current returns the current state
func (m *StateMachine) Current() State {
	s, _ := m.State()
	return s
}

// Transition moves to the target state or returns a *StateError
func (m *StateMachine) Transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !CanTransition(m.state, to) {
		return &StateError{From: m.state, To: to}
	}
	from := m.state
	m.state = to
	m.reason = reason
	if m.notify != nil {
		m.notify(ConnectionStateChanged{From: from, To: to, Reason: reason})
	}
	return nil
}

// TransitionFrom moves to the target only when the machine is currently in
// from. It reports whether the transition happened.
func (m *StateMachine) TransitionFrom(from, to State, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != from || !CanTransition(from, to) {
		return false
	}
	m.state = to
	m.reason = reason
	if m.notify != nil {
		m.notify(ConnectionStateChanged{From: from, To: to, Reason: reason})
	}
	return true
}
