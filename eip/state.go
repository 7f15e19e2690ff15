package eip

import (
	"sync"
	"sync/atomic"
)

// State is the lifecycle stage of a Session.
type State uint32

const (
	Disconnected State = iota
	Connecting
	Connected
	// Faulted means the transport failed while connected. The reconnect
	// policy moves a faulted session back to Connecting unless it is torn down.
	Faulted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Faulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// StateHandler observes state transitions. err carries the cause for
// transitions into Faulted or Disconnected, when there is one.
//
// Handlers run synchronously on the goroutine that caused the transition.
type StateHandler func(prev, next State, err error)

type stateMachine struct {
	mu       sync.Mutex
	state    atomic.Uint32
	handlers []StateHandler
}

func (m *stateMachine) get() State {
	return State(m.state.Load())
}

func (m *stateMachine) addHandler(h StateHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers[:len(m.handlers):len(m.handlers)], h)
}

// set moves to next unconditionally and notifies if the state changed.
func (m *stateMachine) set(next State, err error) {
	m.mu.Lock()
	prev := State(m.state.Swap(uint32(next)))
	handlers := m.handlers
	m.mu.Unlock()

	if prev != next {
		for _, h := range handlers {
			h(prev, next, err)
		}
	}
}

// transition moves from one state to another only if the current state is from.
func (m *stateMachine) transition(from, to State, err error) bool {
	m.mu.Lock()
	if !m.state.CompareAndSwap(uint32(from), uint32(to)) {
		m.mu.Unlock()
		return false
	}
	handlers := m.handlers
	m.mu.Unlock()

	for _, h := range handlers {
		h(from, to, err)
	}
	return true
}
