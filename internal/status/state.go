package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jorgeolive/peregrinapp-mobile-sub000/internal/bus"
)

// State represents a connection lifecycle state.
type State string

const (
	Idle          State = "IDLE"
	Connecting    State = "CONNECTING"
	Connected     State = "CONNECTED"
	Authenticated State = "AUTHENTICATED"
)

// validTransitions defines allowed state transitions. Every failure path
// collapses back to Idle; there is no distinct error state.
var validTransitions = map[State][]State{
	Idle:          {Connecting},
	Connecting:    {Connected, Idle},
	Connected:     {Authenticated, Idle},
	Authenticated: {Idle},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// IsConnected reports whether the transport is up (Connected or Authenticated).
func (m *Machine) IsConnected() bool {
	s := m.Current()
	return s == Connected || s == Authenticated
}

// IsAuthenticated reports whether the server has acknowledged the credential.
func (m *Machine) IsAuthenticated() bool {
	return m.Current() == Authenticated
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "session.state_changed",
			Timestamp: time.Now(),
			Payload: StateChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StateChange is the payload for state change events.
type StateChange struct {
	From State
	To   State
}
