package rt

import (
	"fmt"
	"slices"
	"sync"

	"github.com/marreiros/chatsync/internal/bus"
)

// ConnectionState is the process-wide state of the real-time channel, owned
// by the receiver and observed by everything else through the bus.
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Connecting   ConnectionState = "connecting"
	Connected    ConnectionState = "connected"
)

// validTransitions defines allowed connection state transitions.
var validTransitions = map[ConnectionState][]ConnectionState{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Disconnected},
}

// StateChange is the payload for rt.state_changed events.
type StateChange struct {
	From ConnectionState
	To   ConnectionState
}

// Machine tracks and enforces real-time connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current ConnectionState
	bus     *bus.Bus
}

// NewMachine creates a state machine starting disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to ConnectionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Emit(bus.KindRTStateChanged, StateChange{From: from, To: to})
	}
	return nil
}
