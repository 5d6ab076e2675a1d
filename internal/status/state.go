package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/duochat/internal/bus"
)

// State is the connection state of the broker session.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
	waiters []chan struct{}
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	var wake []chan struct{}
	if to == Connected {
		wake, m.waiters = m.waiters, nil
	}
	m.mu.Unlock()

	for _, ch := range wake {
		close(ch)
	}
	m.bus.Emit(bus.KindStatusChanged, StatusChange{From: from, To: to})
	return nil
}

// ConnectedCh returns a channel closed once the machine is (or becomes) Connected.
func (m *Machine) ConnectedCh() <-chan struct{} {
	ch := make(chan struct{})
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == Connected {
		close(ch)
		return ch
	}
	m.waiters = append(m.waiters, ch)
	return ch
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
