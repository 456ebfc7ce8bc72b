package redis

import (
	"sync"

	"github.com/joomcode/errorx"
)

// State is a named state of a StateMachine.
type State string

// Lifecycle states of a supervised connection.
const (
	StateInitial      State = "initial"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

// Transition is a permitted (From, To) edge.
type Transition struct {
	From, To State
}

// LifecycleTransitions is the exhaustive edge set of the connection
// lifecycle.
var LifecycleTransitions = []Transition{
	{StateInitial, StateConnecting},
	{StateConnecting, StateConnected},
	{StateConnecting, StateDisconnected},
	{StateConnected, StateDisconnected},
	{StateDisconnected, StateConnecting},
	{StateDisconnected, StateFailed},
	{StateFailed, StateConnecting},
}

// StateMachine holds a current state and a declarative set of permitted
// transitions. Each successful Update emits an event named after the new
// state, with the previous state as the argument, on the machine's bus.
type StateMachine struct {
	mu      sync.Mutex
	current State
	edges   map[Transition]struct{}
	bus     *Bus
}

// NewStateMachine builds a machine in the initial state. Duplicate edges
// are a programmer error and are rejected.
func NewStateMachine(initial State, transitions []Transition) (*StateMachine, error) {
	m := &StateMachine{
		current: initial,
		edges:   make(map[Transition]struct{}, len(transitions)),
		bus:     NewBus(),
	}
	for _, t := range transitions {
		if _, dup := m.edges[t]; dup {
			return nil, errorx.IllegalArgument.New("duplicate transition %s -> %s", t.From, t.To)
		}
		m.edges[t] = struct{}{}
	}
	return m, nil
}

// Events is the bus transition events are emitted on.
func (m *StateMachine) Events() *Bus {
	return m.bus
}

// Current returns the current state.
func (m *StateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Update moves the machine to state to. Moving along a non-declared edge
// is a programmer error and fails without changing the state.
func (m *StateMachine) Update(to State) error {
	m.mu.Lock()
	from := m.current
	if _, ok := m.edges[Transition{from, to}]; !ok {
		m.mu.Unlock()
		return errorx.IllegalState.New("transition %s -> %s is not permitted", from, to)
	}
	m.current = to
	m.mu.Unlock()

	m.bus.Emit(string(to), from)
	return nil
}
