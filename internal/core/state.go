package core

import (
	"fmt"
	"sync"
)

// State is the orchestrator lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateResolving State = "resolving"
	StateRunning   State = "running"
	StateWatching  State = "watching"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

var transitions = map[State][]State{
	StateIdle:      {StateResolving},
	StateResolving: {StateRunning, StateFailed},
	StateRunning:   {StateCompleted, StateFailed, StateWatching},
	StateWatching:  {StateRunning, StateFailed, StateCompleted},
	StateCompleted: {StateResolving},
	StateFailed:    {StateResolving},
}

// stateMachine guards State changes.
type stateMachine struct {
	mu      sync.Mutex
	current State
	onMove  func(from, to State)
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: StateIdle}
}

func (m *stateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// to moves to next, failing for transitions the lifecycle does not allow.
func (m *stateMachine) to(next State) error {
	m.mu.Lock()
	from := m.current
	allowed := false
	for _, s := range transitions[from] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		m.mu.Unlock()
		return fmt.Errorf("invalid state transition %s -> %s", from, next)
	}
	m.current = next
	cb := m.onMove
	m.mu.Unlock()
	if cb != nil {
		cb(from, next)
	}
	return nil
}
