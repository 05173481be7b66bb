package run

import (
	"fmt"
	"sync"
	"time"

	"github.com/projectloom/loom/pkg/models"
)

// ErrIllegalTransition indicates an engine-state edge outside the
// allowed set was attempted.
type ErrIllegalTransition struct {
	From, To models.EngineState
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal engine state transition %s -> %s", e.From, e.To)
}

// Transition is one recorded engine-state change.
type Transition struct {
	From models.EngineState `json:"from"`
	To   models.EngineState `json:"to"`
	At   time.Time          `json:"at"`
}

// stateMachine tracks the run-level engine state and keeps a monotonic
// history for audit. Transitions only move forward along the allowed
// edges; EXECUTING alone may be re-entered, from its sub-states.
type stateMachine struct {
	mu      sync.RWMutex
	current models.EngineState
	history []Transition
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: models.StatePlanning}
}

// to advances the machine, rejecting illegal edges.
func (m *stateMachine) to(next models.EngineState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.current.CanTransition(next) {
		return &ErrIllegalTransition{From: m.current, To: next}
	}
	m.history = append(m.history, Transition{From: m.current, To: next, At: time.Now()})
	m.current = next
	return nil
}

// state returns the current engine state.
func (m *stateMachine) state() models.EngineState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// transitions returns a copy of the audit history.
func (m *stateMachine) transitions() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}
