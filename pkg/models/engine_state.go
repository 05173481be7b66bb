package models

// EngineState represents the run-level state of a pipeline execution.
type EngineState string

const (
	// StatePlanning indicates the execution plan is being prepared.
	StatePlanning EngineState = "planning"
	// StateWaitingForApproval indicates the plan awaits caller approval.
	StateWaitingForApproval EngineState = "waiting_for_approval"
	// StateExecuting indicates agents are being executed in order.
	StateExecuting EngineState = "executing"
	// StateReviewing indicates a code-review agent is running.
	StateReviewing EngineState = "reviewing"
	// StateQA indicates a test-generation agent is running.
	StateQA EngineState = "qa"
	// StateCompleted indicates every agent finished successfully.
	StateCompleted EngineState = "completed"
	// StatePartialSuccess indicates a non-critical agent failed but the
	// run finished.
	StatePartialSuccess EngineState = "partial_success"
	// StateFailed indicates a critical agent failure aborted the run.
	StateFailed EngineState = "failed"
	// StateTimeout indicates the run exceeded its wall-clock deadline.
	StateTimeout EngineState = "timeout"
	// StateCancelled indicates the run was cancelled by its caller.
	StateCancelled EngineState = "cancelled"
)

// Valid returns true if the state is a known value.
func (s EngineState) Valid() bool {
	switch s {
	case StatePlanning, StateWaitingForApproval, StateExecuting,
		StateReviewing, StateQA, StateCompleted, StatePartialSuccess,
		StateFailed, StateTimeout, StateCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the state ends the run.
func (s EngineState) Terminal() bool {
	switch s {
	case StateCompleted, StatePartialSuccess, StateFailed, StateTimeout, StateCancelled:
		return true
	default:
		return false
	}
}

// engineEdges defines the allowed forward transitions. EXECUTING may be
// re-entered from its REVIEWING/QA sub-states; nothing else is revisited.
var engineEdges = map[EngineState]map[EngineState]bool{
	StatePlanning: {
		StateWaitingForApproval: true,
		StateFailed:             true,
		StateCancelled:          true,
	},
	StateWaitingForApproval: {
		StateExecuting: true,
		StateFailed:    true,
		StateCancelled: true,
	},
	StateExecuting: {
		StateReviewing:      true,
		StateQA:             true,
		StateCompleted:      true,
		StatePartialSuccess: true,
		StateFailed:         true,
		StateTimeout:        true,
		StateCancelled:      true,
	},
	StateReviewing: {
		StateExecuting:      true,
		StateCompleted:      true,
		StatePartialSuccess: true,
		StateFailed:         true,
		StateTimeout:        true,
		StateCancelled:      true,
	},
	StateQA: {
		StateExecuting:      true,
		StateCompleted:      true,
		StatePartialSuccess: true,
		StateFailed:         true,
		StateTimeout:        true,
		StateCancelled:      true,
	},
}

// CanTransition returns true if the edge from s to next is allowed.
func (s EngineState) CanTransition(next EngineState) bool {
	return engineEdges[s][next]
}
