package models

import "time"

// ProjectStatus represents the fleet-level state of a submitted project.
type ProjectStatus string

const (
	// ProjectQueued indicates the project is waiting for a concurrency slot.
	ProjectQueued ProjectStatus = "queued"
	// ProjectRunning indicates the project occupies a concurrency slot.
	ProjectRunning ProjectStatus = "running"
	// ProjectCompleted indicates the run finished successfully.
	ProjectCompleted ProjectStatus = "completed"
	// ProjectFailed indicates the run failed.
	ProjectFailed ProjectStatus = "failed"
	// ProjectCancelled indicates the project was cancelled.
	ProjectCancelled ProjectStatus = "cancelled"
	// ProjectTimeout indicates the project exceeded its deadline.
	ProjectTimeout ProjectStatus = "timeout"
)

// Valid returns true if the status is a known value.
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectQueued, ProjectRunning, ProjectCompleted,
		ProjectFailed, ProjectCancelled, ProjectTimeout:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is terminal.
func (s ProjectStatus) Terminal() bool {
	switch s {
	case ProjectCompleted, ProjectFailed, ProjectCancelled, ProjectTimeout:
		return true
	default:
		return false
	}
}

// projectEdges defines the allowed project status transitions.
var projectEdges = map[ProjectStatus]map[ProjectStatus]bool{
	ProjectQueued: {
		ProjectRunning:   true,
		ProjectCancelled: true,
	},
	ProjectRunning: {
		ProjectCompleted: true,
		ProjectFailed:    true,
		ProjectTimeout:   true,
		ProjectCancelled: true,
	},
}

// CanTransition returns true if the edge from s to next is allowed.
func (s ProjectStatus) CanTransition(next ProjectStatus) bool {
	return projectEdges[s][next]
}

// Project is a fleet-level unit of work wrapping one run, tracked from
// submission through a terminal state. It is mutated only by the fleet
// worker executing it and retained after completion for status queries.
type Project struct {
	// ID is the unique identifier assigned at submission.
	ID string `json:"project_id"`
	// UserID identifies the submitting user for budget accounting.
	UserID string `json:"user_id"`
	// Tier is the budget tier of the submitting user.
	Tier Tier `json:"tier"`
	// Request is the original natural-language request.
	Request string `json:"request"`
	// Status is the current fleet-level state.
	Status ProjectStatus `json:"status"`
	// Progress is a 0-100 completion estimate.
	Progress int `json:"progress"`
	// CurrentAgent is the role currently executing, if any.
	CurrentAgent string `json:"current_agent,omitempty"`
	// CostUSD is the total cost incurred by the run.
	CostUSD float64 `json:"cost_usd"`
	// Error holds a human-readable failure reason for terminal failures.
	Error string `json:"error,omitempty"`
	// CreatedAt is when the project was submitted.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the project left the queue.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the project reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
