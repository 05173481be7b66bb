package models

import "time"

// TaskStatus represents the current state of a task within a graph.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates the task is being executed by an agent.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusComplete indicates the task finished successfully.
	TaskStatusComplete TaskStatus = "complete"
	// TaskStatusFailed indicates the task failed after exhausting retries.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusBlocked indicates a dependency failed, so the task never runs.
	TaskStatusBlocked TaskStatus = "blocked"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusComplete,
		TaskStatusFailed, TaskStatusBlocked:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is terminal and the task will not
// change state again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusComplete, TaskStatusFailed, TaskStatusBlocked:
		return true
	default:
		return false
	}
}

// Task represents one unit of work in a dependency graph, bound to an
// agent role. Tasks are created when a graph is parsed and mutated only
// by the dispatcher that owns the graph.
type Task struct {
	// ID is the unique identifier for this task within its graph.
	ID string `json:"id" validate:"required"`
	// Role identifies which agent executes this task.
	Role string `json:"role" validate:"required"`
	// Description is free text passed to the agent.
	Description string `json:"description"`
	// Dependencies lists task IDs that must complete before this task.
	Dependencies []string `json:"dependencies"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// Output holds the agent's output once the task completes.
	Output string `json:"output,omitempty"`
	// Error contains the error message if the task failed.
	Error string `json:"error,omitempty"`
	// BlockedReason names the failed dependency for blocked tasks.
	BlockedReason string `json:"blocked_reason,omitempty"`
	// RetryCount is the number of retries performed (0 on first success).
	RetryCount int `json:"retry_count,omitempty"`
	// StartedAt is when execution began, if it did.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
