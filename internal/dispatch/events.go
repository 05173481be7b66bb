package dispatch

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/projectloom/loom/pkg/models"
)

// EventType represents the type of dispatcher event.
type EventType string

const (
	// EventBatchStarted indicates a dependency batch began executing.
	EventBatchStarted EventType = "batch_started"
	// EventBatchCompleted indicates every task in a batch reached a
	// terminal state.
	EventBatchCompleted EventType = "batch_completed"
	// EventTaskStarted indicates a task entered RUNNING.
	EventTaskStarted EventType = "task_started"
	// EventTaskRetrying indicates a task attempt failed and a retry is
	// scheduled.
	EventTaskRetrying EventType = "task_retrying"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed after exhausting retries.
	EventTaskFailed EventType = "task_failed"
	// EventTaskBlocked indicates a task was skipped because a
	// dependency failed.
	EventTaskBlocked EventType = "task_blocked"
)

// Event is emitted by the dispatcher as tasks change state.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// TaskID is the related task, if any.
	TaskID string
	// Batch is the zero-based batch index.
	Batch int
	// Status is the task's state after the event.
	Status models.TaskStatus
	// Attempt is the attempt number for retry events (1-indexed).
	Attempt int
	// Message provides additional context.
	Message string
	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// emitter sends events without ever blocking the dispatch path; a full
// channel drops the event and counts it.
type emitter struct {
	events  chan Event
	dropped atomic.Uint64
}

func newEmitter(buffer int) *emitter {
	return &emitter{events: make(chan Event, buffer)}
}

func (e *emitter) emit(event Event) {
	event.Timestamp = time.Now()
	select {
	case e.events <- event:
	default:
		count := e.dropped.Add(1)
		if count%10 == 1 {
			log.Printf("[dispatch] event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

func (e *emitter) close() {
	close(e.events)
}
