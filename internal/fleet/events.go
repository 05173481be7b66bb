package fleet

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/projectloom/loom/pkg/models"
)

// EventType represents the type of fleet lifecycle event.
type EventType string

const (
	// EventProjectQueued indicates a submission was accepted.
	EventProjectQueued EventType = "project_queued"
	// EventProjectStarted indicates a project took a concurrency slot.
	EventProjectStarted EventType = "project_started"
	// EventProjectSettled indicates a project reached a terminal state.
	EventProjectSettled EventType = "project_settled"
)

// Event is emitted as projects move through the fleet lifecycle.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// ProjectID is the related project.
	ProjectID string
	// Status is the terminal status for settled events.
	Status models.ProjectStatus
	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// emitter sends events without ever blocking scheduling; a full channel
// drops the event and counts it.
type emitter struct {
	ch      chan Event
	dropped atomic.Uint64
}

func newEmitter(buffer int) *emitter {
	return &emitter{ch: make(chan Event, buffer)}
}

func (e *emitter) emit(event Event) {
	event.Timestamp = time.Now()
	select {
	case e.ch <- event:
	default:
		count := e.dropped.Add(1)
		if count%10 == 1 {
			log.Printf("[fleet] event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

func (e *emitter) droppedCount() uint64 {
	return e.dropped.Load()
}

func (e *emitter) close() {
	close(e.ch)
}
