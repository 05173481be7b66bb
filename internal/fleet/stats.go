package fleet

import "github.com/projectloom/loom/pkg/models"

// Health classifies scheduler load for external monitoring.
type Health string

const (
	// HealthHealthy means slots and queue have comfortable headroom.
	HealthHealthy Health = "healthy"
	// HealthBusy means load is elevated but submissions still flow.
	HealthBusy Health = "busy"
	// HealthAtCapacity means every concurrency slot is occupied.
	HealthAtCapacity Health = "at_capacity"
	// HealthOverloaded means the queue is full and submissions are
	// being rejected.
	HealthOverloaded Health = "overloaded"
)

// Stats is an aggregate snapshot of the scheduler.
type Stats struct {
	TotalSubmitted int     `json:"total_submitted"`
	Active         int     `json:"active"`
	Queued         int     `json:"queued"`
	Completed      int     `json:"completed"`
	Failed         int     `json:"failed"`
	Cancelled      int     `json:"cancelled"`
	TimedOut       int     `json:"timed_out"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
	CapacityUsed   float64 `json:"capacity_used"`
	QueueUsed      float64 `json:"queue_used"`
}

// Stats returns an aggregate snapshot over tracked projects. Evicted
// projects no longer contribute.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	st.TotalSubmitted = len(s.projects)
	for _, p := range s.projects {
		st.TotalCostUSD += p.CostUSD
		switch p.Status {
		case models.ProjectQueued:
			st.Queued++
		case models.ProjectRunning:
			st.Active++
		case models.ProjectCompleted:
			st.Completed++
		case models.ProjectFailed:
			st.Failed++
		case models.ProjectCancelled:
			st.Cancelled++
		case models.ProjectTimeout:
			st.TimedOut++
		}
	}
	st.CapacityUsed = float64(st.Active) / float64(s.cfg.MaxConcurrent)
	st.QueueUsed = float64(len(s.queue)) / float64(s.cfg.MaxQueueSize)
	return st
}

// Health derives a status from slot and queue fill ratios.
func (s *Scheduler) Health() Health {
	st := s.Stats()
	switch {
	case st.QueueUsed >= 1:
		return HealthOverloaded
	case st.CapacityUsed >= 1:
		return HealthAtCapacity
	case st.CapacityUsed >= 0.8 || st.QueueUsed >= 0.5:
		return HealthBusy
	default:
		return HealthHealthy
	}
}
