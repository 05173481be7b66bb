// Package fleet schedules many concurrent runs: a bounded submission
// queue with reject-not-block backpressure, a concurrency gate on
// simultaneously running projects, and per-project lifecycle tracking.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/projectloom/loom/internal/agent"
	"github.com/projectloom/loom/internal/budget"
	"github.com/projectloom/loom/internal/contract"
	"github.com/projectloom/loom/internal/run"
	"github.com/projectloom/loom/pkg/models"
)

// QueueFullError is returned by Submit when the backlog is at capacity.
// Callers should back off and resubmit rather than retry immediately.
type QueueFullError struct {
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("fleet queue full (capacity %d)", e.Capacity)
}

// ErrNotFound is returned for operations on unknown project IDs.
var ErrNotFound = errors.New("project not found")

// ErrStopped is returned by Submit after Stop has been called.
var ErrStopped = errors.New("fleet scheduler stopped")

// Config contains tunables for the Scheduler.
type Config struct {
	// MaxConcurrent bounds how many projects run simultaneously.
	MaxConcurrent int
	// MaxQueueSize bounds the submission backlog.
	MaxQueueSize int
	// ProjectTimeout is the per-project wall-clock deadline.
	ProjectTimeout time.Duration
	// Run carries per-run tunables passed to each controller. The
	// run timeout is overridden by ProjectTimeout.
	Run run.Config
}

// DefaultConfig returns the standard fleet tunables.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  5,
		MaxQueueSize:   100,
		ProjectTimeout: 600 * time.Second,
		Run:            run.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.ProjectTimeout <= 0 {
		c.ProjectTimeout = d.ProjectTimeout
	}
	return c
}

// SubmitRequest describes one project to schedule.
type SubmitRequest struct {
	UserID  string
	Tier    models.Tier
	Request string
	Plan    *models.ExecutionPlan
	// EstimatedCostUSD, when non-zero, is checked against the user's
	// remaining budget before the run starts.
	EstimatedCostUSD float64
}

// submission pairs a queued request with its assigned project ID.
type submission struct {
	projectID string
	req       SubmitRequest
}

// RunRecorder persists settled project records. The zero value of the
// scheduler field means history is not kept.
type RunRecorder interface {
	RecordRun(p models.Project) error
}

// Scheduler accepts run requests, queues them, and executes each under
// a concurrency slot. Projects are retained after completion for status
// queries until evicted by the caller.
type Scheduler struct {
	cfg      Config
	executor agent.Executor
	roles    *contract.Registry
	ledger   *budget.Ledger
	history  RunRecorder

	mu       sync.RWMutex
	projects map[string]*models.Project
	reports  map[string]*run.Report
	cancels  map[string]context.CancelFunc

	queue chan submission
	slots *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	events *emitter
}

// New creates a Scheduler and starts its dispatch loop.
func New(executor agent.Executor, roles *contract.Registry, ledger *budget.Ledger, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cfg:      cfg,
		executor: executor,
		roles:    roles,
		ledger:   ledger,
		projects: make(map[string]*models.Project),
		reports:  make(map[string]*run.Report),
		cancels:  make(map[string]context.CancelFunc),
		queue:    make(chan submission, cfg.MaxQueueSize),
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		ctx:      ctx,
		cancel:   cancel,
		events:   newEmitter(100),
	}

	s.wg.Add(1)
	go s.dispatchLoop()

	return s
}

// SetHistory installs a recorder for settled project records. Call
// before submitting work.
func (s *Scheduler) SetHistory(h RunRecorder) {
	s.history = h
}

// Submit enqueues a project and returns its ID. It fails immediately
// with a QueueFullError when the backlog is at capacity; it never
// blocks the caller.
func (s *Scheduler) Submit(req SubmitRequest) (string, error) {
	if s.ctx.Err() != nil {
		return "", ErrStopped
	}

	id := uuid.New().String()[:8]
	project := &models.Project{
		ID:        id,
		UserID:    req.UserID,
		Tier:      req.Tier,
		Request:   req.Request,
		Status:    models.ProjectQueued,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.projects[id] = project
	s.mu.Unlock()

	select {
	case s.queue <- submission{projectID: id, req: req}:
	default:
		s.mu.Lock()
		delete(s.projects, id)
		s.mu.Unlock()
		return "", &QueueFullError{Capacity: s.cfg.MaxQueueSize}
	}

	s.events.emit(Event{Type: EventProjectQueued, ProjectID: id})
	return id, nil
}

// dispatchLoop pulls submissions FIFO whenever a concurrency slot is
// free. A slot is acquired before dequeueing so that waiting work keeps
// occupying the bounded queue.
func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()

	for {
		if err := s.slots.Acquire(s.ctx, 1); err != nil {
			return
		}
		select {
		case <-s.ctx.Done():
			s.slots.Release(1)
			return
		case sub := <-s.queue:
			if !s.markRunning(sub.projectID) {
				// Cancelled while queued; dequeue is a no-op skip.
				s.slots.Release(1)
				continue
			}
			s.wg.Add(1)
			go s.execute(sub)
		}
	}
}

// markRunning transitions QUEUED -> RUNNING and installs the project's
// cancel hook. Returns false if the project no longer qualifies.
func (s *Scheduler) markRunning(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok || p.Status != models.ProjectQueued {
		return false
	}
	now := time.Now()
	p.Status = models.ProjectRunning
	p.StartedAt = &now
	return true
}

// execute runs one project to a terminal state and releases its slot.
func (s *Scheduler) execute(sub submission) {
	defer s.wg.Done()
	defer s.slots.Release(1)

	pctx, pcancel := context.WithTimeout(s.ctx, s.cfg.ProjectTimeout)
	defer pcancel()

	s.mu.Lock()
	s.cancels[sub.projectID] = pcancel
	s.mu.Unlock()

	runCfg := s.cfg.Run
	runCfg.Timeout = s.cfg.ProjectTimeout
	runCfg.AutoApprove = true

	ctrl := run.NewController(s.executor, s.roles, s.ledger, runCfg)
	ctrl.OnProgress = func(role string, completed, total int) {
		s.mu.Lock()
		if p, ok := s.projects[sub.projectID]; ok {
			p.CurrentAgent = role
			p.Progress = completed * 100 / total
		}
		s.mu.Unlock()
	}

	s.events.emit(Event{Type: EventProjectStarted, ProjectID: sub.projectID})
	log.Printf("[fleet] project %s started (run %s)", sub.projectID, ctrl.ID())

	report, err := ctrl.Run(pctx, run.Input{
		UserID:           sub.req.UserID,
		Tier:             sub.req.Tier,
		Request:          sub.req.Request,
		Plan:             sub.req.Plan,
		EstimatedCostUSD: sub.req.EstimatedCostUSD,
	})

	s.settle(sub.projectID, report, err)
}

// settle records the terminal outcome of a project.
func (s *Scheduler) settle(projectID string, report *run.Report, err error) {
	status := models.ProjectCompleted
	switch {
	case err == nil:
		// COMPLETED and PARTIAL_SUCCESS runs both count as a
		// completed project; the report keeps the distinction.
	case errors.Is(err, run.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		status = models.ProjectTimeout
	case errors.Is(err, context.Canceled):
		status = models.ProjectCancelled
	default:
		status = models.ProjectFailed
	}

	now := time.Now()

	var record *models.Project
	s.mu.Lock()
	delete(s.cancels, projectID)
	if p, ok := s.projects[projectID]; ok {
		// A cancel request may have landed after the run settled on
		// its own; the earlier terminal state wins.
		if !p.Status.Terminal() {
			p.Status = status
			p.CompletedAt = &now
			p.CostUSD = report.CostUSD
			p.Error = report.Error
			if err == nil {
				p.Progress = 100
				p.CurrentAgent = ""
			}
		}
		s.reports[projectID] = report
		snapshot := *p
		record = &snapshot
	}
	s.mu.Unlock()

	if s.history != nil && record != nil {
		if herr := s.history.RecordRun(*record); herr != nil {
			log.Printf("[fleet] failed to record run %s: %v", projectID, herr)
		}
	}

	s.events.emit(Event{Type: EventProjectSettled, ProjectID: projectID, Status: status})
	if err != nil {
		log.Printf("[fleet] project %s ended %s: %v", projectID, status, err)
	} else {
		log.Printf("[fleet] project %s ended %s", projectID, status)
	}
}

// Cancel requests cancellation of a project. A QUEUED project is marked
// CANCELLED and skipped at dequeue; a RUNNING project has its context
// cancelled cooperatively, so in-flight work settles on its own time.
func (s *Scheduler) Cancel(projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return ErrNotFound
	}
	switch p.Status {
	case models.ProjectQueued:
		now := time.Now()
		p.Status = models.ProjectCancelled
		p.CompletedAt = &now
		if s.history != nil {
			if herr := s.history.RecordRun(*p); herr != nil {
				log.Printf("[fleet] failed to record run %s: %v", projectID, herr)
			}
		}
		return nil
	case models.ProjectRunning:
		if cancel, ok := s.cancels[projectID]; ok {
			cancel()
		}
		return nil
	default:
		return fmt.Errorf("project %s already %s", projectID, p.Status)
	}
}

// Project returns a snapshot of one project.
func (s *Scheduler) Project(projectID string) (models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[projectID]
	if !ok {
		return models.Project{}, ErrNotFound
	}
	return *p, nil
}

// Report returns the run report of a settled project, if any.
func (s *Scheduler) Report(projectID string) (*run.Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[projectID]
	return r, ok
}

// Projects returns snapshots of every tracked project.
func (s *Scheduler) Projects() []models.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, *p)
	}
	return out
}

// Evict drops a terminal project from tracking. Non-terminal projects
// are refused.
func (s *Scheduler) Evict(projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return ErrNotFound
	}
	if !p.Status.Terminal() {
		return fmt.Errorf("project %s is %s, not terminal", projectID, p.Status)
	}
	delete(s.projects, projectID)
	delete(s.reports, projectID)
	return nil
}

// Events returns the scheduler's lifecycle event stream. Events are
// dropped, not blocked on, when the consumer falls behind.
func (s *Scheduler) Events() <-chan Event {
	return s.events.ch
}

// DroppedEventCount returns how many events were dropped so far.
func (s *Scheduler) DroppedEventCount() uint64 {
	return s.events.droppedCount()
}

// Stop cancels all projects and waits for in-flight runs to settle.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.events.close()
}
