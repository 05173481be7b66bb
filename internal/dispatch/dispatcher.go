// Package dispatch executes a validated task graph to completion:
// concurrency-limited, retrying, emitting task state events.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/projectloom/loom/internal/agent"
	"github.com/projectloom/loom/internal/graph"
	"github.com/projectloom/loom/pkg/models"
)

// Config contains tunables for a Dispatcher.
type Config struct {
	// MaxConcurrent bounds how many tasks run simultaneously.
	MaxConcurrent int
	// MaxRetries bounds retries per task; a task executes at most
	// MaxRetries+1 times.
	MaxRetries int
	// BackoffBase is the first retry delay; doubles per attempt.
	BackoffBase time.Duration
	// BackoffCap caps the retry delay.
	BackoffCap time.Duration
	// EventBuffer sizes the event channel.
	EventBuffer int
}

// DefaultConfig returns the standard dispatcher tunables.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 3,
		MaxRetries:    3,
		BackoffBase:   time.Second,
		BackoffCap:    60 * time.Second,
		EventBuffer:   100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = d.BackoffCap
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

// Result summarizes one graph execution.
type Result struct {
	// Outputs holds successful task outputs keyed by task ID.
	Outputs map[string]string
	// Completed, Failed, and Blocked list terminal task IDs by state.
	Completed []string
	Failed    []string
	Blocked   []string
	// Duration is the wall-clock time of the whole dispatch.
	Duration time.Duration
}

// Ok returns true if every task completed.
func (r *Result) Ok() bool {
	return len(r.Failed) == 0 && len(r.Blocked) == 0
}

// Dispatcher executes one task graph using an injected executor. A
// dispatcher owns the task records of the graph it runs; no other
// component mutates them.
type Dispatcher struct {
	cfg      Config
	executor agent.Executor
	emitter  *emitter
	sem      *semaphore.Weighted
	debugLog func(format string, args ...interface{})
}

// New creates a Dispatcher with the given executor and config.
func New(executor agent.Executor, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:      cfg,
		executor: executor,
		emitter:  newEmitter(cfg.EventBuffer),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (d *Dispatcher) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		d.debugLog = fn
	}
}

// Events returns the channel of task state events. Closed when Run
// returns.
func (d *Dispatcher) Events() <-chan Event {
	return d.emitter.events
}

// DroppedEventCount returns the number of events dropped on overflow.
func (d *Dispatcher) DroppedEventCount() uint64 {
	return d.emitter.dropped.Load()
}

// Run executes the graph batch by batch. The shared context passed to a
// task is a read-only snapshot: outputs from batch i become visible to
// batch i+1 onward, never within the same batch. Run does not proceed to
// batch i+1 until every task of batch i is terminal.
func (d *Dispatcher) Run(ctx context.Context, g *graph.Graph, request string) (*Result, error) {
	defer d.emitter.close()

	start := time.Now()
	batches, err := g.Batches()
	if err != nil {
		return nil, err
	}

	// outputs is the dispatcher-owned master map; unrunnable holds IDs
	// that ended FAILED or BLOCKED, consulted when partitioning later
	// batches.
	outputs := make(map[string]string)
	unrunnable := make(map[string]bool)
	result := &Result{Outputs: outputs}

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}

		d.emitter.emit(Event{Type: EventBatchStarted, Batch: i,
			Message: fmt.Sprintf("batch %d: %d task(s)", i, len(batch))})
		d.debugLog("[dispatch] batch %d: %v", i, batch)

		// Partition into blocked and runnable.
		var runnable []*models.Task
		for _, id := range batch {
			task := g.Task(id)
			if dep := firstUnrunnableDep(task, unrunnable); dep != "" {
				d.markBlocked(task, dep, i)
				unrunnable[task.ID] = true
				result.Blocked = append(result.Blocked, task.ID)
				continue
			}
			runnable = append(runnable, task)
		}

		// Snapshot shared context once per batch; tasks read copies,
		// never the master map.
		snapshot := snapshotContext(outputs, request)

		var (
			mu           sync.Mutex
			wg           sync.WaitGroup
			batchOutputs = make(map[string]string, len(runnable))
		)
		for _, task := range runnable {
			wg.Add(1)
			go func(task *models.Task) {
				defer wg.Done()

				if err := d.sem.Acquire(ctx, 1); err != nil {
					d.failTask(task, err, i)
					mu.Lock()
					unrunnable[task.ID] = true
					result.Failed = append(result.Failed, task.ID)
					mu.Unlock()
					return
				}
				defer d.sem.Release(1)

				output, execErr := d.executeWithRetry(ctx, task, snapshot, i)
				mu.Lock()
				defer mu.Unlock()
				if execErr != nil {
					unrunnable[task.ID] = true
					result.Failed = append(result.Failed, task.ID)
					return
				}
				batchOutputs[task.ID] = output
				result.Completed = append(result.Completed, task.ID)
			}(task)
		}
		// Barrier: no task of batch i+1 starts before batch i settles.
		wg.Wait()

		for id, out := range batchOutputs {
			outputs[id] = out
		}
		d.emitter.emit(Event{Type: EventBatchCompleted, Batch: i})
	}

	result.Duration = time.Since(start)
	return result, nil
}

// executeWithRetry runs one task's attempt loop. It returns the output
// on success; on final failure the task is marked FAILED and the error
// returned.
func (d *Dispatcher) executeWithRetry(ctx context.Context, task *models.Task, shared map[string]string, batch int) (string, error) {
	now := time.Now()
	task.Status = models.TaskStatusRunning
	task.StartedAt = &now
	d.emitter.emit(Event{Type: EventTaskStarted, TaskID: task.ID, Batch: batch,
		Status: models.TaskStatusRunning})

	maxAttempts := d.cfg.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		output, err := d.executor.Execute(ctx, agent.Request{
			Role:        task.Role,
			TaskID:      task.ID,
			Description: task.Description,
			Context:     shared,
		})
		if err == nil {
			task.RetryCount = attempt - 1
			d.completeTask(task, output, batch)
			return output, nil
		}

		lastErr = err
		task.RetryCount = attempt - 1
		d.debugLog("[dispatch] task %s attempt %d failed: %v", task.ID, attempt, err)

		if errors.Is(err, agent.ErrTerminal) {
			break
		}
		if attempt == maxAttempts {
			break
		}

		d.emitter.emit(Event{Type: EventTaskRetrying, TaskID: task.ID, Batch: batch,
			Attempt: attempt, Message: err.Error()})
		if err := agent.Sleep(ctx, agent.Backoff(d.cfg.BackoffBase, attempt, d.cfg.BackoffCap)); err != nil {
			lastErr = err
			break
		}
	}

	d.failTask(task, lastErr, batch)
	return "", lastErr
}

func (d *Dispatcher) completeTask(task *models.Task, output string, batch int) {
	now := time.Now()
	task.Status = models.TaskStatusComplete
	task.Output = output
	task.CompletedAt = &now
	d.emitter.emit(Event{Type: EventTaskCompleted, TaskID: task.ID, Batch: batch,
		Status: models.TaskStatusComplete})
}

func (d *Dispatcher) failTask(task *models.Task, err error, batch int) {
	now := time.Now()
	task.Status = models.TaskStatusFailed
	if err != nil {
		task.Error = err.Error()
	}
	task.CompletedAt = &now
	d.emitter.emit(Event{Type: EventTaskFailed, TaskID: task.ID, Batch: batch,
		Status: models.TaskStatusFailed, Message: task.Error})
}

func (d *Dispatcher) markBlocked(task *models.Task, failedDep string, batch int) {
	now := time.Now()
	task.Status = models.TaskStatusBlocked
	task.BlockedReason = "dependency_failed:" + failedDep
	task.CompletedAt = &now
	d.emitter.emit(Event{Type: EventTaskBlocked, TaskID: task.ID, Batch: batch,
		Status: models.TaskStatusBlocked, Message: task.BlockedReason})
	d.debugLog("[dispatch] task %s blocked (depends on %s)", task.ID, failedDep)
}

// firstUnrunnableDep returns the first dependency that ended FAILED or
// BLOCKED, or "" if all dependencies completed.
func firstUnrunnableDep(task *models.Task, unrunnable map[string]bool) string {
	for _, dep := range task.Dependencies {
		if unrunnable[dep] {
			return dep
		}
	}
	return ""
}

// snapshotContext copies prior outputs plus the original request into a
// fresh map shared read-only by one batch.
func snapshotContext(outputs map[string]string, request string) map[string]string {
	snapshot := make(map[string]string, len(outputs)+1)
	for k, v := range outputs {
		snapshot[k] = v
	}
	if request != "" {
		snapshot["request"] = request
	}
	return snapshot
}
