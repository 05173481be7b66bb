package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/projectloom/loom/internal/agent"
	"github.com/projectloom/loom/internal/graph"
	"github.com/projectloom/loom/pkg/models"
)

func anyRole(string) bool { return true }

// fastConfig keeps retry sleeps negligible in tests.
func fastConfig() Config {
	return Config{
		MaxConcurrent: 3,
		MaxRetries:    3,
		BackoffBase:   time.Millisecond,
		BackoffCap:    5 * time.Millisecond,
	}
}

func buildGraph(t *testing.T, tasks []*models.Task) *graph.Graph {
	t.Helper()
	g, err := graph.Build(tasks, anyRole)
	if err != nil {
		t.Fatalf("building graph: %v", err)
	}
	return g
}

func diamond(t *testing.T) *graph.Graph {
	return buildGraph(t, []*models.Task{
		{ID: "t1", Role: "planner"},
		{ID: "t2", Role: "coder", Dependencies: []string{"t1"}},
		{ID: "t3", Role: "coder", Dependencies: []string{"t1"}},
		{ID: "t4", Role: "tester", Dependencies: []string{"t2", "t3"}},
	})
}

func TestRunAllComplete(t *testing.T) {
	g := diamond(t)
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (string, error) {
		return "out-" + req.TaskID, nil
	})

	d := New(exec, fastConfig())
	res, err := d.Run(context.Background(), g, "build me an app")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Ok() {
		t.Fatalf("expected clean run, got failed=%v blocked=%v", res.Failed, res.Blocked)
	}
	if len(res.Completed) != 4 {
		t.Errorf("expected 4 completed, got %d", len(res.Completed))
	}
	if res.Outputs["t1"] != "out-t1" {
		t.Errorf("expected output for t1, got %q", res.Outputs["t1"])
	}
}

func TestFailureBlocksDependentsButNotSiblings(t *testing.T) {
	g := diamond(t)
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (string, error) {
		if req.TaskID == "t2" {
			return "", fmt.Errorf("%w: t2 always fails", agent.ErrTerminal)
		}
		return "ok", nil
	})

	d := New(exec, fastConfig())
	_, err := d.Run(context.Background(), g, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if g.Task("t2").Status != models.TaskStatusFailed {
		t.Errorf("expected t2 failed, got %s", g.Task("t2").Status)
	}
	if g.Task("t3").Status != models.TaskStatusComplete {
		t.Errorf("expected t3 complete, got %s", g.Task("t3").Status)
	}
	if g.Task("t4").Status != models.TaskStatusBlocked {
		t.Errorf("expected t4 blocked, got %s", g.Task("t4").Status)
	}
	if reason := g.Task("t4").BlockedReason; reason != "dependency_failed:t2" {
		t.Errorf("unexpected blocked reason %q", reason)
	}
}

func TestTransitiveBlocking(t *testing.T) {
	g := buildGraph(t, []*models.Task{
		{ID: "a", Role: "planner"},
		{ID: "b", Role: "coder", Dependencies: []string{"a"}},
		{ID: "c", Role: "tester", Dependencies: []string{"b"}},
	})
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (string, error) {
		if req.TaskID == "a" {
			return "", fmt.Errorf("%w: root fails", agent.ErrTerminal)
		}
		return "ok", nil
	})

	d := New(exec, fastConfig())
	if _, err := d.Run(context.Background(), g, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Task("b").Status != models.TaskStatusBlocked {
		t.Errorf("expected b blocked, got %s", g.Task("b").Status)
	}
	if g.Task("c").Status != models.TaskStatusBlocked {
		t.Errorf("expected c blocked transitively, got %s", g.Task("c").Status)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	g := buildGraph(t, []*models.Task{{ID: "t1", Role: "coder"}})

	var calls atomic.Int32
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("flaky")
		}
		return "done", nil
	})

	d := New(exec, fastConfig())
	res, err := d.Run(context.Background(), g, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Ok() {
		t.Fatalf("expected success, got failed=%v", res.Failed)
	}
	task := g.Task("t1")
	if task.RetryCount != 2 {
		t.Errorf("expected retry_count 2, got %d", task.RetryCount)
	}
	if task.Status != models.TaskStatusComplete {
		t.Errorf("expected complete, got %s", task.Status)
	}
}

func TestRetryBound(t *testing.T) {
	g := buildGraph(t, []*models.Task{{ID: "t1", Role: "coder"}})

	var calls atomic.Int32
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (string, error) {
		calls.Add(1)
		return "", errors.New("always fails")
	})

	cfg := fastConfig()
	cfg.MaxRetries = 2
	d := New(exec, cfg)
	res, err := d.Run(context.Background(), g, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected exactly max_retries+1 = 3 executions, got %d", got)
	}
	if len(res.Failed) != 1 {
		t.Errorf("expected 1 failed task, got %v", res.Failed)
	}
}

func TestTerminalErrorNotRetried(t *testing.T) {
	g := buildGraph(t, []*models.Task{{ID: "t1", Role: "coder"}})

	var calls atomic.Int32
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (string, error) {
		calls.Add(1)
		return "", fmt.Errorf("%w: bad input", agent.ErrTerminal)
	})

	d := New(exec, fastConfig())
	if _, err := d.Run(context.Background(), g, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 execution for terminal error, got %d", got)
	}
}

func TestConcurrencyBound(t *testing.T) {
	tasks := make([]*models.Task, 8)
	for i := range tasks {
		tasks[i] = &models.Task{ID: fmt.Sprintf("t%d", i), Role: "coder"}
	}
	g := buildGraph(t, tasks)

	var running, peak atomic.Int32
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (string, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return "ok", nil
	})

	cfg := fastConfig()
	cfg.MaxConcurrent = 2
	d := New(exec, cfg)
	if _, err := d.Run(context.Background(), g, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("concurrency bound violated: peak %d > 2", p)
	}
}

func TestSharedContextSnapshotSemantics(t *testing.T) {
	g := buildGraph(t, []*models.Task{
		{ID: "t1", Role: "planner"},
		{ID: "t2", Role: "coder", Dependencies: []string{"t1"}},
		{ID: "t3", Role: "coder", Dependencies: []string{"t1"}},
	})

	var mu sync.Mutex
	seen := make(map[string]map[string]string)
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (string, error) {
		copied := make(map[string]string, len(req.Context))
		for k, v := range req.Context {
			copied[k] = v
		}
		mu.Lock()
		seen[req.TaskID] = copied
		mu.Unlock()
		return "out-" + req.TaskID, nil
	})

	d := New(exec, fastConfig())
	if _, err := d.Run(context.Background(), g, "the request"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := seen["t1"]["request"]; got != "the request" {
		t.Errorf("expected request in context, got %q", got)
	}
	if _, ok := seen["t1"]["t1"]; ok {
		t.Error("t1 must not see its own output")
	}
	// Batch 2 sees batch 1's output but not a sibling's.
	if got := seen["t2"]["t1"]; got != "out-t1" {
		t.Errorf("expected t2 to see t1 output, got %q", got)
	}
	if _, ok := seen["t2"]["t3"]; ok {
		t.Error("t2 must not see sibling t3's output")
	}
}

func TestEventsEmitted(t *testing.T) {
	g := buildGraph(t, []*models.Task{
		{ID: "t1", Role: "planner"},
		{ID: "t2", Role: "coder", Dependencies: []string{"t1"}},
	})
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (string, error) {
		if req.TaskID == "t1" {
			return "", fmt.Errorf("%w: nope", agent.ErrTerminal)
		}
		return "ok", nil
	})

	d := New(exec, fastConfig())
	done := make(chan []Event)
	go func() {
		var events []Event
		for ev := range d.Events() {
			events = append(events, ev)
		}
		done <- events
	}()

	if _, err := d.Run(context.Background(), g, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events := <-done

	var sawFailed, sawBlocked bool
	for _, ev := range events {
		if ev.Type == EventTaskFailed && ev.TaskID == "t1" {
			sawFailed = true
		}
		if ev.Type == EventTaskBlocked && ev.TaskID == "t2" {
			sawBlocked = true
		}
	}
	if !sawFailed || !sawBlocked {
		t.Errorf("expected failed and blocked events, got %+v", events)
	}
}

func TestRunCancelled(t *testing.T) {
	g := buildGraph(t, []*models.Task{
		{ID: "t1", Role: "planner"},
		{ID: "t2", Role: "coder", Dependencies: []string{"t1"}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	exec := agent.ExecutorFunc(func(c context.Context, req agent.Request) (string, error) {
		cancel()
		return "ok", nil
	})

	d := New(exec, fastConfig())
	res, err := d.Run(ctx, g, "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Duration <= 0 {
		t.Errorf("cancelled run must still report its duration, got %v", res.Duration)
	}
}
