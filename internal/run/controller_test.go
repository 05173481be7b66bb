package run

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/projectloom/loom/internal/agent"
	"github.com/projectloom/loom/internal/budget"
	"github.com/projectloom/loom/internal/contract"
	"github.com/projectloom/loom/pkg/models"
)

// testRegistry returns a role registry with schemaless roles so the
// fake executors don't need to emit JSON.
func testRegistry() *contract.Registry {
	r := contract.NewRegistry()
	r.Register(contract.Role{Name: "planner", Critical: true})
	r.Register(contract.Role{Name: "coder", Critical: true})
	r.Register(contract.Role{Name: "tester", Critical: false})
	r.Register(contract.Role{Name: "deployer", Critical: false})
	r.Register(contract.Role{Name: "reviewer", Critical: true})
	return r
}

func fastRunConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 5 * time.Millisecond
	return cfg
}

func plan(roles ...string) *models.ExecutionPlan {
	return &models.ExecutionPlan{ExecutionOrder: roles}
}

func okExecutor() agent.Executor {
	return agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (string, error) {
		return "output from " + req.Role, nil
	})
}

func TestRunCompletes(t *testing.T) {
	c := NewController(okExecutor(), testRegistry(), nil, fastRunConfig())
	report, err := c.Run(context.Background(), Input{
		UserID:  "u1",
		Tier:    models.TierPro,
		Request: "build a todo app",
		Plan:    plan("planner", "coder", "tester"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.State != models.StateCompleted {
		t.Errorf("expected completed, got %s", report.State)
	}
	if report.Outputs["coder"] != "output from coder" {
		t.Errorf("missing coder output: %v", report.Outputs)
	}
	for _, a := range report.Agents {
		if a.Status != AgentComplete {
			t.Errorf("agent %s: expected complete, got %s", a.Role, a.Status)
		}
		if a.Attempts != 1 {
			t.Errorf("agent %s: expected 1 attempt, got %d", a.Role, a.Attempts)
		}
	}
}

func TestNonCriticalFailureDegradesToPartialSuccess(t *testing.T) {
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (string, error) {
		if req.Role == "tester" {
			return "", errors.New("tester always errors")
		}
		return "ok", nil
	})

	c := NewController(exec, testRegistry(), nil, fastRunConfig())
	report, err := c.Run(context.Background(), Input{
		UserID: "u1", Tier: models.TierPro, Request: "r",
		Plan: plan("planner", "coder", "tester"),
	})
	if err != nil {
		t.Fatalf("partial success must not return an error, got %v", err)
	}
	if report.State != models.StatePartialSuccess {
		t.Fatalf("expected partial_success, got %s", report.State)
	}

	failures := report.PartialFailures()
	if len(failures) != 1 || failures[0].Role != "tester" {
		t.Fatalf("expected tester in partial failures, got %+v", failures)
	}
	if failures[0].Error == "" {
		t.Error("partial failure must record why")
	}
	// Degraded output is present for downstream agents.
	if _, ok := report.Outputs["tester"]; !ok {
		t.Error("expected degraded output to be present")
	}
	if report.Agents[0].Status != AgentComplete || report.Agents[1].Status != AgentComplete {
		t.Error("planner and coder should be complete")
	}
}

func TestCriticalFailureAborts(t *testing.T) {
	var testerCalls atomic.Int32
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (string, error) {
		switch req.Role {
		case "coder":
			return "", errors.New("cannot code today")
		case "tester":
			testerCalls.Add(1)
		}
		return "ok", nil
	})

	c := NewController(exec, testRegistry(), nil, fastRunConfig())
	report, err := c.Run(context.Background(), Input{
		UserID: "u1", Tier: models.TierPro, Request: "r",
		Plan: plan("planner", "coder", "tester"),
	})
	if err == nil {
		t.Fatal("expected error for critical failure")
	}
	if report.State != models.StateFailed {
		t.Errorf("expected failed, got %s", report.State)
	}
	if report.Error == "" {
		t.Error("terminal failure must carry a reason")
	}
	if testerCalls.Load() != 0 {
		t.Error("agents after a critical failure must not run")
	}
	if report.Agents[2].Status != AgentNotReached {
		t.Errorf("expected tester not_reached, got %s", report.Agents[2].Status)
	}
}

func TestRetryBoundPerAgent(t *testing.T) {
	var calls atomic.Int32
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (string, error) {
		calls.Add(1)
		return "", errors.New("flaky")
	})

	cfg := fastRunConfig()
	cfg.MaxRetries = 2
	c := NewController(exec, testRegistry(), nil, cfg)
	_, err := c.Run(context.Background(), Input{
		UserID: "u1", Tier: models.TierPro, Request: "r", Plan: plan("planner"),
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected max_retries+1 = 3 executions, got %d", got)
	}
}

func TestContractViolationRetriedLikeFailure(t *testing.T) {
	registry := testRegistry()
	registry.Register(contract.Role{Name: "planner", Critical: true, Schema: contract.Schema{
		"summary": contract.FieldString,
	}})

	var calls atomic.Int32
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (string, error) {
		if calls.Add(1) < 2 {
			return "not json at all", nil
		}
		return `{"summary": "fine"}`, nil
	})

	c := NewController(exec, registry, nil, fastRunConfig())
	report, err := c.Run(context.Background(), Input{
		UserID: "u1", Tier: models.TierPro, Request: "r", Plan: plan("planner"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Agents[0].Retries != 1 {
		t.Errorf("expected 1 retry after contract violation, got %d", report.Agents[0].Retries)
	}
}

func TestBudgetRefusalFailsFast(t *testing.T) {
	ledger := budget.NewLedger(budget.DefaultCaps(), nil)
	if err := ledger.ApplySpend("u1", models.TierFree, 1.00); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (string, error) {
		calls.Add(1)
		return "ok", nil
	})

	c := NewController(exec, testRegistry(), ledger, fastRunConfig())
	report, err := c.Run(context.Background(), Input{
		UserID: "u1", Tier: models.TierFree, Request: "r", Plan: plan("planner"),
	})

	var exceeded *budget.ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected ExceededError, got %v", err)
	}
	if report.State != models.StateFailed {
		t.Errorf("expected failed, got %s", report.State)
	}
	if calls.Load() != 0 {
		t.Error("no agent may execute after budget refusal")
	}
	// Zero additional spend recorded.
	s, _ := ledger.Summarize("u1", models.TierFree)
	if s.SpentUSD != 1.00 {
		t.Errorf("expected spend unchanged at 1.00, got %.4f", s.SpentUSD)
	}
}

func TestEstimatedCostRefusedBeforeOvershoot(t *testing.T) {
	// Free cap 1.00 with 0.95 spent leaves 0.05; a run expected to cost
	// 0.10 must be refused upfront, not admitted to overshoot.
	ledger := budget.NewLedger(budget.DefaultCaps(), nil)
	if err := ledger.ApplySpend("u1", models.TierFree, 0.95); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (string, error) {
		calls.Add(1)
		return "ok", nil
	})

	c := NewController(exec, testRegistry(), ledger, fastRunConfig())
	report, err := c.Run(context.Background(), Input{
		UserID: "u1", Tier: models.TierFree, Request: "r",
		Plan: plan("planner"), EstimatedCostUSD: 0.10,
	})

	var exceeded *budget.ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected ExceededError, got %v", err)
	}
	if report.State != models.StateFailed {
		t.Errorf("expected failed, got %s", report.State)
	}
	if calls.Load() != 0 {
		t.Error("no agent may execute after budget refusal")
	}
	// Zero additional spend recorded.
	s, _ := ledger.Summarize("u1", models.TierFree)
	if s.SpentUSD < 0.949 || s.SpentUSD > 0.951 {
		t.Errorf("expected spend unchanged at 0.95, got %.4f", s.SpentUSD)
	}
}

func TestSpendReportedAfterRun(t *testing.T) {
	ledger := budget.NewLedger(budget.DefaultCaps(), nil)

	cfg := fastRunConfig()
	cfg.Cost = func(role, output string) float64 { return 0.05 }
	c := NewController(okExecutor(), testRegistry(), ledger, cfg)
	report, err := c.Run(context.Background(), Input{
		UserID: "u1", Tier: models.TierPro, Request: "r", Plan: plan("planner", "coder"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if report.CostUSD < 0.099 || report.CostUSD > 0.101 {
		t.Errorf("expected cost ~0.10, got %.4f", report.CostUSD)
	}
	s, _ := ledger.Summarize("u1", models.TierPro)
	if s.SpentUSD < 0.099 || s.SpentUSD > 0.101 {
		t.Errorf("expected ledger spend ~0.10, got %.4f", s.SpentUSD)
	}
}

func TestTimeoutStopsSchedulingAgents(t *testing.T) {
	var calls atomic.Int32
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (string, error) {
		calls.Add(1)
		time.Sleep(30 * time.Millisecond)
		return "ok", nil
	})

	cfg := fastRunConfig()
	cfg.Timeout = 20 * time.Millisecond
	c := NewController(exec, testRegistry(), nil, cfg)
	report, err := c.Run(context.Background(), Input{
		UserID: "u1", Tier: models.TierPro, Request: "r",
		Plan: plan("planner", "coder", "tester"),
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if report.State != models.StateTimeout {
		t.Errorf("expected timeout state, got %s", report.State)
	}
	// The first agent ran past the deadline; no further agent started.
	if calls.Load() != 1 {
		t.Errorf("expected 1 agent execution, got %d", calls.Load())
	}
}

func TestApprovalGate(t *testing.T) {
	cfg := fastRunConfig()
	cfg.AutoApprove = false
	c := NewController(okExecutor(), testRegistry(), nil, cfg)

	done := make(chan *Report)
	go func() {
		report, _ := c.Run(context.Background(), Input{
			UserID: "u1", Tier: models.TierPro, Request: "r", Plan: plan("planner"),
		})
		done <- report
	}()

	// Wait until the run parks in the approval state.
	deadline := time.After(time.Second)
	for c.State() != models.StateWaitingForApproval {
		select {
		case <-deadline:
			t.Fatal("run never reached waiting_for_approval")
		case <-time.After(time.Millisecond):
		}
	}
	c.Approve()

	report := <-done
	if report.State != models.StateCompleted {
		t.Errorf("expected completed after approval, got %s", report.State)
	}
}

func TestRejectCancelsRun(t *testing.T) {
	cfg := fastRunConfig()
	cfg.AutoApprove = false
	c := NewController(okExecutor(), testRegistry(), nil, cfg)
	c.Reject()

	report, err := c.Run(context.Background(), Input{
		UserID: "u1", Tier: models.TierPro, Request: "r", Plan: plan("planner"),
	})
	if err == nil {
		t.Fatal("expected error for rejected run")
	}
	if report.State != models.StateCancelled {
		t.Errorf("expected cancelled, got %s", report.State)
	}
}

func TestUnknownRoleRejectedInPlanning(t *testing.T) {
	c := NewController(okExecutor(), testRegistry(), nil, fastRunConfig())
	report, err := c.Run(context.Background(), Input{
		UserID: "u1", Tier: models.TierPro, Request: "r", Plan: plan("astronaut"),
	})
	if err == nil {
		t.Fatal("expected error for unknown role")
	}
	if report.State != models.StateFailed {
		t.Errorf("expected failed, got %s", report.State)
	}
}

func TestSubStatesEnteredForReservedRoles(t *testing.T) {
	c := NewController(okExecutor(), testRegistry(), nil, fastRunConfig())
	report, err := c.Run(context.Background(), Input{
		UserID: "u1", Tier: models.TierPro, Request: "r",
		Plan: plan("planner", "reviewer", "coder", "tester"),
	})
	if err != nil {
		t.Fatal(err)
	}

	var states []models.EngineState
	for _, tr := range report.History {
		states = append(states, tr.To)
	}
	want := []models.EngineState{
		models.StateWaitingForApproval,
		models.StateExecuting,
		models.StateReviewing,
		models.StateExecuting,
		models.StateQA,
		models.StateCompleted,
	}
	if len(states) != len(want) {
		t.Fatalf("expected history %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected history %v, got %v", want, states)
		}
	}
}

// TestHistoryIsLegal checks every recorded transition is within the
// allowed edge set.
func TestHistoryIsLegal(t *testing.T) {
	exec := agent.ExecutorFunc(func(ctx context.Context, req agent.Request) (string, error) {
		if req.Role == "deployer" {
			return "", fmt.Errorf("%w: deploy refused", agent.ErrTerminal)
		}
		return "ok", nil
	})
	c := NewController(exec, testRegistry(), nil, fastRunConfig())
	report, _ := c.Run(context.Background(), Input{
		UserID: "u1", Tier: models.TierPro, Request: "r",
		Plan: plan("planner", "coder", "deployer"),
	})
	for _, tr := range report.History {
		if !tr.From.CanTransition(tr.To) {
			t.Errorf("illegal transition recorded: %s -> %s", tr.From, tr.To)
		}
	}
	if report.State != models.StatePartialSuccess {
		t.Errorf("expected partial_success, got %s", report.State)
	}
}
