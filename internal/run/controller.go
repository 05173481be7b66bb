// Package run executes one ordered agent sequence for a single user
// request: run-level state machine, contract enforcement, retry with
// capped backoff, partial-failure policy, and budget integration.
package run

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/projectloom/loom/internal/agent"
	"github.com/projectloom/loom/internal/budget"
	"github.com/projectloom/loom/internal/contract"
	"github.com/projectloom/loom/pkg/models"
)

// ErrTimeout indicates the run exceeded its wall-clock deadline.
var ErrTimeout = errors.New("run deadline exceeded")

// CostFn estimates the USD cost of one agent attempt from its output.
type CostFn func(role, output string) float64

// defaultCost approximates tokens as len/4 and prices them at a flat
// per-token rate. Real providers report usage; this is the fallback.
func defaultCost(role, output string) float64 {
	tokens := float64(len(output)) / 4
	return tokens * 15e-6
}

// Config contains tunables for a Controller.
type Config struct {
	// MaxRetries bounds retries per agent.
	MaxRetries int
	// BackoffBase is the first retry delay; doubles per attempt.
	BackoffBase time.Duration
	// BackoffCap caps the retry delay.
	BackoffCap time.Duration
	// Timeout is the run wall-clock deadline, set at run start.
	Timeout time.Duration
	// AutoApprove skips the approval gate. When false, the run parks
	// in WAITING_FOR_APPROVAL until Approve or Cancel is called.
	AutoApprove bool
	// ReviewRoles name the roles executed under the REVIEWING sub-state.
	ReviewRoles []string
	// QARoles name the roles executed under the QA sub-state.
	QARoles []string
	// Cost estimates per-attempt spend. Defaults to a token-length
	// heuristic.
	Cost CostFn
}

// DefaultConfig returns the standard run tunables.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		BackoffBase: time.Second,
		BackoffCap:  60 * time.Second,
		Timeout:     600 * time.Second,
		AutoApprove: true,
		ReviewRoles: []string{"reviewer"},
		QARoles:     []string{"tester", "qa_engineer"},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = d.BackoffCap
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.ReviewRoles == nil {
		c.ReviewRoles = d.ReviewRoles
	}
	if c.QARoles == nil {
		c.QARoles = d.QARoles
	}
	if c.Cost == nil {
		c.Cost = defaultCost
	}
	return c
}

// Input identifies one run request.
type Input struct {
	// UserID identifies the requesting user for budget accounting.
	UserID string
	// Tier is the user's budget tier.
	Tier models.Tier
	// Request is the original natural-language request.
	Request string
	// Plan is the ordered agent sequence to execute.
	Plan *models.ExecutionPlan
	// EstimatedCostUSD is the expected cost of the whole run, checked
	// against the remaining budget at admission. 0 means unknown.
	EstimatedCostUSD float64
}

// Controller runs one ExecutionPlan end-to-end. Agents execute strictly
// sequentially; the only concurrency inside a run is the cancellable
// backoff sleep, which never blocks sibling runs.
type Controller struct {
	id       string
	cfg      Config
	executor agent.Executor
	roles    *contract.Registry
	checker  *contract.Validator
	ledger   *budget.Ledger
	sm       *stateMachine
	approve  chan struct{}
	rejected chan struct{}

	// OnProgress, if set, is called after each agent settles with the
	// role just finished and completed/total counts.
	OnProgress func(role string, completed, total int)
}

// NewController creates a Controller. The executor makes the external
// calls; roles supplies criticality and contracts; ledger is the shared
// spend authority.
func NewController(executor agent.Executor, roles *contract.Registry, ledger *budget.Ledger, cfg Config) *Controller {
	return &Controller{
		id:       uuid.New().String()[:8],
		cfg:      cfg.withDefaults(),
		executor: executor,
		roles:    roles,
		checker:  contract.NewValidator(roles),
		ledger:   ledger,
		sm:       newStateMachine(),
		approve:  make(chan struct{}),
		rejected: make(chan struct{}),
	}
}

// ID returns the run identifier.
func (c *Controller) ID() string { return c.id }

// State returns the current engine state.
func (c *Controller) State() models.EngineState { return c.sm.state() }

// History returns the engine-state audit trail so far.
func (c *Controller) History() []Transition { return c.sm.transitions() }

// Approve releases a run parked in WAITING_FOR_APPROVAL.
func (c *Controller) Approve() {
	select {
	case <-c.approve:
	default:
		close(c.approve)
	}
}

// Reject cancels a run parked in WAITING_FOR_APPROVAL.
func (c *Controller) Reject() {
	select {
	case <-c.rejected:
	default:
		close(c.rejected)
	}
}

// Run executes the plan. The returned Report is always non-nil and
// carries the terminal state, per-agent outcomes, and state history;
// err is non-nil for FAILED, TIMEOUT, and CANCELLED runs.
func (c *Controller) Run(ctx context.Context, in Input) (*Report, error) {
	start := time.Now()
	deadline := start.Add(c.cfg.Timeout)

	report := &Report{
		RunID:   c.id,
		Outputs: make(map[string]string),
	}
	finish := func(err error) (*Report, error) {
		report.State = c.sm.state()
		report.Duration = time.Since(start)
		report.History = c.sm.transitions()
		if err != nil && report.Error == "" {
			report.Error = err.Error()
		}
		// The controller is the single reporter of incurred cost;
		// spend is recorded whether the run succeeded or not.
		if report.CostUSD > 0 && c.ledger != nil {
			if serr := c.ledger.ApplySpend(in.UserID, in.Tier, report.CostUSD); serr != nil {
				log.Printf("[run %s] failed to record spend: %v", c.id, serr)
			}
		}
		return report, err
	}

	// PLANNING: validate the plan against the registries.
	if err := c.validatePlan(in.Plan); err != nil {
		_ = c.sm.to(models.StateFailed)
		return finish(err)
	}
	for _, role := range in.Plan.ExecutionOrder {
		report.Agents = append(report.Agents, AgentReport{Role: role, Status: AgentNotReached})
	}

	// Approval gate.
	if err := c.sm.to(models.StateWaitingForApproval); err != nil {
		return finish(err)
	}
	if !c.cfg.AutoApprove {
		select {
		case <-ctx.Done():
			_ = c.sm.to(models.StateCancelled)
			return finish(ctx.Err())
		case <-c.rejected:
			_ = c.sm.to(models.StateCancelled)
			return finish(errors.New("plan rejected"))
		case <-c.approve:
		}
	}

	// Budget gate: fail fast before any agent executes, no partial spend.
	// A run whose expected cost exceeds the remaining budget is refused
	// outright, not admitted to overshoot.
	if c.ledger != nil {
		if err := c.ledger.Authorize(in.UserID, in.Tier, in.EstimatedCostUSD); err != nil {
			_ = c.sm.to(models.StateFailed)
			return finish(err)
		}
	}

	if err := c.sm.to(models.StateExecuting); err != nil {
		return finish(err)
	}

	outputs := report.Outputs
	total := len(in.Plan.ExecutionOrder)
	degraded := false

	for i, role := range in.Plan.ExecutionOrder {
		// Cancellation and deadline are checked at loop boundaries;
		// in-flight work is never force-cancelled by this layer.
		if ctx.Err() != nil {
			_ = c.sm.to(models.StateCancelled)
			return finish(ctx.Err())
		}
		if time.Now().After(deadline) {
			_ = c.sm.to(models.StateTimeout)
			return finish(fmt.Errorf("%w after %s", ErrTimeout, c.cfg.Timeout))
		}

		critical := c.roles.IsCritical(role)
		if in.Plan.Config.SkipNonCritical && !critical {
			report.Agents[i].Status = AgentSkipped
			c.progress(role, i+1, total)
			continue
		}

		if err := c.enterSubState(role); err != nil {
			return finish(err)
		}

		agentReport, output, err := c.executeAgent(ctx, role, in, outputs)
		report.Agents[i] = agentReport
		report.CostUSD += c.cfg.Cost(role, output)

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				_ = c.sm.to(models.StateTimeout)
				return finish(fmt.Errorf("%w: %v", ErrTimeout, err))
			}
			if errors.Is(err, context.Canceled) {
				_ = c.sm.to(models.StateCancelled)
				return finish(err)
			}
			if critical {
				report.Agents[i].Status = AgentFailed
				_ = c.sm.to(models.StateFailed)
				return finish(fmt.Errorf("critical agent %s failed: %w", role, err))
			}
			// Non-critical: degrade and continue with a present but
			// empty-handed output.
			report.Agents[i].Status = AgentDegraded
			outputs[role] = fmt.Sprintf("[degraded] %s produced no output: %v", role, err)
			degraded = true
			log.Printf("[run %s] non-critical agent %s degraded: %v", c.id, role, err)
		} else {
			outputs[role] = output
		}

		if err := c.leaveSubState(role, i == total-1); err != nil {
			return finish(err)
		}
		c.progress(role, i+1, total)
	}

	final := models.StateCompleted
	if degraded {
		final = models.StatePartialSuccess
	}
	if err := c.sm.to(final); err != nil {
		return finish(err)
	}
	return finish(nil)
}

// validatePlan rejects unknown roles while still in PLANNING.
func (c *Controller) validatePlan(plan *models.ExecutionPlan) error {
	if plan == nil || len(plan.ExecutionOrder) == 0 {
		return errors.New("execution plan is empty")
	}
	for _, role := range plan.ExecutionOrder {
		if !c.roles.Has(role) {
			return fmt.Errorf("plan references unregistered role %q", role)
		}
	}
	return nil
}

// executeAgent runs one agent's retry loop and returns its report and
// final output.
func (c *Controller) executeAgent(ctx context.Context, role string, in Input, outputs map[string]string) (AgentReport, string, error) {
	report := AgentReport{Role: role, Status: AgentComplete}
	start := time.Now()
	maxAttempts := c.cfg.MaxRetries + 1

	// Input payload: prior agent outputs plus the original request.
	payload := make(map[string]string, len(outputs)+1)
	for k, v := range outputs {
		payload[k] = v
	}
	payload["request"] = in.Request

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		report.Attempts = attempt
		report.Retries = attempt - 1

		output, err := c.executor.Execute(ctx, agent.Request{
			Role:        role,
			Description: in.Request,
			Context:     payload,
		})
		if err == nil {
			// A schema violation is treated identically to an
			// execution exception.
			err = c.validateOutput(role, output, in.Plan.Config.StrictContracts)
			if err == nil {
				report.Duration = time.Since(start)
				return report, output, nil
			}
		}
		lastErr = err

		if errors.Is(err, agent.ErrTerminal) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if attempt == maxAttempts {
			break
		}
		delay := agent.Backoff(c.cfg.BackoffBase, attempt, c.cfg.BackoffCap)
		log.Printf("[run %s] agent %s attempt %d failed, retrying in %s: %v", c.id, role, attempt, delay, err)
		if serr := agent.Sleep(ctx, delay); serr != nil {
			lastErr = serr
			break
		}
	}

	report.Duration = time.Since(start)
	report.Error = lastErr.Error()
	return report, "", lastErr
}

func (c *Controller) validateOutput(role, output string, strict bool) error {
	if strict && c.roles.Schema(role) == nil {
		return &contract.Error{Role: role, Reason: "no contract registered (strict mode)"}
	}
	return c.checker.Validate(role, output)
}

// enterSubState moves EXECUTING -> REVIEWING/QA for reserved roles.
func (c *Controller) enterSubState(role string) error {
	switch {
	case contains(c.cfg.ReviewRoles, role):
		return c.sm.to(models.StateReviewing)
	case contains(c.cfg.QARoles, role):
		return c.sm.to(models.StateQA)
	default:
		return nil
	}
}

// leaveSubState re-enters EXECUTING after a sub-state, unless the run
// is about to terminate anyway.
func (c *Controller) leaveSubState(role string, last bool) error {
	if last {
		return nil
	}
	if contains(c.cfg.ReviewRoles, role) || contains(c.cfg.QARoles, role) {
		return c.sm.to(models.StateExecuting)
	}
	return nil
}

func (c *Controller) progress(role string, completed, total int) {
	if c.OnProgress != nil {
		c.OnProgress(role, completed, total)
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
