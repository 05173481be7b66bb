package run

import (
	"time"

	"github.com/projectloom/loom/pkg/models"
)

// AgentStatus is the per-agent outcome within a run.
type AgentStatus string

const (
	// AgentComplete indicates the agent produced a valid output.
	AgentComplete AgentStatus = "complete"
	// AgentDegraded indicates a non-critical agent exhausted retries;
	// the run continued with a placeholder output.
	AgentDegraded AgentStatus = "degraded"
	// AgentSkipped indicates a non-critical agent was skipped by plan
	// configuration.
	AgentSkipped AgentStatus = "skipped"
	// AgentFailed indicates a critical agent exhausted retries and
	// aborted the run.
	AgentFailed AgentStatus = "failed"
	// AgentNotReached indicates the run ended before this agent ran.
	AgentNotReached AgentStatus = "not_reached"
)

// AgentReport records one agent's execution within a run.
type AgentReport struct {
	// Role is the agent role.
	Role string `json:"role"`
	// Status is the per-agent outcome.
	Status AgentStatus `json:"status"`
	// Attempts is how many times the agent executed.
	Attempts int `json:"attempts"`
	// Retries is Attempts-1, 0 when the agent never ran.
	Retries int `json:"retries"`
	// Duration is wall-clock time across all attempts.
	Duration time.Duration `json:"duration"`
	// Error is the final failure reason, if any.
	Error string `json:"error,omitempty"`
}

// Report is the structured outcome of one run: enough detail to
// reproduce a failure without re-running the system.
type Report struct {
	// RunID identifies the run.
	RunID string `json:"run_id"`
	// State is the terminal engine state.
	State models.EngineState `json:"state"`
	// Error is the human-readable reason for FAILED/TIMEOUT runs.
	Error string `json:"error,omitempty"`
	// Agents holds one entry per plan role, in execution order.
	Agents []AgentReport `json:"agents"`
	// Outputs holds successful agent outputs keyed by role.
	Outputs map[string]string `json:"outputs"`
	// CostUSD is the total incurred cost reported to the ledger.
	CostUSD float64 `json:"cost_usd"`
	// Duration is the total run wall-clock time.
	Duration time.Duration `json:"duration"`
	// History is the engine-state audit trail.
	History []Transition `json:"history"`
}

// PartialFailures returns the degraded agents' reports.
func (r *Report) PartialFailures() []AgentReport {
	var out []AgentReport
	for _, a := range r.Agents {
		if a.Status == AgentDegraded {
			out = append(out, a)
		}
	}
	return out
}
