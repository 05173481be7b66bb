package models

// PlanConfig holds execution flags for a plan. Immutable once created.
type PlanConfig struct {
	// SkipNonCritical causes non-critical roles to be skipped entirely
	// instead of executed best-effort.
	SkipNonCritical bool `json:"skip_non_critical"`
	// StrictContracts treats a missing contract schema as a failure
	// instead of passing the output through unvalidated.
	StrictContracts bool `json:"strict_contracts"`
}

// ExecutionPlan is the ordered list of agent roles to run sequentially
// for one request. Produced once per run before execution; immutable.
type ExecutionPlan struct {
	// ExecutionOrder lists agent roles in the order they run.
	ExecutionOrder []string `json:"execution_order" validate:"required,min=1"`
	// Config holds execution flags.
	Config PlanConfig `json:"config"`
}
