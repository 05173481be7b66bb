// Package graph provides task-graph parsing, validation, and dependency
// resolution into parallel-execution batches.
package graph

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/projectloom/loom/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// ValidationError describes a rejected graph. Validation is all-or-nothing:
// the first rule violation rejects the whole graph.
type ValidationError struct {
	// Rule names the contract rule that was broken.
	Rule string
	// TaskIDs identifies the offending task(s).
	TaskIDs []string
	// Detail is a human-readable explanation.
	Detail string
	// Err is an underlying sentinel, if any (e.g. ErrCycleDetected).
	Err error
}

// Unwrap returns the underlying sentinel error, if any.
func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Error() string {
	if len(e.TaskIDs) == 0 {
		return fmt.Sprintf("graph validation failed (%s): %s", e.Rule, e.Detail)
	}
	return fmt.Sprintf("graph validation failed (%s) for task(s) %v: %s", e.Rule, e.TaskIDs, e.Detail)
}

// Rules reported by ValidationError.
const (
	RuleMalformedInput = "malformed_input"
	RuleEmptyID        = "empty_id"
	RuleDuplicateID    = "duplicate_id"
	RuleUnknownRole    = "unknown_role"
	RuleMissingDep     = "missing_dependency"
	RuleCycle          = "cycle"
)

// graphInput is the accepted wire shape. Any other shape is rejected.
type graphInput struct {
	Tasks []taskInput `json:"tasks" validate:"required"`
}

type taskInput struct {
	ID           string   `json:"id" validate:"required"`
	Role         string   `json:"role" validate:"required"`
	Dependencies []string `json:"dependencies"`
	Description  string   `json:"description"`
}

var structValidator = validator.New()

// Graph is a validated directed acyclic graph of tasks. It is immutable
// after Build; task state is owned by the dispatcher executing it.
type Graph struct {
	// tasks preserves input order.
	tasks []*models.Task
	// byID maps task ID to the task itself.
	byID map[string]*models.Task
	// deps maps task ID to IDs of tasks it depends on.
	deps map[string][]string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// Parse decodes a JSON task graph and validates it against the given role
// set. Unknown fields and any shape deviation are rejected.
func Parse(data []byte, roles func(string) bool) (*Graph, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var in graphInput
	if err := dec.Decode(&in); err != nil {
		return nil, &ValidationError{Rule: RuleMalformedInput, Detail: err.Error()}
	}
	if err := structValidator.Struct(&in); err != nil {
		return nil, &ValidationError{Rule: RuleMalformedInput, Detail: err.Error()}
	}

	tasks := make([]*models.Task, 0, len(in.Tasks))
	for _, t := range in.Tasks {
		tasks = append(tasks, &models.Task{
			ID:           t.ID,
			Role:         t.Role,
			Description:  t.Description,
			Dependencies: t.Dependencies,
			Status:       models.TaskStatusPending,
		})
	}
	return Build(tasks, roles)
}

// Build constructs and validates a graph from already-decoded tasks.
// roles reports whether a role name is known; a nil roles func accepts
// every role.
func Build(tasks []*models.Task, roles func(string) bool) (*Graph, error) {
	g := &Graph{
		tasks:    tasks,
		byID:     make(map[string]*models.Task, len(tasks)),
		deps:     make(map[string][]string, len(tasks)),
		debugLog: func(format string, args ...interface{}) {},
	}

	// First pass: register nodes, rejecting empty and duplicate IDs.
	for _, task := range tasks {
		if task.ID == "" {
			return nil, &ValidationError{Rule: RuleEmptyID, Detail: "task with empty id"}
		}
		if _, exists := g.byID[task.ID]; exists {
			return nil, &ValidationError{
				Rule:    RuleDuplicateID,
				TaskIDs: []string{task.ID},
				Detail:  "duplicate task id",
			}
		}
		if task.Role == "" || (roles != nil && !roles(task.Role)) {
			return nil, &ValidationError{
				Rule:    RuleUnknownRole,
				TaskIDs: []string{task.ID},
				Detail:  fmt.Sprintf("role %q is not in the valid role set", task.Role),
			}
		}
		g.byID[task.ID] = task
		g.deps[task.ID] = nil
	}

	// Second pass: build edges, rejecting references to unknown tasks.
	for _, task := range tasks {
		for _, depID := range task.Dependencies {
			if _, exists := g.byID[depID]; !exists {
				return nil, &ValidationError{
					Rule:    RuleMissingDep,
					TaskIDs: []string{task.ID},
					Detail:  fmt.Sprintf("depends on unknown task %q", depID),
				}
			}
			g.deps[task.ID] = append(g.deps[task.ID], depID)
		}
	}

	// Cycle check via Kahn's algorithm; Batches does the same peeling, so
	// reuse it and report the leftover nodes as the cycle participants.
	if _, err := g.Batches(); err != nil {
		return nil, err
	}

	g.debugLog("[graph.Build] graph built with %d nodes", len(g.byID))
	return g, nil
}

// SetDebugLog sets the debug logging function.
func (g *Graph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Batches resolves the graph into ordered parallel-execution layers.
// Batch i contains every task whose dependencies are fully contained in
// batches 0..i-1; a batch of size n signals that up to n tasks may run
// concurrently. Returns a ValidationError wrapping ErrCycleDetected if
// nodes remain after peeling.
func (g *Graph) Batches() ([][]string, error) {
	indegree := make(map[string]int, len(g.byID))
	for id, deps := range g.deps {
		indegree[id] = len(deps)
	}
	// dependents is the reverse adjacency used to decrement indegrees.
	dependents := make(map[string][]string, len(g.byID))
	for id, deps := range g.deps {
		for _, depID := range deps {
			dependents[depID] = append(dependents[depID], id)
		}
	}

	var batches [][]string
	remaining := len(g.byID)

	for remaining > 0 {
		var layer []string
		for id, d := range indegree {
			if d == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			// No zero-indegree node left: everything remaining is on a cycle.
			var stuck []string
			for id := range indegree {
				stuck = append(stuck, id)
			}
			sort.Strings(stuck)
			return nil, &ValidationError{
				Rule:    RuleCycle,
				TaskIDs: stuck,
				Detail:  ErrCycleDetected.Error(),
				Err:     ErrCycleDetected,
			}
		}
		sort.Strings(layer) // deterministic order within a batch
		for _, id := range layer {
			delete(indegree, id)
			for _, next := range dependents[id] {
				indegree[next]--
			}
		}
		remaining -= len(layer)
		batches = append(batches, layer)
	}

	g.debugLog("[graph.Batches] resolved %d batches", len(batches))
	return batches, nil
}

// Task returns the task for a given ID, or nil if not found.
func (g *Graph) Task(id string) *models.Task {
	return g.byID[id]
}

// Tasks returns all tasks in input order.
func (g *Graph) Tasks() []*models.Task {
	return g.tasks
}

// Size returns the number of tasks in the graph.
func (g *Graph) Size() int {
	return len(g.byID)
}

// Dependencies returns the IDs of tasks the given task depends on.
func (g *Graph) Dependencies(id string) []string {
	return g.deps[id]
}

// Dependents returns the IDs of tasks that depend on the given task.
func (g *Graph) Dependents(id string) []string {
	var out []string
	for taskID, deps := range g.deps {
		for _, depID := range deps {
			if depID == id {
				out = append(out, taskID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
