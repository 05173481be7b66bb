// Package agent defines the executor boundary the orchestration engine
// calls into, and the compile-time registry mapping role names to
// executor implementations.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrTerminal marks an execution failure that must not be retried.
// Executors wrap it to signal the dispatcher that further attempts are
// wasted work.
var ErrTerminal = errors.New("terminal agent failure")

// ErrUnknownRole indicates no executor is registered for a role.
var ErrUnknownRole = errors.New("unknown agent role")

// Request is the input to one agent execution attempt. Context is a
// read-only snapshot of prior outputs; executors must not mutate it.
type Request struct {
	// Role identifies the agent being invoked.
	Role string
	// TaskID is the graph task being executed, empty for plan steps.
	TaskID string
	// Description is the free-text work description.
	Description string
	// Context holds prior outputs keyed by task ID (graph runs) or
	// role name (plan runs), plus the original request under "request".
	Context map[string]string
}

// Executor runs one agent attempt. Implementations make the external
// model call; the engine treats them as opaque and fallible.
type Executor interface {
	Execute(ctx context.Context, req Request) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req Request) (string, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Registry maps role names to executor implementations. Unknown roles
// are rejected at graph-validation time via Has, not at call time.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds a role name to an executor.
func (r *Registry) Register(role string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[role] = e
}

// RegisterFunc binds a role name to an executor function.
func (r *Registry) RegisterFunc(role string, f ExecutorFunc) {
	r.Register(role, f)
}

// Has reports whether an executor is registered for the role.
func (r *Registry) Has(role string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[role]
	return ok
}

// Get returns the executor for a role.
func (r *Registry) Get(role string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[role]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	return e, nil
}

// Execute dispatches to the executor registered for req.Role. A
// registry therefore satisfies Executor and can stand wherever a
// single executor is expected; an unknown role is a terminal failure.
func (r *Registry) Execute(ctx context.Context, req Request) (string, error) {
	e, err := r.Get(req.Role)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTerminal, err)
	}
	return e.Execute(ctx, req)
}

// Roles returns all registered role names, sorted.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]string, 0, len(r.executors))
	for role := range r.executors {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}
