package contract

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Role describes one registered agent role.
type Role struct {
	// Name is the role identifier referenced by tasks and plans.
	Name string `yaml:"name"`
	// Critical marks roles whose failure aborts a run. Non-critical
	// roles degrade the run to partial success instead.
	Critical bool `yaml:"critical"`
	// Schema is the output contract for this role, if any. Roles
	// without a schema pass through unvalidated.
	Schema Schema `yaml:"schema,omitempty"`
}

// Registry maps role names to their attributes. It is safe for
// concurrent use; ReplaceAll swaps the whole table atomically so a
// watcher can hot-reload it while runs are in flight.
type Registry struct {
	mu    sync.RWMutex
	roles map[string]Role
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{roles: make(map[string]Role)}
}

// DefaultRegistry returns a registry with the standard pipeline roles.
// Tester and deployer are non-critical: their failure degrades a run to
// partial success rather than aborting it.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, role := range []Role{
		{Name: "planner", Critical: true, Schema: Schema{
			"execution_order": FieldArray,
			"summary":         FieldString,
		}},
		{Name: "database_engineer", Critical: true, Schema: Schema{
			"schema_sql": FieldString,
			"tables":     FieldArray,
		}},
		{Name: "backend_engineer", Critical: true, Schema: Schema{
			"files":     FieldArray,
			"endpoints": FieldArray,
		}},
		{Name: "frontend_engineer", Critical: true, Schema: Schema{
			"files":      FieldArray,
			"components": FieldArray,
		}},
		{Name: "reviewer", Critical: true},
		{Name: "tester", Critical: false},
		{Name: "deployer", Critical: false},
	} {
		r.Register(role)
	}
	return r
}

// Register adds or replaces a role.
func (r *Registry) Register(role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[role.Name] = role
}

// Has reports whether the role name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roles[name]
	return ok
}

// IsCritical reports whether the role is critical. Unregistered roles
// are treated as non-critical best-effort outputs.
func (r *Registry) IsCritical(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[name]
	return ok && role.Critical
}

// Schema returns the output schema for the role, or nil if the role has
// none (or is unregistered).
func (r *Registry) Schema(name string) Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles[name].Schema
}

// Names returns all registered role names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.roles))
	for name := range r.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReplaceAll atomically swaps the registry contents.
func (r *Registry) ReplaceAll(roles []Role) {
	table := make(map[string]Role, len(roles))
	for _, role := range roles {
		table[role.Name] = role
	}
	r.mu.Lock()
	r.roles = table
	r.mu.Unlock()
}

// registryFile is the on-disk shape of a role registry.
type registryFile struct {
	Roles []Role `yaml:"roles"`
}

// LoadFile reads a roles YAML file into a new registry.
func LoadFile(path string) (*Registry, error) {
	roles, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	r := NewRegistry()
	r.ReplaceAll(roles)
	return r, nil
}

func parseFile(path string) ([]Role, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roles file: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse roles file: %w", err)
	}
	for _, role := range file.Roles {
		if role.Name == "" {
			return nil, fmt.Errorf("roles file %s: role with empty name", path)
		}
		for field, ft := range role.Schema {
			if !ft.Valid() {
				return nil, fmt.Errorf("roles file %s: role %s field %s has unknown type %q", path, role.Name, field, ft)
			}
		}
	}
	return file.Roles, nil
}
