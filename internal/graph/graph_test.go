package graph

import (
	"errors"
	"testing"

	"github.com/projectloom/loom/pkg/models"
)

func anyRole(string) bool { return true }

func roleSet(names ...string) func(string) bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return func(r string) bool { return set[r] }
}

func TestParseValidGraph(t *testing.T) {
	data := []byte(`{"tasks": [
		{"id": "t1", "role": "database_engineer", "dependencies": [], "description": "schema"},
		{"id": "t2", "role": "backend_engineer", "dependencies": ["t1"], "description": "api"}
	]}`)

	g, err := Parse(data, roleSet("database_engineer", "backend_engineer"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Size() != 2 {
		t.Errorf("expected size 2, got %d", g.Size())
	}
	if g.Task("t1") == nil || g.Task("t2") == nil {
		t.Error("expected both tasks to be present")
	}
	if got := g.Task("t2").Status; got != models.TaskStatusPending {
		t.Errorf("expected pending status, got %s", got)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	data := []byte(`{"tasks": [{"id": "t1", "role": "planner", "priority": 3}]}`)
	if _, err := Parse(data, anyRole); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsUnknownRole(t *testing.T) {
	data := []byte(`{"tasks": [{"id": "t1", "role": "barista", "dependencies": []}]}`)
	_, err := Parse(data, roleSet("planner"))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Rule != RuleUnknownRole {
		t.Errorf("expected rule %s, got %s", RuleUnknownRole, verr.Rule)
	}
	if len(verr.TaskIDs) != 1 || verr.TaskIDs[0] != "t1" {
		t.Errorf("expected offending task t1, got %v", verr.TaskIDs)
	}
}

func TestBuildRejectsDuplicateID(t *testing.T) {
	tasks := []*models.Task{
		{ID: "t1", Role: "planner"},
		{ID: "t1", Role: "coder"},
	}
	_, err := Build(tasks, anyRole)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Rule != RuleDuplicateID {
		t.Fatalf("expected duplicate_id error, got %v", err)
	}
}

func TestBuildRejectsMissingDependency(t *testing.T) {
	tasks := []*models.Task{
		{ID: "t1", Role: "planner", Dependencies: []string{"ghost"}},
	}
	_, err := Build(tasks, anyRole)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Rule != RuleMissingDep {
		t.Fatalf("expected missing_dependency error, got %v", err)
	}
}

func TestBuildRejectsCycle(t *testing.T) {
	tasks := []*models.Task{
		{ID: "t1", Role: "planner", Dependencies: []string{"t3"}},
		{ID: "t2", Role: "coder", Dependencies: []string{"t1"}},
		{ID: "t3", Role: "tester", Dependencies: []string{"t2"}},
	}
	_, err := Build(tasks, anyRole)
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestBuildSelfCycle(t *testing.T) {
	tasks := []*models.Task{
		{ID: "t1", Role: "planner", Dependencies: []string{"t1"}},
	}
	if _, err := Build(tasks, anyRole); !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestBatchesDiamond(t *testing.T) {
	tasks := []*models.Task{
		{ID: "t1", Role: "planner"},
		{ID: "t2", Role: "coder", Dependencies: []string{"t1"}},
		{ID: "t3", Role: "coder", Dependencies: []string{"t1"}},
		{ID: "t4", Role: "tester", Dependencies: []string{"t2", "t3"}},
	}
	g, err := Build(tasks, anyRole)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	batches, err := g.Batches()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := [][]string{{"t1"}, {"t2", "t3"}, {"t4"}}
	if len(batches) != len(want) {
		t.Fatalf("expected %d batches, got %d: %v", len(want), len(batches), batches)
	}
	for i := range want {
		if len(batches[i]) != len(want[i]) {
			t.Fatalf("batch %d: expected %v, got %v", i, want[i], batches[i])
		}
		for j := range want[i] {
			if batches[i][j] != want[i][j] {
				t.Errorf("batch %d: expected %v, got %v", i, want[i], batches[i])
			}
		}
	}
}

// TestBatchesCoverEachTaskOnce checks the union of all batches equals the
// task set exactly once.
func TestBatchesCoverEachTaskOnce(t *testing.T) {
	tasks := []*models.Task{
		{ID: "a", Role: "planner"},
		{ID: "b", Role: "coder", Dependencies: []string{"a"}},
		{ID: "c", Role: "coder", Dependencies: []string{"a"}},
		{ID: "d", Role: "tester", Dependencies: []string{"b"}},
		{ID: "e", Role: "deployer", Dependencies: []string{"c", "d"}},
		{ID: "f", Role: "planner"},
	}
	g, err := Build(tasks, anyRole)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	batches, err := g.Batches()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	seen := make(map[string]int)
	for _, batch := range batches {
		for _, id := range batch {
			seen[id]++
		}
	}
	if len(seen) != len(tasks) {
		t.Errorf("expected %d distinct tasks across batches, got %d", len(tasks), len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("task %s appears %d times", id, n)
		}
	}

	// Every task appears strictly after every batch containing one of its deps.
	batchOf := make(map[string]int)
	for i, batch := range batches {
		for _, id := range batch {
			batchOf[id] = i
		}
	}
	for _, task := range tasks {
		for _, dep := range task.Dependencies {
			if batchOf[dep] >= batchOf[task.ID] {
				t.Errorf("task %s (batch %d) not after dependency %s (batch %d)",
					task.ID, batchOf[task.ID], dep, batchOf[dep])
			}
		}
	}
}

func TestDependents(t *testing.T) {
	tasks := []*models.Task{
		{ID: "t1", Role: "planner"},
		{ID: "t2", Role: "coder", Dependencies: []string{"t1"}},
		{ID: "t3", Role: "coder", Dependencies: []string{"t1"}},
	}
	g, err := Build(tasks, anyRole)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	deps := g.Dependents("t1")
	if len(deps) != 2 || deps[0] != "t2" || deps[1] != "t3" {
		t.Errorf("expected [t2 t3], got %v", deps)
	}
}
