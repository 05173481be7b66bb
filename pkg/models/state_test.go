package models

import "testing"

func TestTaskStatusValid(t *testing.T) {
	valid := []TaskStatus{
		TaskStatusPending, TaskStatusRunning, TaskStatusComplete,
		TaskStatusFailed, TaskStatusBlocked,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %s to be valid", s)
		}
	}
	if TaskStatus("unknown").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	cases := map[TaskStatus]bool{
		TaskStatusPending:  false,
		TaskStatusRunning:  false,
		TaskStatusComplete: true,
		TaskStatusFailed:   true,
		TaskStatusBlocked:  true,
	}
	for s, want := range cases {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestEngineStateTransitions(t *testing.T) {
	allowed := []struct{ from, to EngineState }{
		{StatePlanning, StateWaitingForApproval},
		{StateWaitingForApproval, StateExecuting},
		{StateExecuting, StateReviewing},
		{StateReviewing, StateExecuting},
		{StateExecuting, StateQA},
		{StateQA, StateCompleted},
		{StateExecuting, StatePartialSuccess},
		{StateExecuting, StateTimeout},
		{StatePlanning, StateCancelled},
	}
	for _, c := range allowed {
		if !c.from.CanTransition(c.to) {
			t.Errorf("expected %s -> %s to be allowed", c.from, c.to)
		}
	}

	forbidden := []struct{ from, to EngineState }{
		{StateCompleted, StateExecuting},
		{StateFailed, StatePlanning},
		{StateExecuting, StatePlanning},
		{StatePlanning, StateExecuting}, // must pass through approval
		{StateTimeout, StateCompleted},
	}
	for _, c := range forbidden {
		if c.from.CanTransition(c.to) {
			t.Errorf("expected %s -> %s to be forbidden", c.from, c.to)
		}
	}
}

func TestProjectStatusTransitions(t *testing.T) {
	if !ProjectQueued.CanTransition(ProjectRunning) {
		t.Error("queued -> running should be allowed")
	}
	if !ProjectQueued.CanTransition(ProjectCancelled) {
		t.Error("queued -> cancelled should be allowed")
	}
	if !ProjectRunning.CanTransition(ProjectTimeout) {
		t.Error("running -> timeout should be allowed")
	}
	if ProjectCompleted.CanTransition(ProjectRunning) {
		t.Error("completed -> running should be forbidden")
	}
	if ProjectQueued.CanTransition(ProjectCompleted) {
		t.Error("queued -> completed should be forbidden")
	}
}
