package models

import "testing"

func TestAgentStatusValid(t *testing.T) {
	valid := []AgentStatus{AgentStatusActive, AgentStatusTerminated, AgentStatusError}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected status %q to be valid", s)
		}
	}
	if AgentStatus("sleeping").Valid() {
		t.Error("expected unknown agent status to be invalid")
	}
}

func TestTaskStatusValid(t *testing.T) {
	valid := []TaskStatus{TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected status %q to be valid", s)
		}
	}
	if TaskStatus("done").Valid() {
		t.Error("expected unknown task status to be invalid")
	}
}

func TestChainStatusTerminal(t *testing.T) {
	cases := []struct {
		status   ChainStatus
		terminal bool
	}{
		{ChainStatusPending, false},
		{ChainStatusRunning, false},
		{ChainStatusCompleted, true},
		{ChainStatusPartial, true},
		{ChainStatusFailed, true},
		{ChainStatusCancelled, true},
	}

	for _, tc := range cases {
		if got := tc.status.Terminal(); got != tc.terminal {
			t.Errorf("ChainStatus(%q).Terminal() = %v, want %v", tc.status, got, tc.terminal)
		}
	}
}

func TestAgentHasCapability(t *testing.T) {
	a := &Agent{ID: "a1", Capabilities: []string{"backend", "database"}}
	if !a.HasCapability("backend") {
		t.Error("expected agent to have backend capability")
	}
	if a.HasCapability("frontend") {
		t.Error("expected agent to lack frontend capability")
	}
}
