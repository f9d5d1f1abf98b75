package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/conduit-orch/conduit/internal/agent"
	"github.com/conduit-orch/conduit/pkg/models"
)

func TestParallelExecuteValidation(t *testing.T) {
	r := newRig(t, map[string]agent.Handler{"a1": echoHandler("a")})
	p := NewParallelExecutor(r.bus)

	if _, err := p.Execute(nil, ParallelOptions{}); !errors.Is(err, ErrNoTasks) {
		t.Errorf("empty task set: got %v, want ErrNoTasks", err)
	}
}

func TestParallelExecuteJoinsAll(t *testing.T) {
	r := newRig(t, map[string]agent.Handler{
		"a1": echoHandler("one"),
		"a2": failHandler("boom"),
		"a3": echoHandler("three"),
	})
	p := NewParallelExecutor(r.bus)

	res, err := p.Execute([]ParallelTask{
		{TaskID: "t1", AgentID: "a1", Description: "first"},
		{TaskID: "t2", AgentID: "a2", Description: "second"},
		{TaskID: "t3", AgentID: "a3", Description: "third"},
	}, ParallelOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExecutionID == "" {
		t.Error("expected an execution id")
	}
	if len(res.Results) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(res.Results))
	}

	// Outcomes come back in input order and a sibling failure never
	// aborts the rest.
	for i, want := range []string{"t1", "t2", "t3"} {
		if res.Results[i].TaskID != want {
			t.Errorf("outcome %d task = %s, want %s", i, res.Results[i].TaskID, want)
		}
	}
	if res.Results[0].Status != models.TaskStatusCompleted || res.Results[0].Result != "one" {
		t.Errorf("t1 = %+v, want completed/one", res.Results[0])
	}
	if res.Results[1].Status != models.TaskStatusFailed || res.Results[1].Error == "" {
		t.Errorf("t2 = %+v, want failed with error", res.Results[1])
	}
	if res.Results[2].Status != models.TaskStatusCompleted || res.Results[2].Result != "three" {
		t.Errorf("t3 = %+v, want completed/three", res.Results[2])
	}
}

func TestParallelUnknownAgentFailsThatTaskOnly(t *testing.T) {
	r := newRig(t, map[string]agent.Handler{"a1": echoHandler("one")})
	p := NewParallelExecutor(r.bus)

	res, err := p.Execute([]ParallelTask{
		{TaskID: "t1", AgentID: "a1"},
		{TaskID: "t2", AgentID: "ghost"},
	}, ParallelOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Results[0].Status != models.TaskStatusCompleted {
		t.Errorf("t1 status = %s, want completed", res.Results[0].Status)
	}
	if res.Results[1].Status != models.TaskStatusFailed {
		t.Errorf("t2 status = %s, want failed", res.Results[1].Status)
	}
}

func TestParallelOverallTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	r := newRig(t, map[string]agent.Handler{
		"fast": echoHandler("quick"),
		"slow": func(ctx context.Context, msg *models.Message) (string, error) {
			<-release
			return "late", nil
		},
	})
	p := NewParallelExecutor(r.bus)

	start := time.Now()
	res, err := p.Execute([]ParallelTask{
		{TaskID: "t1", AgentID: "fast"},
		{TaskID: "t2", AgentID: "slow"},
	}, ParallelOptions{Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("join took %s, expected the overall deadline to trip it", elapsed)
	}

	if len(res.Results) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(res.Results))
	}
	if res.Results[0].Status != models.TaskStatusCompleted {
		t.Errorf("fast task status = %s, want completed", res.Results[0].Status)
	}
	if res.Results[1].Status != models.TaskStatusFailed || res.Results[1].Error != "timeout" {
		t.Errorf("slow task = %+v, want failed/timeout", res.Results[1])
	}
}

func TestParallelPerTaskTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	r := newRig(t, map[string]agent.Handler{
		"slow": func(ctx context.Context, msg *models.Message) (string, error) {
			<-release
			return "late", nil
		},
	})
	p := NewParallelExecutor(r.bus)

	res, err := p.Execute([]ParallelTask{
		{TaskID: "t1", AgentID: "slow", Timeout: 50 * time.Millisecond},
	}, ParallelOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Results[0].Status != models.TaskStatusFailed || res.Results[0].Error != "timeout" {
		t.Errorf("outcome = %+v, want failed/timeout", res.Results[0])
	}
}
