package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/conduit-orch/conduit/pkg/models"
)

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write plan: %v", err)
	}
	return path
}

func TestLoadPlan(t *testing.T) {
	path := writePlan(t, `
agents:
  - id: builder-1
    type: builder
  - id: scout-1
    type: researcher
tasks:
  - id: t1
    description: build the thing
    command: echo built
    priority: high
    timeout: 30s
    retry_on_error: true
  - id: t2
    description: verify the thing
    depends_on: [t1]
chains:
  - name: release
    continue_on_error: true
    steps:
      - agent: builder-1
        description: package
      - agent: scout-1
        description: smoke test
parallel:
  - name: fanout
    timeout: 1m
    tasks:
      - id: p1
        agent: builder-1
        command: echo a
      - id: p2
        agent: scout-1
        command: echo b
`)

	plan, err := LoadPlan(path)
	if err != nil {
		t.Fatalf("LoadPlan: %v", err)
	}

	if len(plan.Agents) != 2 || len(plan.Tasks) != 2 || len(plan.Chains) != 1 || len(plan.Parallel) != 1 {
		t.Fatalf("unexpected plan shape: %+v", plan)
	}

	task := plan.Tasks[0].Task()
	if task.Priority != models.PriorityHigh {
		t.Errorf("priority = %v, want high", task.Priority)
	}
	if task.Timeout != 30*time.Second {
		t.Errorf("timeout = %s, want 30s", task.Timeout)
	}
	if !task.RetryOnError {
		t.Error("expected retry_on_error to carry over")
	}
	if got := plan.Tasks[1].DependsOn; len(got) != 1 || got[0] != "t1" {
		t.Errorf("depends_on = %v, want [t1]", got)
	}
}

func TestLoadPlanMissingFile(t *testing.T) {
	if _, err := LoadPlan(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing plan")
	}
}

func TestPlanValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "no agents",
			content: "tasks:\n  - id: t1\n",
			wantErr: "no agents",
		},
		{
			name: "duplicate task",
			content: `
agents:
  - id: a1
tasks:
  - id: t1
  - id: t1
`,
			wantErr: "declared twice",
		},
		{
			name: "unknown dependency",
			content: `
agents:
  - id: a1
tasks:
  - id: t1
    depends_on: [ghost]
`,
			wantErr: "unknown task",
		},
		{
			name: "chain references unknown agent",
			content: `
agents:
  - id: a1
chains:
  - name: c1
    steps:
      - agent: ghost
`,
			wantErr: "unknown agent",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadPlan(writePlan(t, tc.content))
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}
