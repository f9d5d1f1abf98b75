package graph

import "testing"

func TestUnmetAndSatisfied(t *testing.T) {
	g := New()
	g.Add("t2", []string{"t1"})

	if g.Satisfied("t2") {
		t.Error("t2 should not be satisfied before t1 completes")
	}
	if unmet := g.Unmet("t2"); len(unmet) != 1 || unmet[0] != "t1" {
		t.Errorf("Unmet(t2) = %v, want [t1]", unmet)
	}

	g.MarkComplete("t1")
	if !g.Satisfied("t2") {
		t.Error("t2 should be satisfied after t1 completes")
	}
	if unmet := g.Unmet("t2"); len(unmet) != 0 {
		t.Errorf("Unmet(t2) = %v, want empty", unmet)
	}
}

func TestDependencyOnAlreadyCompletedTask(t *testing.T) {
	g := New()
	g.MarkComplete("t1")
	g.Add("t2", []string{"t1"})

	if !g.Satisfied("t2") {
		t.Error("dependency completed before submission should count as met")
	}
}

func TestEmptyDepsSatisfiedImmediately(t *testing.T) {
	g := New()
	g.Add("t1", nil)
	if !g.Satisfied("t1") {
		t.Error("task with no dependencies should be satisfied immediately")
	}
}

func TestCompletionIsMonotonic(t *testing.T) {
	g := New()
	g.MarkComplete("t1")
	g.MarkComplete("t1")

	if !g.IsComplete("t1") {
		t.Error("t1 should stay complete")
	}
	if got := g.CompletedCount(); got != 1 {
		t.Errorf("CompletedCount() = %d, want 1", got)
	}
}

func TestDependents(t *testing.T) {
	g := New()
	g.Add("t2", []string{"t1"})
	g.Add("t3", []string{"t1", "t2"})
	g.Add("t4", nil)

	deps := g.Dependents("t1")
	if len(deps) != 2 {
		t.Fatalf("Dependents(t1) = %v, want 2 entries", deps)
	}
	seen := map[string]bool{}
	for _, d := range deps {
		seen[d] = true
	}
	if !seen["t2"] || !seen["t3"] {
		t.Errorf("Dependents(t1) = %v, want t2 and t3", deps)
	}
}
