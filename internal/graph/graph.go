// Package graph provides dependency bookkeeping for task gating.
// Tasks arrive one at a time and may depend on work that has already
// completed or that has not been submitted yet.
package graph

import (
	"sync"
)

// Graph tracks task dependencies and completion marks.
// Completion marks are monotonic: once a task is marked complete the
// mark is never removed.
type Graph struct {
	mu sync.RWMutex
	// deps maps task ID to the IDs it depends on.
	deps map[string][]string
	// completed tracks which task IDs have completed.
	completed map[string]bool
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		deps:      make(map[string][]string),
		completed: make(map[string]bool),
		debugLog:  func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *Graph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Add registers a task and its dependency IDs.
// Dependencies may reference tasks that completed before this call or
// that have not been submitted yet.
func (g *Graph) Add(id string, deps []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.deps[id] = append([]string(nil), deps...)
	g.debugLog("[graph] added %s with deps %v", id, deps)
}

// MarkComplete records a task as completed, unblocking its dependents.
func (g *Graph) MarkComplete(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.completed[id] = true
	g.debugLog("[graph] marked %s complete (%d total)", id, len(g.completed))
}

// IsComplete returns true if the task has been marked complete.
func (g *Graph) IsComplete(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.completed[id]
}

// Unmet returns the dependency IDs of the task that have not completed.
func (g *Graph) Unmet(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var unmet []string
	for _, dep := range g.deps[id] {
		if !g.completed[dep] {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

// Satisfied returns true if every dependency of the task has completed.
func (g *Graph) Satisfied(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, dep := range g.deps[id] {
		if !g.completed[dep] {
			return false
		}
	}
	return true
}

// Dependents returns the IDs of known tasks that depend on the given ID.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for taskID, deps := range g.deps {
		for _, dep := range deps {
			if dep == id {
				out = append(out, taskID)
				break
			}
		}
	}
	return out
}

// CompletedCount returns the number of completed tasks.
func (g *Graph) CompletedCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.completed)
}
