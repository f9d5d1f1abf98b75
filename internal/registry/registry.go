// Package registry tracks known agents, their capabilities and activity,
// and owns each agent's inbound delivery channel.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/conduit-orch/conduit/pkg/models"
)

var (
	// ErrEmptyID indicates a registration with an empty agent ID.
	ErrEmptyID = errors.New("agent id must not be empty")
	// ErrNotFound indicates the agent is not registered.
	ErrNotFound = errors.New("agent not registered")
	// ErrChannelFull indicates the agent's inbound buffer is full.
	// Delivery failures with this error are transient and retryable.
	ErrChannelFull = errors.New("agent channel full")
)

// defaultBuffer is the inbound channel buffer when none is configured.
const defaultBuffer = 64

// AgentConfig describes an agent at registration time.
type AgentConfig struct {
	// Capabilities lists what kinds of work the agent can handle.
	Capabilities []string
	// ContextBudget is the agent's working-memory allowance, in tokens.
	ContextBudget int
	// Buffer is the inbound channel buffer size.
	Buffer int
}

// entry pairs an agent record with its delivery channel.
type entry struct {
	agent *models.Agent
	ch    chan *models.Message
}

// Registry provides thread-safe storage of agents and their channels.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry
	// now is the clock, swappable in tests.
	now func() time.Time
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		agents: make(map[string]*entry),
		now:    time.Now,
	}
}

// SetClock replaces the registry's clock. Used by tests to control
// liveness sweeps.
func (r *Registry) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Register adds an agent or, if the ID already exists, merges the config
// into the existing record and refreshes its activity timestamp. Re-registering
// never creates a duplicate entry; the latest config wins.
func (r *Registry) Register(id string, cfg AgentConfig) error {
	if id == "" {
		return ErrEmptyID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e, ok := r.agents[id]; ok {
		if cfg.Capabilities != nil {
			e.agent.Capabilities = cfg.Capabilities
		}
		if cfg.ContextBudget > 0 {
			e.agent.ContextBudget = cfg.ContextBudget
		}
		e.agent.Status = models.AgentStatusActive
		e.agent.LastActivityAt = now
		return nil
	}

	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	r.agents[id] = &entry{
		agent: &models.Agent{
			ID:             id,
			Capabilities:   cfg.Capabilities,
			Status:         models.AgentStatusActive,
			RegisteredAt:   now,
			LastActivityAt: now,
			ContextBudget:  cfg.ContextBudget,
		},
		ch: make(chan *models.Message, buffer),
	}
	return nil
}

// Unregister removes an agent and closes its channel.
// Returns false if the agent was not registered.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return false
	}
	e.agent.Status = models.AgentStatusTerminated
	delete(r.agents, id)
	close(e.ch)
	return true
}

// Get returns a copy of the agent record.
func (r *Registry) Get(id string) (*models.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	cp := *e.agent
	return &cp, true
}

// Channel returns the agent's inbound delivery channel.
func (r *Registry) Channel(id string) (<-chan *models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("channel for %s: %w", id, ErrNotFound)
	}
	return e.ch, nil
}

// Deliver places a message on the agent's inbound channel without
// blocking. A full buffer is reported as ErrChannelFull so the caller
// can retry delivery later. Successful delivery refreshes the agent's
// activity timestamp.
func (r *Registry) Deliver(id string, msg *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("deliver to %s: %w", id, ErrNotFound)
	}

	select {
	case e.ch <- msg:
		e.agent.LastActivityAt = r.now()
		return nil
	default:
		return fmt.Errorf("deliver to %s: %w", id, ErrChannelFull)
	}
}

// Touch refreshes the agent's activity timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.agents[id]; ok {
		e.agent.LastActivityAt = r.now()
	}
}

// MarkError flags the agent's last operation as failed.
func (r *Registry) MarkError(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.agents[id]; ok {
		e.agent.Status = models.AgentStatusError
	}
}

// Sweep removes agents with no activity for longer than staleAfter and
// returns their IDs. Called opportunistically before broadcast and
// periodically by the orchestrator.
func (r *Registry) Sweep(staleAfter time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-staleAfter)
	var removed []string
	for id, e := range r.agents {
		if e.agent.LastActivityAt.Before(cutoff) {
			e.agent.Status = models.AgentStatusTerminated
			delete(r.agents, id)
			close(e.ch)
			removed = append(removed, id)
		}
	}
	return removed
}

// Active returns copies of all registered agents, excluding the given ID.
// Pass an empty string to include everyone.
func (r *Registry) Active(exclude string) []*models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*models.Agent, 0, len(r.agents))
	for id, e := range r.agents {
		if id == exclude {
			continue
		}
		cp := *e.agent
		agents = append(agents, &cp)
	}
	return agents
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
