package models

import "time"

// AgentStatus represents the current state of an agent.
type AgentStatus string

const (
	// AgentStatusActive indicates the agent is registered and accepting messages.
	AgentStatusActive AgentStatus = "active"
	// AgentStatusTerminated indicates the agent has been unregistered.
	AgentStatusTerminated AgentStatus = "terminated"
	// AgentStatusError indicates the agent's last delivery or execution failed.
	AgentStatusError AgentStatus = "error"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusActive, AgentStatusTerminated, AgentStatusError:
		return true
	default:
		return false
	}
}

// Agent represents a logical worker identity registered with the bus.
// It is not necessarily a separate OS process.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// Capabilities lists what kinds of work this agent can handle.
	Capabilities []string `json:"capabilities,omitempty"`
	// Status is the current state of the agent.
	Status AgentStatus `json:"status"`
	// RegisteredAt is when the agent was first registered.
	RegisteredAt time.Time `json:"registered_at"`
	// LastActivityAt is refreshed on every delivered message or lifecycle event.
	LastActivityAt time.Time `json:"last_activity_at"`
	// ContextBudget is the agent's working-memory allowance, in tokens.
	ContextBudget int `json:"context_budget,omitempty"`
}

// HasCapability returns true if the agent declares the given capability.
func (a *Agent) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}
