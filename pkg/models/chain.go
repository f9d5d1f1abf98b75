package models

import "time"

// ChainStatus represents the current state of a task chain.
type ChainStatus string

const (
	// ChainStatusPending indicates the chain has been created but not started.
	ChainStatusPending ChainStatus = "pending"
	// ChainStatusRunning indicates the chain is advancing through its steps.
	ChainStatusRunning ChainStatus = "running"
	// ChainStatusCompleted indicates every step completed successfully.
	ChainStatusCompleted ChainStatus = "completed"
	// ChainStatusPartial indicates the chain finished with some failed steps.
	ChainStatusPartial ChainStatus = "partial"
	// ChainStatusFailed indicates the chain stopped on a failed step.
	ChainStatusFailed ChainStatus = "failed"
	// ChainStatusCancelled indicates the chain was cancelled mid-run.
	ChainStatusCancelled ChainStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s ChainStatus) Valid() bool {
	switch s {
	case ChainStatusPending, ChainStatusRunning, ChainStatusCompleted,
		ChainStatusPartial, ChainStatusFailed, ChainStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a terminal state.
func (s ChainStatus) Terminal() bool {
	switch s {
	case ChainStatusCompleted, ChainStatusPartial, ChainStatusFailed, ChainStatusCancelled:
		return true
	default:
		return false
	}
}

// ChainTask is one step of a chain.
type ChainTask struct {
	// AgentID is the agent the step is sent to.
	AgentID string `json:"agent_id"`
	// Description tells the agent what to do.
	Description string `json:"description"`
	// Command is an optional executable form of the work.
	Command string `json:"command,omitempty"`
	// Status is the current state of the step.
	Status TaskStatus `json:"status"`
	// Result is the step's output, if it completed.
	Result string `json:"result,omitempty"`
	// Error is the failure message, if the step failed.
	Error string `json:"error,omitempty"`
	// StartedAt is when the step began.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// EndedAt is when the step finished.
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// Chain is an ordered sequence of dependent tasks executed one after
// another, each step seeing the prior step's result.
type Chain struct {
	// ID is the unique identifier for this chain.
	ID string `json:"id"`
	// Tasks are the steps, in execution order.
	Tasks []*ChainTask `json:"tasks"`
	// CurrentIndex is the step currently executing (or next to execute).
	CurrentIndex int `json:"current_index"`
	// Status is the current state of the chain.
	Status ChainStatus `json:"status"`
	// ContinueOnError keeps the chain advancing past failed steps.
	ContinueOnError bool `json:"continue_on_error"`
	// CreatedAt is when the chain was created.
	CreatedAt time.Time `json:"created_at"`
}
