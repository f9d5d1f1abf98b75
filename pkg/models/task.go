package models

import "time"

// TaskStatus represents the current state of an orchestrated task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not been dispatched.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates an agent is working on the task.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed permanently.
	TaskStatusFailed TaskStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Task is a unit of work submitted to the orchestrator.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Category is a coarse classification used for agent-type selection.
	Category string `json:"category,omitempty"`
	// AgentType explicitly names the agent type to run this task.
	// When empty, the orchestrator selects one from Category and Description.
	AgentType string `json:"agent_type,omitempty"`
	// Description tells the agent what to do.
	Description string `json:"description"`
	// Command is an optional executable form of the work.
	Command string `json:"command,omitempty"`
	// Priority is the message priority used when dispatching the task.
	Priority Priority `json:"priority,omitempty"`
	// Timeout bounds how long the orchestrator waits for completion.
	Timeout time.Duration `json:"timeout,omitempty"`
	// RetryOnError opts the task into orchestrator-level retries.
	RetryOnError bool `json:"retry_on_error,omitempty"`
	// DependsOn lists task IDs that must complete before this task runs.
	DependsOn []string `json:"depends_on,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// RetryCount is the number of times this task has been retried.
	RetryCount int `json:"retry_count,omitempty"`
	// CreatedAt is when the task was submitted.
	CreatedAt time.Time `json:"created_at"`
}

// TaskResult is the recorded outcome of a task.
// Once stored in the orchestrator's completed map an entry is never mutated.
type TaskResult struct {
	// TaskID is the task this result belongs to.
	TaskID string `json:"task_id"`
	// AgentID is the agent that produced the result.
	AgentID string `json:"agent_id"`
	// AgentType is the resolved agent type the task ran under.
	AgentType string `json:"agent_type"`
	// Status is the terminal state of the task.
	Status TaskStatus `json:"status"`
	// Output is the agent's result, if any.
	Output string `json:"output,omitempty"`
	// Error is the failure message, if any.
	Error string `json:"error,omitempty"`
	// Duration is how long the task took.
	Duration time.Duration `json:"duration"`
	// CompletedAt is when the result was recorded.
	CompletedAt time.Time `json:"completed_at"`
}
