// Package models defines the shared data types for the conduit messaging
// and orchestration core.
package models

import "time"

// Priority is the delivery priority of a message.
// Higher values are drained first.
type Priority int

const (
	// PriorityLow is background work, first to be shed under load.
	// The Priority zero value is deliberately not a valid priority so
	// unset option fields can fall back to PriorityNormal.
	PriorityLow Priority = iota + 1
	// PriorityNormal is the default priority for direct sends.
	PriorityNormal
	// PriorityHigh is used for chain steps and other latency-sensitive work.
	PriorityHigh
	// PriorityCritical is never evicted and drained before everything else.
	PriorityCritical
)

// priorityNames maps priorities to their wire names.
var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

// String returns the wire name of the priority.
func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "unknown"
}

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority converts a wire name into a Priority.
// Unknown names fall back to PriorityNormal.
func ParsePriority(s string) Priority {
	for p, name := range priorityNames {
		if name == s {
			return p
		}
	}
	return PriorityNormal
}

// PayloadType tags the variant carried by a message payload.
type PayloadType string

const (
	// PayloadTaskExecute carries a task for an agent to execute.
	PayloadTaskExecute PayloadType = "task_execute"
	// PayloadEvent carries an event notification between agents.
	PayloadEvent PayloadType = "event"
	// PayloadBroadcast carries a broadcast announcement.
	PayloadBroadcast PayloadType = "broadcast"
	// PayloadOpaque carries collaborator-defined content the bus does not inspect.
	PayloadOpaque PayloadType = "opaque"
)

// Valid returns true if the payload type is a known value.
func (t PayloadType) Valid() bool {
	switch t {
	case PayloadTaskExecute, PayloadEvent, PayloadBroadcast, PayloadOpaque:
		return true
	default:
		return false
	}
}

// Payload is a closed set of message payload variants.
// Exactly one of the variant fields is meaningful for a given Type;
// Opaque is the fallback for collaborator-defined content.
type Payload struct {
	// Type selects the variant.
	Type PayloadType `json:"type"`
	// Task is set when Type is PayloadTaskExecute.
	Task *TaskRequest `json:"task,omitempty"`
	// Event is set when Type is PayloadEvent or PayloadBroadcast.
	Event *EventNotice `json:"event,omitempty"`
	// Opaque is set when Type is PayloadOpaque.
	Opaque []byte `json:"opaque,omitempty"`
}

// TaskRequest is the task-execute payload variant.
type TaskRequest struct {
	// TaskID is the orchestrator-level task this request belongs to.
	TaskID string `json:"task_id"`
	// Description tells the agent what to do.
	Description string `json:"description"`
	// Command is an optional executable form of the work.
	Command string `json:"command,omitempty"`
	// PriorResult carries the previous chain step's result, if any.
	PriorResult string `json:"prior_result,omitempty"`
	// ChainID is set when this request is a chain step.
	ChainID string `json:"chain_id,omitempty"`
	// ExecutionID is set when this request is part of a parallel execution.
	ExecutionID string `json:"execution_id,omitempty"`
}

// EventNotice is the event-notification payload variant.
type EventNotice struct {
	// Name identifies the event.
	Name string `json:"name"`
	// Detail is free-form context for the event.
	Detail string `json:"detail,omitempty"`
}

// Size returns an approximate payload size in bytes, used for envelope
// accounting. It is not an exact wire size.
func (p Payload) Size() int {
	n := len(p.Type)
	if p.Task != nil {
		n += len(p.Task.TaskID) + len(p.Task.Description) + len(p.Task.Command) + len(p.Task.PriorResult)
	}
	if p.Event != nil {
		n += len(p.Event.Name) + len(p.Event.Detail)
	}
	n += len(p.Opaque)
	return n
}

// Message is a routed, prioritized unit of delivery between agents.
// All fields except RetriesRemaining and NotBefore are immutable after
// construction.
type Message struct {
	// ID is the unique identifier for this message.
	ID string `json:"id"`
	// From is the sender agent ID (or a system sender).
	From string `json:"from"`
	// To is the recipient agent ID.
	To string `json:"to"`
	// CreatedAt is when the message was built.
	CreatedAt time.Time `json:"created_at"`
	// Priority determines queue placement and eviction eligibility.
	Priority Priority `json:"priority"`
	// Payload is the tagged message content.
	Payload Payload `json:"payload"`
	// RequiresAck indicates the sender expects an explicit completion.
	RequiresAck bool `json:"requires_ack,omitempty"`
	// Timeout bounds how long a caller should wait on completion.
	Timeout time.Duration `json:"timeout,omitempty"`
	// RetriesRemaining counts down on each failed delivery.
	RetriesRemaining int `json:"retries_remaining"`
	// RetriesOriginal is the configured retry budget.
	RetriesOriginal int `json:"retries_original"`
	// SizeBytes is the approximate payload size.
	SizeBytes int `json:"size_bytes"`
	// BroadcastID correlates the per-recipient envelopes of one broadcast.
	BroadcastID string `json:"broadcast_id,omitempty"`
	// NotBefore delays re-delivery after a failed attempt.
	NotBefore time.Time `json:"not_before,omitempty"`
}
