// Package bus implements the prioritized message bus between agents:
// envelope construction, admission control, the adaptive dispatch loop,
// retry with backoff, broadcast fan-out, and delivery metrics.
package bus

import (
	"time"
)

// EventType represents the type of bus event.
type EventType string

const (
	// EventMessageSent indicates a message was admitted to the queues.
	EventMessageSent EventType = "message.sent"
	// EventMessageDelivered indicates a message reached its agent channel.
	EventMessageDelivered EventType = "message.delivered"
	// EventMessageRetrying indicates a delivery failed and will be retried.
	EventMessageRetrying EventType = "message.retrying"
	// EventMessageFailed indicates a message exhausted its retry budget.
	EventMessageFailed EventType = "message.failed"
	// EventMessageEvicted indicates a queued message was evicted to make
	// room for higher-priority work.
	EventMessageEvicted EventType = "message.evicted"
	// EventQueueFull indicates an admission was rejected outright.
	EventQueueFull EventType = "queue.full"
	// EventChainCompleted indicates a task chain reached a terminal state.
	EventChainCompleted EventType = "chain.completed"
	// EventTaskChained indicates a chain was created and started.
	EventTaskChained EventType = "task.chained"
	// EventParallelCompleted indicates a parallel execution joined.
	EventParallelCompleted EventType = "parallel.completed"
	// EventAgentRegistered indicates an agent joined the registry.
	EventAgentRegistered EventType = "agent.registered"
	// EventAgentUnregistered indicates an agent left the registry.
	EventAgentUnregistered EventType = "agent.unregistered"
	// EventAgentError indicates an agent's task ended in an error.
	EventAgentError EventType = "agent.error"
)

// Event represents an observable bus side effect.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// MessageID is the ID of the related message, if applicable.
	MessageID string
	// AgentID is the ID of the related agent, if applicable.
	AgentID string
	// ChainID is the ID of the related chain or parallel execution.
	ChainID string
	// Detail provides additional context about the event.
	Detail string
	// Err contains error details for failure events.
	Err error
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
