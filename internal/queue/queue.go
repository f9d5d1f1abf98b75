// Package queue provides the bounded priority queue set backing the
// message bus. Messages are held in four FIFO queues, one per priority,
// with admission control and priority-aware eviction under overflow.
package queue

import (
	"errors"
	"sync"

	"github.com/conduit-orch/conduit/pkg/models"
)

// ErrQueueFull indicates the queue set is at capacity and the message's
// priority is not allowed to evict lower-priority entries.
var ErrQueueFull = errors.New("queue full")

// priorities in drain order, highest first.
var drainOrder = []models.Priority{
	models.PriorityCritical,
	models.PriorityHigh,
	models.PriorityNormal,
	models.PriorityLow,
}

// evictionOrder lists victim queues lowest-priority-first.
var evictionOrder = []models.Priority{
	models.PriorityLow,
	models.PriorityNormal,
	models.PriorityHigh,
}

// DrainCaps limits how many messages one drain takes per priority.
// CRITICAL is always drained fully and has no cap.
type DrainCaps struct {
	High   int
	Normal int
	Low    int
}

// Set is a bounded set of four FIFO priority queues.
// Every queued message belongs to exactly one queue at a time.
type Set struct {
	mu     sync.Mutex
	queues map[models.Priority][]*models.Message
	max    int
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// NewSet creates a queue set with the given total capacity.
func NewSet(max int) *Set {
	if max <= 0 {
		max = 1000
	}
	return &Set{
		queues: map[models.Priority][]*models.Message{
			models.PriorityCritical: nil,
			models.PriorityHigh:     nil,
			models.PriorityNormal:   nil,
			models.PriorityLow:      nil,
		},
		max:      max,
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (s *Set) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		s.debugLog = fn
	}
}

// Admit places the message in the queue matching its priority.
//
// When the set is at capacity, CRITICAL messages may evict from LOW,
// NORMAL, then HIGH; HIGH messages may evict from LOW then NORMAL;
// NORMAL and LOW messages are rejected with ErrQueueFull. Eviction
// removes the oldest entry of the lowest-priority non-empty victim
// queue so the evicted work is the stalest. Evicted messages are
// returned so the caller can emit per-item eviction notices.
func (s *Set) Admit(msg *models.Message) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []*models.Message
	if s.lenLocked() >= s.max {
		victim := s.evictLocked(msg.Priority)
		if victim == nil {
			s.debugLog("[queue] rejecting %s message %s: full at %d", msg.Priority, msg.ID, s.max)
			return nil, ErrQueueFull
		}
		evicted = append(evicted, victim)
		s.debugLog("[queue] evicted %s message %s to admit %s message %s",
			victim.Priority, victim.ID, msg.Priority, msg.ID)
	}

	s.queues[msg.Priority] = append(s.queues[msg.Priority], msg)
	return evicted, nil
}

// evictLocked removes and returns the oldest message from the
// lowest-priority non-empty queue the admitting priority may evict from.
// Returns nil if the priority may not evict or no victim exists.
func (s *Set) evictLocked(admitting models.Priority) *models.Message {
	var victims []models.Priority
	switch admitting {
	case models.PriorityCritical:
		victims = evictionOrder
	case models.PriorityHigh:
		victims = evictionOrder[:2]
	default:
		return nil
	}

	for _, p := range victims {
		q := s.queues[p]
		if len(q) == 0 {
			continue
		}
		victim := q[0]
		s.queues[p] = q[1:]
		return victim
	}
	return nil
}

// Drain removes and returns queued messages in strict priority order:
// all CRITICAL first, then up to caps.High HIGH, caps.Normal NORMAL,
// and caps.Low LOW. FIFO order is preserved within each priority.
func (s *Set) Drain(caps DrainCaps) []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch []*models.Message
	for _, p := range drainOrder {
		limit := len(s.queues[p])
		switch p {
		case models.PriorityHigh:
			limit = min(limit, caps.High)
		case models.PriorityNormal:
			limit = min(limit, caps.Normal)
		case models.PriorityLow:
			limit = min(limit, caps.Low)
		}
		if limit == 0 {
			continue
		}
		batch = append(batch, s.queues[p][:limit]...)
		s.queues[p] = s.queues[p][limit:]
	}
	return batch
}

// Len returns the total number of queued messages across all priorities.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lenLocked()
}

// LenByPriority returns the queued count for each priority.
func (s *Set) LenByPriority() map[models.Priority]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[models.Priority]int, len(s.queues))
	for p, q := range s.queues {
		counts[p] = len(q)
	}
	return counts
}

// Capacity returns the configured total capacity.
func (s *Set) Capacity() int {
	return s.max
}

// SetCapacity updates the total capacity. Messages already queued above
// the new capacity are not evicted; admission simply stays closed until
// the set drains below it.
func (s *Set) SetCapacity(max int) {
	if max <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.max = max
}

func (s *Set) lenLocked() int {
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}
