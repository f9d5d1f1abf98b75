package bus

import (
	"sync"
)

// Result is the outcome of a message's execution, reported by the
// receiving agent through Resolve.
type Result struct {
	// MessageID is the message the result belongs to.
	MessageID string
	// Output is the agent's result, if any.
	Output string
	// Err is the failure, if any.
	Err error
}

// maxUnclaimed bounds results held for messages nobody has awaited yet.
// Unclaimed results age out oldest-first, so fire-and-forget traffic
// cannot grow the set without bound.
const maxUnclaimed = 128

// waiterSet tracks one-shot completion signals keyed by message ID.
// Each channel is buffered so Resolve never blocks on an absent reader.
// A result arriving before anyone awaits the message is held in the
// unclaimed set and handed to the first Await, so a fast agent cannot
// race the sender out of its result.
type waiterSet struct {
	mu      sync.Mutex
	waiters map[string]chan Result

	unclaimed map[string]Result
	// order lists unclaimed IDs oldest-first for eviction; it may hold
	// IDs already claimed, which eviction skips over.
	order []string
}

func newWaiterSet() *waiterSet {
	return &waiterSet{
		waiters:   make(map[string]chan Result),
		unclaimed: make(map[string]Result),
	}
}

// await returns the completion channel for a message, creating it if
// needed. The channel receives exactly one Result. A result resolved
// before this call is delivered immediately.
func (w *waiterSet) await(msgID string) <-chan Result {
	w.mu.Lock()
	defer w.mu.Unlock()

	if res, ok := w.unclaimed[msgID]; ok {
		delete(w.unclaimed, msgID)
		ch := make(chan Result, 1)
		ch <- res
		return ch
	}

	ch, ok := w.waiters[msgID]
	if !ok {
		ch = make(chan Result, 1)
		w.waiters[msgID] = ch
	}
	return ch
}

// resolve delivers the result to the message's waiter, if any, and
// removes it. With no waiter registered the result is held for a later
// Await and resolve returns false.
func (w *waiterSet) resolve(res Result) bool {
	w.mu.Lock()
	ch, ok := w.waiters[res.MessageID]
	if ok {
		delete(w.waiters, res.MessageID)
	} else if _, dup := w.unclaimed[res.MessageID]; !dup {
		w.unclaimed[res.MessageID] = res
		w.order = append(w.order, res.MessageID)
		for len(w.unclaimed) > maxUnclaimed && len(w.order) > 0 {
			delete(w.unclaimed, w.order[0])
			w.order = w.order[1:]
		}
		if len(w.order) > 2*maxUnclaimed {
			w.order = w.compactOrderLocked()
		}
	}
	w.mu.Unlock()

	if !ok {
		return false
	}
	ch <- res
	return true
}

// compactOrderLocked drops claimed IDs from the eviction order.
func (w *waiterSet) compactOrderLocked() []string {
	kept := w.order[:0]
	for _, id := range w.order {
		if _, ok := w.unclaimed[id]; ok {
			kept = append(kept, id)
		}
	}
	return kept
}

// forget discards a waiter without resolving it, along with any held
// result. Callers use this after a timeout so abandoned channels do
// not accumulate.
func (w *waiterSet) forget(msgID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.waiters, msgID)
	delete(w.unclaimed, msgID)
}

// size returns the number of outstanding waiters.
func (w *waiterSet) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters)
}
