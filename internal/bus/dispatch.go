package bus

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conduit-orch/conduit/pkg/models"
)

// loop is the adaptive dispatch loop. The tick interval shrinks as the
// queues fill and widens exponentially on repeated processing errors.
func (b *Bus) loop(ctx context.Context) {
	defer b.wg.Done()

	errStreak := 0
	for {
		interval := b.nextInterval(errStreak)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		delivered, failed := b.dispatchTick(ctx)
		if failed > 0 && delivered == 0 {
			errStreak++
			b.debugLog("[bus] tick failed all %d deliveries, error streak %d", failed, errStreak)
		} else {
			errStreak = 0
		}
	}
}

// nextInterval computes the next dispatch delay. At depth 0 the loop
// idles at TickMax; by depth 100 it runs at TickMin. An error streak
// overrides the depth-based cadence with exponential backoff capped at
// ErrBackoffCap.
func (b *Bus) nextInterval(errStreak int) time.Duration {
	if errStreak > 0 {
		backoff := b.opts.TickMax << uint(errStreak)
		if backoff > b.opts.ErrBackoffCap || backoff <= 0 {
			backoff = b.opts.ErrBackoffCap
		}
		return backoff
	}

	depth := b.queues.Len()
	switch {
	case depth <= 0:
		return b.opts.TickMax
	case depth >= 100:
		return b.opts.TickMin
	}
	span := b.opts.TickMax - b.opts.TickMin
	return b.opts.TickMax - span*time.Duration(depth)/100
}

// dispatchTick drains one priority-weighted batch and delivers it with
// bounded concurrency. Returns the delivered and failed counts.
func (b *Bus) dispatchTick(ctx context.Context) (delivered, failed int) {
	batch := b.queues.Drain(b.drainCaps())
	if len(batch) == 0 {
		return 0, 0
	}
	b.metrics.recordBatch(len(batch))

	results := make([]bool, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.MaxDeliveries)
	for i, msg := range batch {
		i, msg := i, msg
		g.Go(func() error {
			if gctx.Err() != nil {
				// Shutting down mid-batch; put the message back.
				b.readmit(msg)
				return nil
			}
			results[i] = b.deliver(msg)
			return nil
		})
	}
	g.Wait()

	for _, ok := range results {
		if ok {
			delivered++
		} else {
			failed++
		}
	}
	return delivered, failed
}

// retryDelay returns the backoff before re-enqueueing delivery attempt
// n, doubling from RetryBase with each consumed retry.
func (b *Bus) retryDelay(attempt int) time.Duration {
	return b.opts.RetryBase << uint(attempt)
}

// deliver hands one message to its agent channel. A failed delivery
// consumes one retry and re-enqueues at its original priority after
// exponential backoff; an exhausted budget is a permanent failure.
func (b *Bus) deliver(msg *models.Message) bool {
	err := b.registry.Deliver(msg.To, msg)
	if err == nil {
		latency := time.Since(msg.CreatedAt)
		b.metrics.recordDelivered(latency)
		b.emitter.Emit(Event{Type: EventMessageDelivered, MessageID: msg.ID, AgentID: msg.To})
		if b.opts.Archive != nil {
			b.opts.Archive.RecordMessage(msg, "delivered", "")
		}
		return true
	}

	if msg.RetriesRemaining > 0 {
		msg.RetriesRemaining--
		attempt := msg.RetriesOriginal - msg.RetriesRemaining
		delay := b.retryDelay(attempt)
		msg.NotBefore = time.Now().Add(delay)
		b.debugLog("[bus] delivery of %s to %s failed (%v), retry %d/%d in %s",
			msg.ID, msg.To, err, attempt, msg.RetriesOriginal, delay)
		b.emitter.Emit(Event{
			Type:      EventMessageRetrying,
			MessageID: msg.ID,
			AgentID:   msg.To,
			Err:       err,
		})
		time.AfterFunc(delay, func() {
			b.readmit(msg)
		})
		return false
	}

	b.failPermanently(msg, err)
	return false
}

// failPermanently drops a message after its retry budget is spent and
// surfaces the failure through the event channel, the metrics, and the
// message's waiter.
func (b *Bus) failPermanently(msg *models.Message, err error) {
	b.metrics.recordDropped()
	b.registry.MarkError(msg.To)
	b.debugLog("[bus] message %s to %s failed permanently: %v", msg.ID, msg.To, err)
	b.emitter.Emit(Event{
		Type:      EventMessageFailed,
		MessageID: msg.ID,
		AgentID:   msg.To,
		Err:       err,
	})
	b.waiters.resolve(Result{MessageID: msg.ID, Err: ErrDeliveryFailed})
	if b.opts.Archive != nil {
		b.opts.Archive.RecordMessage(msg, "failed", err.Error())
	}
}
