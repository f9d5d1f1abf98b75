package bus

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/conduit-orch/conduit/internal/queue"
	"github.com/conduit-orch/conduit/internal/registry"
	"github.com/conduit-orch/conduit/pkg/models"
)

// fastOptions returns options tuned for test turnaround.
func fastOptions() Options {
	opts := DefaultOptions()
	opts.TickMin = time.Millisecond
	opts.TickMax = 5 * time.Millisecond
	opts.RetryBase = time.Millisecond
	opts.ErrBackoffCap = 20 * time.Millisecond
	return opts
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func opaque(s string) models.Payload {
	return models.Payload{Type: models.PayloadOpaque, Opaque: []byte(s)}
}

func TestSendValidatesSender(t *testing.T) {
	reg := registry.New()
	b := New(reg, fastOptions())

	if _, err := b.Send("", "a1", opaque("x"), nil); !errors.Is(err, ErrInvalidSender) {
		t.Errorf("empty sender: got %v, want ErrInvalidSender", err)
	}
	if _, err := b.Send("ghost", "a1", opaque("x"), nil); !errors.Is(err, ErrInvalidSender) {
		t.Errorf("unregistered sender: got %v, want ErrInvalidSender", err)
	}
}

func TestSendSystemSenderBypassesRegistration(t *testing.T) {
	reg := registry.New()
	reg.Register("a1", registry.AgentConfig{})
	b := New(reg, fastOptions())

	for _, from := range []string{SenderSystem, SenderOrchestrator, "system:chain"} {
		if _, err := b.Send(from, "a1", opaque("x"), nil); err != nil {
			t.Errorf("Send(from=%s) = %v, want nil", from, err)
		}
	}
}

func TestSendUnknownTarget(t *testing.T) {
	reg := registry.New()
	b := New(reg, fastOptions())

	_, err := b.Send(SenderSystem, "nobody", opaque("x"), nil)
	if !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("unknown target: got %v, want ErrUnknownTarget", err)
	}
}

func TestSendDefaults(t *testing.T) {
	reg := registry.New()
	reg.Register("a1", registry.AgentConfig{})
	opts := fastOptions()
	b := New(reg, opts)

	id, err := b.Send(SenderSystem, "a1", models.Payload{}, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty message ID")
	}

	batch := b.queues.Drain(queue.DrainCaps{High: 10, Normal: 10, Low: 10})
	if len(batch) != 1 {
		t.Fatalf("queued %d messages, want 1", len(batch))
	}
	msg := batch[0]
	if msg.Priority != models.PriorityNormal {
		t.Errorf("default priority = %v, want normal", msg.Priority)
	}
	if msg.Payload.Type != models.PayloadOpaque {
		t.Errorf("untyped payload tagged %q, want opaque fallback", msg.Payload.Type)
	}
	if msg.RetriesOriginal != opts.DefaultRetries {
		t.Errorf("retry budget = %d, want %d", msg.RetriesOriginal, opts.DefaultRetries)
	}
	if msg.Timeout != opts.DefaultTimeout {
		t.Errorf("timeout = %v, want %v", msg.Timeout, opts.DefaultTimeout)
	}
}

func TestSendDeliversThroughDispatchLoop(t *testing.T) {
	reg := registry.New()
	reg.Register("a1", registry.AgentConfig{})
	b := New(reg, fastOptions())
	b.Start()
	defer b.Stop()

	ch, _ := reg.Channel("a1")
	id, err := b.Send(SenderSystem, "a1", opaque("hello"), nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-ch:
		if msg.ID != id {
			t.Errorf("delivered %s, want %s", msg.ID, id)
		}
		if string(msg.Payload.Opaque) != "hello" {
			t.Errorf("payload = %q, want hello", msg.Payload.Opaque)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}

	waitFor(t, time.Second, func() bool { return b.Metrics().Delivered == 1 })
	snap := b.Metrics()
	if snap.Sent != 1 {
		t.Errorf("sent = %d, want 1", snap.Sent)
	}
	if snap.EMALatency <= 0 {
		t.Errorf("expected positive EMA latency, got %v", snap.EMALatency)
	}
}

func TestSendQueueFullDropsNormal(t *testing.T) {
	reg := registry.New()
	reg.Register("a1", registry.AgentConfig{})
	opts := fastOptions()
	opts.QueueCapacity = 2
	b := New(reg, opts) // not started: nothing drains

	b.Send(SenderSystem, "a1", opaque("1"), nil)
	b.Send(SenderSystem, "a1", opaque("2"), nil)

	_, err := b.Send(SenderSystem, "a1", opaque("3"), nil)
	var qerr *QueueFullError
	if !errors.As(err, &qerr) {
		t.Fatalf("overflow send: got %v, want QueueFullError", err)
	}
	if !qerr.Dropped {
		t.Error("expected Dropped=true for a NORMAL overflow")
	}
	if !errors.Is(err, queue.ErrQueueFull) {
		t.Error("expected QueueFullError to unwrap to queue.ErrQueueFull")
	}
	if got := b.Metrics().Dropped; got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestSendCriticalEvictsUnderOverflow(t *testing.T) {
	reg := registry.New()
	reg.Register("a1", registry.AgentConfig{})
	opts := fastOptions()
	opts.QueueCapacity = 2
	b := New(reg, opts)

	lowID, _ := b.Send(SenderSystem, "a1", opaque("low"), &SendOptions{Priority: models.PriorityLow})
	b.Send(SenderSystem, "a1", opaque("normal"), nil)

	lowDone := b.Await(lowID)
	id, err := b.Send(SenderSystem, "a1", opaque("crit"), &SendOptions{Priority: models.PriorityCritical})
	if err != nil {
		t.Fatalf("critical send on full queue: %v", err)
	}
	if id == "" {
		t.Fatal("expected message ID for admitted critical send")
	}

	if got := b.QueueDepth(); got != 2 {
		t.Errorf("queue depth = %d after eviction, want 2", got)
	}
	if got := b.Metrics().Evicted; got != 1 {
		t.Errorf("evicted = %d, want 1", got)
	}

	// The evicted LOW message fails its waiter immediately.
	select {
	case res := <-lowDone:
		if !errors.Is(res.Err, ErrEvicted) {
			t.Errorf("evicted waiter error = %v, want ErrEvicted", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("evicted message's waiter was never resolved")
	}
}

func TestDeliveryRetryExhaustion(t *testing.T) {
	reg := registry.New()
	// Buffer of 1 that nobody drains: first delivery fills it, the
	// message under test fails every attempt.
	reg.Register("a1", registry.AgentConfig{Buffer: 1})
	opts := fastOptions()
	b := New(reg, opts)
	b.Start()
	defer b.Stop()

	events := b.Events()
	blockerID, _ := b.Send(SenderSystem, "a1", opaque("blocker"), &SendOptions{Retries: -1})
	// Let the blocker occupy the buffer before sending the doomed message.
	waitFor(t, time.Second, func() bool { return b.Metrics().Delivered == 1 })
	id, _ := b.Send(SenderSystem, "a1", opaque("doomed"), &SendOptions{Retries: 2})
	done := b.Await(id)

	retrying := 0
	var failed bool
	deadline := time.After(5 * time.Second)
	for !failed {
		select {
		case e := <-events:
			if e.MessageID != id {
				continue
			}
			switch e.Type {
			case EventMessageRetrying:
				retrying++
			case EventMessageFailed:
				failed = true
			}
		case <-deadline:
			t.Fatalf("no permanent failure observed (retrying=%d, blocker=%s)", retrying, blockerID)
		}
	}

	// Exactly RetriesOriginal re-enqueues before the terminal failure.
	if retrying != 2 {
		t.Errorf("observed %d retry events, want 2", retrying)
	}

	select {
	case res := <-done:
		if !errors.Is(res.Err, ErrDeliveryFailed) {
			t.Errorf("waiter error = %v, want ErrDeliveryFailed", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not resolved on permanent failure")
	}
}

func TestBroadcastAll(t *testing.T) {
	reg := registry.New()
	reg.Register("a1", registry.AgentConfig{})
	reg.Register("a2", registry.AgentConfig{})
	reg.Register("a3", registry.AgentConfig{})
	b := New(reg, fastOptions())
	b.Start()
	defer b.Stop()

	res, err := b.BroadcastAll("a1", opaque("announce"), nil)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if res.Recipients != 2 {
		t.Errorf("recipients = %d, want 2 (sender excluded)", res.Recipients)
	}
	if len(res.MessageIDs) != 2 {
		t.Errorf("queued %d envelopes, want 2", len(res.MessageIDs))
	}
	if res.BroadcastID == "" {
		t.Error("expected a broadcast correlation ID")
	}

	for _, id := range []string{"a2", "a3"} {
		ch, _ := reg.Channel(id)
		select {
		case msg := <-ch:
			if msg.BroadcastID != res.BroadcastID {
				t.Errorf("envelope for %s has broadcast ID %q, want %q", id, msg.BroadcastID, res.BroadcastID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("agent %s never received the broadcast", id)
		}
	}
}

func TestSendBroadcastSentinel(t *testing.T) {
	reg := registry.New()
	reg.Register("a1", registry.AgentConfig{})
	reg.Register("a2", registry.AgentConfig{})
	b := New(reg, fastOptions())

	id, err := b.Send(SenderSystem, TargetBroadcast, opaque("all"), nil)
	if err != nil {
		t.Fatalf("broadcast sentinel send: %v", err)
	}
	if id == "" {
		t.Error("expected broadcast correlation ID from sentinel send")
	}
	if got := b.QueueDepth(); got != 2 {
		t.Errorf("queue depth = %d, want one envelope per recipient", got)
	}
}

func TestAwaitResolve(t *testing.T) {
	reg := registry.New()
	b := New(reg, fastOptions())

	done := b.Await("m1")
	if resolved := b.Resolve("m1", "output", nil); !resolved {
		t.Fatal("expected Resolve to find the waiter")
	}

	res := <-done
	if res.Output != "output" || res.Err != nil {
		t.Errorf("result = %+v, want output with nil error", res)
	}

	// A second resolve finds nothing.
	if b.Resolve("m1", "again", nil) {
		t.Error("expected one-shot waiter semantics")
	}
}

func TestResultBeforeAwaitIsRetained(t *testing.T) {
	reg := registry.New()
	reg.Register("a1", registry.AgentConfig{})
	b := New(reg, fastOptions())

	id, err := b.Send(SenderSystem, "a1", opaque("x"), nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// The agent finishes before the sender starts waiting; the result is
	// held and handed to the first Await instead of being dropped.
	if b.Resolve(id, "early", nil) {
		t.Error("expected no live waiter this early")
	}

	select {
	case res := <-b.Await(id):
		if res.Output != "early" || res.Err != nil {
			t.Errorf("result = %+v, want early output with nil error", res)
		}
	default:
		t.Fatal("result resolved before Await was lost")
	}

	// The held result is claimed exactly once.
	select {
	case res := <-b.Await(id):
		t.Errorf("second Await got %+v, want nothing", res)
	default:
	}
}

func TestForgetDiscardsWaiter(t *testing.T) {
	reg := registry.New()
	b := New(reg, fastOptions())

	b.Await("m1")
	b.Forget("m1")
	if b.waiters.size() != 0 {
		t.Errorf("waiter set size = %d after Forget, want 0", b.waiters.size())
	}

	// Forget also drops a held result, so a timed-out message cannot
	// surface a stale outcome later.
	b.Resolve("m2", "stale", nil)
	b.Forget("m2")
	select {
	case res := <-b.Await("m2"):
		t.Errorf("Await after Forget got %+v, want nothing", res)
	default:
	}
}

func TestUnclaimedResultsAreBounded(t *testing.T) {
	w := newWaiterSet()
	for i := 0; i < maxUnclaimed+10; i++ {
		w.resolve(Result{MessageID: fmt.Sprintf("m%d", i), Output: "x"})
	}
	if got := len(w.unclaimed); got != maxUnclaimed {
		t.Errorf("unclaimed size = %d, want %d", got, maxUnclaimed)
	}

	// The oldest results aged out; the newest survive.
	select {
	case res := <-w.await("m0"):
		t.Errorf("evicted result m0 still claimable: %+v", res)
	default:
	}
	select {
	case res := <-w.await(fmt.Sprintf("m%d", maxUnclaimed+9)):
		if res.Output != "x" {
			t.Errorf("newest result output = %q, want x", res.Output)
		}
	default:
		t.Error("newest unclaimed result was not retained")
	}
}
