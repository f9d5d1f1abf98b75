package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conduit-orch/conduit/internal/queue"
	"github.com/conduit-orch/conduit/internal/registry"
	"github.com/conduit-orch/conduit/pkg/models"
)

// TargetBroadcast is the recipient sentinel for broadcast fan-out.
const TargetBroadcast = "*"

// System senders bypass the registered-sender check.
const (
	SenderSystem       = "system"
	SenderOrchestrator = "orchestrator"
)

var (
	// ErrInvalidSender indicates the sender is empty or not registered.
	ErrInvalidSender = errors.New("invalid sender")
	// ErrUnknownTarget indicates the recipient could not be resolved,
	// even after a registry refresh.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrEvicted indicates a queued message was evicted before delivery.
	ErrEvicted = errors.New("message evicted under overflow")
	// ErrDeliveryFailed indicates a message exhausted its retry budget.
	ErrDeliveryFailed = errors.New("delivery failed after retries")
	// ErrNotRunning indicates the bus has not been started.
	ErrNotRunning = errors.New("bus not running")
)

// QueueFullError is the typed admission failure returned by Send.
// Dropped distinguishes an outright rejection (the caller's message was
// shed) from the evicted-to-make-room case surfaced via EventMessageEvicted.
type QueueFullError struct {
	MessageID string
	Priority  models.Priority
	Dropped   bool
}

// Error implements the error interface.
func (e *QueueFullError) Error() string {
	if e.Dropped {
		return fmt.Sprintf("queue full: %s message %s dropped", e.Priority, e.MessageID)
	}
	return fmt.Sprintf("queue full: admitted %s message %s by eviction", e.Priority, e.MessageID)
}

// Unwrap lets callers match errors.Is(err, queue.ErrQueueFull).
func (e *QueueFullError) Unwrap() error {
	return queue.ErrQueueFull
}

// Options configures a Bus.
type Options struct {
	// QueueCapacity is the total bound across all priority queues.
	QueueCapacity int
	// DefaultRetries is the retry budget for messages that do not set one.
	DefaultRetries int
	// RetryBase is the unit delay for retry backoff; attempt n waits
	// RetryBase * 2^n.
	RetryBase time.Duration
	// DefaultTimeout is the completion-wait timeout for messages that do
	// not set one.
	DefaultTimeout time.Duration
	// DrainCaps limits per-tick drains for HIGH, NORMAL and LOW.
	DrainCaps queue.DrainCaps
	// MaxDeliveries bounds concurrent deliveries within one tick.
	MaxDeliveries int
	// TickMin is the dispatch interval at queue depth >= 100.
	TickMin time.Duration
	// TickMax is the dispatch interval at queue depth 0, and the base
	// for error backoff.
	TickMax time.Duration
	// ErrBackoffCap caps the error-driven dispatch backoff.
	ErrBackoffCap time.Duration
	// StaleAfter is the inactivity window for registry sweeps.
	StaleAfter time.Duration
	// EventBuffer is the emitter channel buffer size.
	EventBuffer int
	// Archive, when set, receives delivered and failed envelopes.
	Archive Archive
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		QueueCapacity:  1000,
		DefaultRetries: 3,
		RetryBase:      100 * time.Millisecond,
		DefaultTimeout: 60 * time.Second,
		DrainCaps:      queue.DrainCaps{High: 10, Normal: 5, Low: 2},
		MaxDeliveries:  10,
		TickMin:        5 * time.Millisecond,
		TickMax:        100 * time.Millisecond,
		ErrBackoffCap:  time.Second,
		StaleAfter:     5 * time.Minute,
		EventBuffer:    256,
	}
}

// Archive receives envelopes for diagnostic history. Implementations
// must be safe for concurrent use; failures are the archive's problem.
type Archive interface {
	RecordMessage(msg *models.Message, status string, errMsg string)
}

// SendOptions carries per-message overrides for Send and BroadcastAll.
type SendOptions struct {
	// Priority overrides the default NORMAL priority.
	Priority models.Priority
	// Timeout overrides the default completion-wait timeout.
	Timeout time.Duration
	// Retries overrides the default retry budget; -1 disables retries.
	Retries int
	// RequiresAck marks the message as expecting explicit completion.
	RequiresAck bool
}

// BroadcastResult reports the outcome of a broadcast fan-out.
type BroadcastResult struct {
	// BroadcastID is the correlation ID shared by all fan-out envelopes.
	BroadcastID string
	// MessageIDs lists the successfully queued envelopes.
	MessageIDs []string
	// Recipients is the active-agent count the fan-out targeted, for the
	// caller to reconcile partial delivery.
	Recipients int
}

// Bus routes prioritized messages between registered agents.
// Delivery is asynchronous: Send returns once the message is admitted,
// and the dispatch loop drains the queues on an adaptive cadence.
type Bus struct {
	opts     Options
	registry *registry.Registry
	queues   *queue.Set
	emitter  *Emitter
	metrics  *metrics
	waiters  *waiterSet

	// capsMu protects opts.DrainCaps for live reconfiguration.
	capsMu sync.RWMutex

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a Bus over the given registry.
func New(reg *registry.Registry, opts Options) *Bus {
	def := DefaultOptions()
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = def.QueueCapacity
	}
	if opts.DefaultRetries <= 0 {
		opts.DefaultRetries = def.DefaultRetries
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = def.RetryBase
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = def.DefaultTimeout
	}
	if opts.DrainCaps == (queue.DrainCaps{}) {
		opts.DrainCaps = def.DrainCaps
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = def.MaxDeliveries
	}
	if opts.TickMin <= 0 {
		opts.TickMin = def.TickMin
	}
	if opts.TickMax <= 0 {
		opts.TickMax = def.TickMax
	}
	if opts.ErrBackoffCap <= 0 {
		opts.ErrBackoffCap = def.ErrBackoffCap
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = def.StaleAfter
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}

	return &Bus{
		opts:     opts,
		registry: reg,
		queues:   queue.NewSet(opts.QueueCapacity),
		emitter:  NewEmitter(opts.EventBuffer),
		metrics:  newMetrics(),
		waiters:  newWaiterSet(),
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function and propagates it to the
// queue set.
func (b *Bus) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn == nil {
		return
	}
	b.debugLog = fn
	b.queues.SetDebugLog(fn)
}

// Start launches the dispatch loop. It is a no-op if already running.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.running = true
	b.wg.Add(1)
	go b.loop(ctx)
}

// Stop halts the dispatch loop and waits for in-flight deliveries.
// Queued messages are left in place.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.cancel()
	b.mu.Unlock()

	b.wg.Wait()
}

// Send validates the sender and target, builds an envelope, and admits
// it to the priority queues. It returns the message ID immediately;
// delivery happens asynchronously.
//
// A broadcast sentinel target fans out via BroadcastAll and returns the
// broadcast correlation ID.
func (b *Bus) Send(from, to string, payload models.Payload, opts *SendOptions) (string, error) {
	if from == "" {
		return "", ErrInvalidSender
	}
	if !b.isSystemSender(from) {
		if _, ok := b.registry.Get(from); !ok {
			return "", fmt.Errorf("sender %s: %w", from, ErrInvalidSender)
		}
	}

	if to == TargetBroadcast {
		res, err := b.BroadcastAll(from, payload, opts)
		if err != nil {
			return "", err
		}
		return res.BroadcastID, nil
	}

	if err := b.resolveTarget(to); err != nil {
		return "", err
	}

	msg := b.newMessage(from, to, payload, opts)
	return msg.ID, b.admit(msg)
}

// BroadcastAll sweeps stale agents, then sends one individually tracked
// envelope to every active agent except the sender, all tagged with a
// shared broadcast correlation ID. Individual admission failures are
// logged and skipped; the broadcast itself still succeeds.
func (b *Bus) BroadcastAll(from string, payload models.Payload, opts *SendOptions) (*BroadcastResult, error) {
	if from == "" {
		return nil, ErrInvalidSender
	}
	if !b.isSystemSender(from) {
		if _, ok := b.registry.Get(from); !ok {
			return nil, fmt.Errorf("sender %s: %w", from, ErrInvalidSender)
		}
	}

	// Refresh liveness before computing the recipient set.
	if swept := b.registry.Sweep(b.opts.StaleAfter); len(swept) > 0 {
		b.debugLog("[bus] broadcast sweep removed %d stale agents: %v", len(swept), swept)
	}

	recipients := b.registry.Active(from)
	result := &BroadcastResult{
		BroadcastID: uuid.New().String(),
		Recipients:  len(recipients),
	}

	for _, agent := range recipients {
		msg := b.newMessage(from, agent.ID, payload, opts)
		msg.BroadcastID = result.BroadcastID
		if err := b.admit(msg); err != nil {
			b.debugLog("[bus] broadcast %s: skipping %s: %v", result.BroadcastID, agent.ID, err)
			continue
		}
		result.MessageIDs = append(result.MessageIDs, msg.ID)
	}

	b.debugLog("[bus] broadcast %s queued %d/%d envelopes",
		result.BroadcastID, len(result.MessageIDs), result.Recipients)
	return result, nil
}

// Await returns the one-shot completion channel for a message.
func (b *Bus) Await(msgID string) <-chan Result {
	return b.waiters.await(msgID)
}

// Resolve reports a message's outcome, waking its waiter if one exists.
// Agents call this after processing a delivered message.
func (b *Bus) Resolve(msgID, output string, err error) bool {
	return b.waiters.resolve(Result{MessageID: msgID, Output: output, Err: err})
}

// Forget discards a message's waiter without resolving it.
func (b *Bus) Forget(msgID string) {
	b.waiters.forget(msgID)
}

// Emit publishes an event on the bus's event channel. Used by the chain
// and parallel engines for their terminal events.
func (b *Bus) Emit(e Event) {
	b.emitter.Emit(e)
}

// Events returns the bus event channel.
func (b *Bus) Events() <-chan Event {
	return b.emitter.Events()
}

// Metrics returns a snapshot of the bus metrics.
func (b *Bus) Metrics() MetricsSnapshot {
	return b.metrics.snapshot()
}

// QueueDepth returns the current total queue depth.
func (b *Bus) QueueDepth() int {
	return b.queues.Len()
}

// QueueDepths returns per-priority queue depths.
func (b *Bus) QueueDepths() map[models.Priority]int {
	return b.queues.LenByPriority()
}

// DefaultTimeout returns the bus's default completion-wait timeout.
func (b *Bus) DefaultTimeout() time.Duration {
	return b.opts.DefaultTimeout
}

// SetDrainCaps updates the per-tick drain caps. Safe to call while the
// dispatch loop is running.
func (b *Bus) SetDrainCaps(caps queue.DrainCaps) {
	b.capsMu.Lock()
	defer b.capsMu.Unlock()
	b.opts.DrainCaps = caps
}

// SetQueueCapacity updates the total queue bound.
func (b *Bus) SetQueueCapacity(max int) {
	b.queues.SetCapacity(max)
}

// drainCaps returns a copy of the current drain caps.
func (b *Bus) drainCaps() queue.DrainCaps {
	b.capsMu.RLock()
	defer b.capsMu.RUnlock()
	return b.opts.DrainCaps
}

// failEvicted accounts for messages displaced by an admission: metric,
// event, waiter, archive. The victims will never be delivered; their
// waiters are failed now so callers do not run out the full timeout.
func (b *Bus) failEvicted(victims []*models.Message, detail string) {
	for _, victim := range victims {
		b.metrics.recordEvicted()
		b.emitter.Emit(Event{
			Type:      EventMessageEvicted,
			MessageID: victim.ID,
			AgentID:   victim.To,
			Detail:    detail,
		})
		b.waiters.resolve(Result{MessageID: victim.ID, Err: ErrEvicted})
		if b.opts.Archive != nil {
			b.opts.Archive.RecordMessage(victim, "evicted", ErrEvicted.Error())
		}
	}
}

// readmit returns a drained message to the queues, on retry or when a
// tick is cut short by shutdown. Unlike first admission the send is not
// recounted; a rejection here is a permanent failure, and displaced
// victims get the usual eviction accounting.
func (b *Bus) readmit(msg *models.Message) {
	evicted, err := b.queues.Admit(msg)
	if err != nil {
		b.failPermanently(msg, err)
		return
	}
	b.failEvicted(evicted, fmt.Sprintf("evicted by requeued message %s", msg.ID))
}

// isSystemSender reports whether the sender bypasses registration.
func (b *Bus) isSystemSender(from string) bool {
	return from == SenderSystem || from == SenderOrchestrator ||
		strings.HasPrefix(from, SenderSystem+":")
}

// resolveTarget checks the recipient exists, refreshing the registry
// (one liveness sweep and re-read) before failing hard. The re-read is
// deliberate: the sweep spans a lock boundary, so the first snapshot may
// be stale.
func (b *Bus) resolveTarget(to string) error {
	if to == "" {
		return ErrUnknownTarget
	}
	if _, ok := b.registry.Get(to); ok {
		return nil
	}

	b.registry.Sweep(b.opts.StaleAfter)
	if _, ok := b.registry.Get(to); ok {
		return nil
	}
	return fmt.Errorf("target %s: %w", to, ErrUnknownTarget)
}

// newMessage is the single envelope constructor used by direct sends,
// broadcasts and retries, so every path shares the same defaults.
func (b *Bus) newMessage(from, to string, payload models.Payload, opts *SendOptions) *models.Message {
	if opts == nil {
		opts = &SendOptions{}
	}

	priority := opts.Priority
	if !priority.Valid() {
		priority = models.PriorityNormal
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.opts.DefaultTimeout
	}
	retries := opts.Retries
	switch {
	case retries < 0:
		retries = 0
	case retries == 0:
		retries = b.opts.DefaultRetries
	}
	if !payload.Type.Valid() {
		payload.Type = models.PayloadOpaque
	}

	return &models.Message{
		ID:               uuid.New().String(),
		From:             from,
		To:               to,
		CreatedAt:        time.Now(),
		Priority:         priority,
		Payload:          payload,
		RequiresAck:      opts.RequiresAck,
		Timeout:          timeout,
		RetriesRemaining: retries,
		RetriesOriginal:  retries,
		SizeBytes:        payload.Size(),
	}
}

// admit runs admission control for one envelope: enqueue, or evict
// lower-priority work to make room, or reject with a typed error.
func (b *Bus) admit(msg *models.Message) error {
	evicted, err := b.queues.Admit(msg)
	if err != nil {
		b.metrics.recordDropped()
		b.emitter.Emit(Event{
			Type:      EventQueueFull,
			MessageID: msg.ID,
			AgentID:   msg.To,
			Err:       err,
		})
		return &QueueFullError{MessageID: msg.ID, Priority: msg.Priority, Dropped: true}
	}

	b.failEvicted(evicted, fmt.Sprintf("evicted for %s message %s", msg.Priority, msg.ID))

	b.metrics.recordSent()
	b.metrics.observeDepth(b.queues.Len())
	b.emitter.Emit(Event{Type: EventMessageSent, MessageID: msg.ID, AgentID: msg.To})
	return nil
}
