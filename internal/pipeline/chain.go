// Package pipeline provides the two composite execution engines over
// the message bus: sequential task chains and parallel fan-out/join.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conduit-orch/conduit/internal/bus"
	"github.com/conduit-orch/conduit/pkg/models"
)

// SenderChain is the system sender identity for chain steps.
const SenderChain = "system:chain"

// ErrEmptySequence indicates a chain was created with no steps.
var ErrEmptySequence = errors.New("chain requires at least one task")

// ChainOptions configures one chain execution.
type ChainOptions struct {
	// ContinueOnError keeps the chain advancing past failed steps.
	ContinueOnError bool
	// StepTimeout bounds each step; zero uses the bus default.
	StepTimeout time.Duration
}

// ChainEngine executes ordered task sequences through the bus, passing
// each step's result to the next. A chain is advanced only by its own
// execution goroutine; callers observe it through Get.
type ChainEngine struct {
	bus *bus.Bus

	mu      sync.RWMutex
	chains  map[string]*models.Chain
	cancels map[string]context.CancelFunc

	wg sync.WaitGroup
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// NewChainEngine creates a ChainEngine over the given bus.
func NewChainEngine(b *bus.Bus) *ChainEngine {
	return &ChainEngine{
		bus:      b,
		chains:   make(map[string]*models.Chain),
		cancels:  make(map[string]context.CancelFunc),
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (e *ChainEngine) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		e.debugLog = fn
	}
}

// ChainTasks creates a chain in Pending and begins asynchronous
// execution, returning the chain ID.
func (e *ChainEngine) ChainTasks(steps []models.ChainTask, opts ChainOptions) (string, error) {
	if len(steps) == 0 {
		return "", ErrEmptySequence
	}
	for i, s := range steps {
		if s.AgentID == "" {
			return "", fmt.Errorf("chain step %d: missing agent id", i)
		}
	}

	chain := &models.Chain{
		ID:              uuid.New().String(),
		Status:          models.ChainStatusPending,
		ContinueOnError: opts.ContinueOnError,
		CreatedAt:       time.Now(),
		Tasks:           make([]*models.ChainTask, len(steps)),
	}
	for i := range steps {
		step := steps[i]
		step.Status = models.TaskStatusPending
		chain.Tasks[i] = &step
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.chains[chain.ID] = chain
	e.cancels[chain.ID] = cancel
	e.mu.Unlock()

	e.bus.Emit(bus.Event{Type: bus.EventTaskChained, ChainID: chain.ID,
		Detail: fmt.Sprintf("%d steps", len(steps))})

	e.wg.Add(1)
	go e.run(ctx, chain.ID, opts)
	return chain.ID, nil
}

// Cancel requests cooperative cancellation of a running chain. The
// chain observes the request at its next step boundary, not mid-step.
func (e *ChainEngine) Cancel(chainID string) bool {
	e.mu.RLock()
	cancel, ok := e.cancels[chainID]
	e.mu.RUnlock()
	if ok {
		cancel()
	}
	return ok
}

// PurgeAgent fails the not-yet-started steps bound to an agent across
// all non-terminal chains. Called when the agent is unregistered, so
// chains fail those steps immediately instead of dispatching to a
// closed channel and running out the step timeout. Returns the number
// of steps purged.
func (e *ChainEngine) PurgeAgent(agentID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	purged := 0
	now := time.Now()
	for _, chain := range e.chains {
		if chain.Status.Terminal() {
			continue
		}
		for _, step := range chain.Tasks {
			if step.AgentID == agentID && step.Status == models.TaskStatusPending {
				step.Status = models.TaskStatusFailed
				step.Error = fmt.Sprintf("agent %s unregistered", agentID)
				step.EndedAt = &now
				purged++
			}
		}
	}
	if purged > 0 {
		e.debugLog("[chain] purged %d pending steps bound to unregistered agent %s", purged, agentID)
	}
	return purged
}

// Get returns a deep copy of the chain's current state.
func (e *ChainEngine) Get(chainID string) (*models.Chain, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	chain, ok := e.chains[chainID]
	if !ok {
		return nil, false
	}
	cp := *chain
	cp.Tasks = make([]*models.ChainTask, len(chain.Tasks))
	for i, t := range chain.Tasks {
		tc := *t
		cp.Tasks[i] = &tc
	}
	return &cp, true
}

// Wait blocks until all running chains finish. Used on shutdown.
func (e *ChainEngine) Wait() {
	e.wg.Wait()
}

// run is the chain execution loop.
func (e *ChainEngine) run(ctx context.Context, chainID string, opts ChainOptions) {
	defer e.wg.Done()

	stepTimeout := opts.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = e.bus.DefaultTimeout()
	}

	e.mu.Lock()
	chain := e.chains[chainID]
	chain.Status = models.ChainStatusRunning
	total := len(chain.Tasks)
	e.mu.Unlock()

	var prior string
	failed := false
	cancelled := false

	for i := 0; i < total; i++ {
		// Cooperative cancel, checked once per step boundary.
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		now := time.Now()
		e.mu.Lock()
		chain.CurrentIndex = i
		step := chain.Tasks[i]
		if step.Status == models.TaskStatusFailed {
			// Purged before it ran; count the failure without dispatching.
			e.mu.Unlock()
			failed = true
			if !opts.ContinueOnError {
				break
			}
			continue
		}
		step.Status = models.TaskStatusRunning
		step.StartedAt = &now
		agentID := step.AgentID
		payload := models.Payload{
			Type: models.PayloadTaskExecute,
			Task: &models.TaskRequest{
				TaskID:      fmt.Sprintf("%s#%d", chainID, i),
				Description: step.Description,
				Command:     step.Command,
				PriorResult: prior,
				ChainID:     chainID,
			},
		}
		e.mu.Unlock()

		output, err := e.executeStep(agentID, payload, stepTimeout)

		end := time.Now()
		e.mu.Lock()
		step.EndedAt = &end
		if err != nil {
			step.Status = models.TaskStatusFailed
			step.Error = err.Error()
		} else {
			step.Status = models.TaskStatusCompleted
			step.Result = output
		}
		e.mu.Unlock()

		if err != nil {
			e.debugLog("[chain] %s step %d failed: %v", chainID, i, err)
			failed = true
			if !opts.ContinueOnError {
				break
			}
			continue
		}
		prior = output
	}

	e.mu.Lock()
	completed := 0
	for _, t := range chain.Tasks {
		if t.Status == models.TaskStatusCompleted {
			completed++
		}
	}
	switch {
	case cancelled:
		chain.Status = models.ChainStatusCancelled
	case failed && !opts.ContinueOnError:
		chain.Status = models.ChainStatusFailed
	case completed == total:
		chain.Status = models.ChainStatusCompleted
	default:
		chain.Status = models.ChainStatusPartial
	}
	status := chain.Status
	e.mu.Unlock()

	e.debugLog("[chain] %s finished: %s (%d/%d steps completed)", chainID, status, completed, total)
	e.bus.Emit(bus.Event{Type: bus.EventChainCompleted, ChainID: chainID, Detail: string(status)})
}

// executeStep sends one step through the bus at HIGH priority and races
// its completion signal against the step timeout. The timer is released
// on whichever resolves first. Cancellation is not observed here; the
// chain checks its cancel flag at step boundaries only.
func (e *ChainEngine) executeStep(agentID string, payload models.Payload, timeout time.Duration) (string, error) {
	msgID, err := e.bus.Send(SenderChain, agentID, payload, &bus.SendOptions{
		Priority: models.PriorityHigh,
		Timeout:  timeout,
	})
	if err != nil {
		return "", fmt.Errorf("dispatch to %s: %w", agentID, err)
	}

	done := e.bus.Await(msgID)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res.Output, res.Err
	case <-timer.C:
		e.bus.Forget(msgID)
		return "", fmt.Errorf("step timed out after %s", timeout)
	}
}
