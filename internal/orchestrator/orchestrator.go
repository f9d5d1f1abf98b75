package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/conduit-orch/conduit/internal/agent"
	"github.com/conduit-orch/conduit/internal/bus"
	"github.com/conduit-orch/conduit/internal/graph"
	"github.com/conduit-orch/conduit/internal/pipeline"
	"github.com/conduit-orch/conduit/internal/registry"
	"github.com/conduit-orch/conduit/pkg/models"
)

const (
	// maxTaskRetries caps opt-in task retries.
	maxTaskRetries = 3
	// maxErrorHistory bounds the retained error log.
	maxErrorHistory = 50
	// completionAlpha is the EMA smoothing factor for completion time.
	completionAlpha = 0.1
)

var (
	// ErrNoAgents indicates no active agent could take the task.
	ErrNoAgents = errors.New("no active agents available")
	// ErrDuplicateTask indicates the task ID was already submitted.
	ErrDuplicateTask = errors.New("task already submitted")
	// ErrStopped indicates the orchestrator is shut down.
	ErrStopped = errors.New("orchestrator stopped")
)

// TaskError is one entry in the bounded error history.
type TaskError struct {
	TaskID  string
	AgentID string
	Err     string
	At      time.Time
}

// Status is a point-in-time snapshot of orchestrator state.
type Status struct {
	// Active is the number of occupied agent execution slots.
	Active int
	// Queued is the number of ready tasks waiting for a free slot.
	Queued int
	// Pending is the number of tasks parked on unmet dependencies.
	Pending int
	// Completed is the number of tasks finished successfully.
	Completed int
	// Failed is the number of tasks that failed permanently.
	Failed int
	// Agents is the number of registered agents.
	Agents int
	// EMACompletionTime is the smoothed task completion time.
	EMACompletionTime time.Duration
	// Metrics is the bus's delivery metrics snapshot.
	Metrics bus.MetricsSnapshot
}

// activeSlot tracks one occupied execution slot.
type activeSlot struct {
	task      *models.Task
	agentID   string
	agentType string
	startedAt time.Time
}

// Orchestrator owns a bounded pool of agent execution slots, parks
// tasks on unmet dependencies, drains an overflow queue as slots free,
// and aggregates results. It fronts the bus, the chain engine, and the
// parallel executor behind one facade.
type Orchestrator struct {
	bus      *bus.Bus
	registry *registry.Registry
	graph    *graph.Graph
	chains   *pipeline.ChainEngine
	parallel *pipeline.ParallelExecutor
	selector *TypeSelector
	logger   *DebugLogger
	archive  TaskArchive

	retryDelay time.Duration

	mu            sync.Mutex
	maxConcurrent int
	running       map[string]*activeSlot
	overflow      []*models.Task
	pending       map[string]*models.Task
	completed     map[string]*models.TaskResult
	failed        map[string]*models.TaskResult
	submitted     map[string]bool
	errorHistory  []TaskError
	emaCompletion time.Duration
	workerCancel  map[string]context.CancelFunc
	stopped       bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates an Orchestrator over the given bus and registry.
// The bus must be started separately (or via Start).
func New(b *bus.Bus, reg *registry.Registry, opts ...Option) *Orchestrator {
	options := orchestratorOptions{
		maxConcurrent: 5,
		retryDelay:    time.Second,
		logger:        NopLogger(),
		selector:      NewTypeSelector(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.maxConcurrent < 1 {
		options.maxConcurrent = 1
	}
	if options.retryDelay <= 0 {
		options.retryDelay = time.Second
	}

	setPackageLogger(options.logger)

	g := graph.New()
	g.SetDebugLog(debugLog)
	b.SetDebugLog(debugLog)

	chains := pipeline.NewChainEngine(b)
	chains.SetDebugLog(debugLog)
	par := pipeline.NewParallelExecutor(b)
	par.SetDebugLog(debugLog)

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		bus:           b,
		registry:      reg,
		graph:         g,
		chains:        chains,
		parallel:      par,
		selector:      options.selector,
		logger:        options.logger,
		archive:       options.archive,
		retryDelay:    options.retryDelay,
		maxConcurrent: options.maxConcurrent,
		running:       make(map[string]*activeSlot),
		pending:       make(map[string]*models.Task),
		completed:     make(map[string]*models.TaskResult),
		failed:        make(map[string]*models.TaskResult),
		submitted:     make(map[string]bool),
		workerCancel:  make(map[string]context.CancelFunc),
		rootCtx:       ctx,
		rootCancel:    cancel,
	}
}

// Start starts the underlying bus dispatch loop.
func (o *Orchestrator) Start() {
	o.bus.Start()
	debugLog("[orch] started, maxConcurrent=%d", o.maxConcurrent)
}

// Stop shuts the orchestrator down: running chains finish, workers are
// cancelled, the bus dispatch loop stops, and in-flight result waiters
// unwind. Parked and queued tasks are abandoned.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopped = true
	for _, cancel := range o.workerCancel {
		cancel()
	}
	o.mu.Unlock()

	o.chains.Wait()
	o.rootCancel()
	o.wg.Wait()
	o.bus.Stop()
	debugLog("[orch] stopped")
}

// RegisterAgent registers an agent with the given capabilities and
// spawns a worker goroutine running the handler. Registering the same
// ID twice updates the registry entry without spawning a second worker.
func (o *Orchestrator) RegisterAgent(id string, capabilities []string, handler agent.Handler) error {
	if err := o.registry.Register(id, registry.AgentConfig{Capabilities: capabilities}); err != nil {
		return err
	}

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrStopped
	}
	if _, exists := o.workerCancel[id]; exists {
		o.mu.Unlock()
		debugLog("[orch] agent %s re-registered, worker kept", id)
		return nil
	}

	ch, err := o.registry.Channel(id)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	w, err := agent.NewWorker(id, ch, handler, o.bus, o.registry)
	if err != nil {
		o.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(o.rootCtx)
	o.workerCancel[id] = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		w.Run(ctx)
	}()

	o.bus.Emit(bus.Event{Type: bus.EventAgentRegistered, AgentID: id})
	debugLog("[orch] agent %s registered with capabilities %v", id, capabilities)
	return nil
}

// UnregisterAgent removes an agent and stops its worker. Returns false
// if the agent was not registered.
func (o *Orchestrator) UnregisterAgent(id string) bool {
	o.mu.Lock()
	if cancel, ok := o.workerCancel[id]; ok {
		cancel()
		delete(o.workerCancel, id)
	}
	o.mu.Unlock()

	removed := o.registry.Unregister(id)
	if removed {
		if purged := o.chains.PurgeAgent(id); purged > 0 {
			debugLog("[orch] purged %d chain steps bound to %s", purged, id)
		}
		o.bus.Emit(bus.Event{Type: bus.EventAgentUnregistered, AgentID: id})
		debugLog("[orch] agent %s unregistered", id)
	}
	return removed
}

// DistributeTask submits a task with optional dependency IDs. It
// returns the assigned agent ID when the task is dispatched
// immediately, or an empty string when the task is parked on unmet
// dependencies or queued for a free slot. Each task ID may be
// submitted at most once.
func (o *Orchestrator) DistributeTask(task *models.Task, dependencies []string) (string, error) {
	if task == nil || task.ID == "" {
		return "", errors.New("task with a non-empty ID required")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		return "", ErrStopped
	}
	if o.submitted[task.ID] {
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	o.submitted[task.ID] = true
	task.Status = models.TaskStatusPending
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	task.DependsOn = append([]string{}, dependencies...)
	o.graph.Add(task.ID, dependencies)

	if unmet := o.graph.Unmet(task.ID); len(unmet) > 0 {
		o.pending[task.ID] = task
		debugLog("[orch] task %s parked on %v", task.ID, unmet)
		return "", nil
	}

	if len(o.running) >= o.maxConcurrent {
		o.overflow = append(o.overflow, task)
		debugLog("[orch] task %s queued, pool full (%d/%d)", task.ID, len(o.running), o.maxConcurrent)
		return "", nil
	}

	return o.launchLocked(task)
}

// launchLocked assigns an agent, occupies a slot, and sends the task
// through the bus. Caller holds o.mu.
func (o *Orchestrator) launchLocked(task *models.Task) (string, error) {
	agentType := o.selector.Select(task)
	agentID, err := o.pickAgentLocked(agentType)
	if err != nil {
		return "", err
	}

	started := time.Now()
	task.Status = models.TaskStatusRunning
	o.running[task.ID] = &activeSlot{
		task:      task,
		agentID:   agentID,
		agentType: agentType,
		startedAt: started,
	}

	payload := models.Payload{
		Type: models.PayloadTaskExecute,
		Task: &models.TaskRequest{
			TaskID:      task.ID,
			Description: task.Description,
			Command:     task.Command,
		},
	}
	msgID, err := o.bus.Send(bus.SenderOrchestrator, agentID, payload, &bus.SendOptions{
		Priority: task.Priority,
		Timeout:  task.Timeout,
	})
	if err != nil {
		delete(o.running, task.ID)
		task.Status = models.TaskStatusPending
		return "", fmt.Errorf("dispatch task %s: %w", task.ID, err)
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = o.bus.DefaultTimeout()
	}

	o.wg.Add(1)
	go o.awaitResult(task, agentID, agentType, msgID, started, timeout)

	debugLog("[orch] task %s dispatched to %s (%s)", task.ID, agentID, agentType)
	return agentID, nil
}

// pickAgentLocked chooses the least-loaded active agent advertising the
// capability, falling back to any active agent. Ties break by ID order
// so selection is deterministic. Caller holds o.mu.
func (o *Orchestrator) pickAgentLocked(agentType string) (string, error) {
	active := o.registry.Active("")
	if len(active) == 0 {
		return "", ErrNoAgents
	}

	load := make(map[string]int, len(active))
	for _, slot := range o.running {
		load[slot.agentID]++
	}

	var candidates []string
	for _, a := range active {
		if a.HasCapability(agentType) {
			candidates = append(candidates, a.ID)
		}
	}
	if len(candidates) == 0 {
		for _, a := range active {
			candidates = append(candidates, a.ID)
		}
	}
	sort.Strings(candidates)

	best := candidates[0]
	for _, id := range candidates[1:] {
		if load[id] < load[best] {
			best = id
		}
	}
	return best, nil
}

// awaitResult waits for the task's completion signal, racing the task
// timeout, and routes the outcome to the completion or error path.
func (o *Orchestrator) awaitResult(task *models.Task, agentID, agentType, msgID string, started time.Time, timeout time.Duration) {
	defer o.wg.Done()

	done := o.bus.Await(msgID)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.Err != nil {
			o.handleError(task, agentID, agentType, started, res.Err)
		} else {
			o.handleCompletion(task, agentID, agentType, started, res.Output)
		}
	case <-timer.C:
		o.bus.Forget(msgID)
		o.handleError(task, agentID, agentType, started, fmt.Errorf("task timed out after %s", timeout))
	case <-o.rootCtx.Done():
		o.bus.Forget(msgID)
	}
}

// handleCompletion records the result, marks the dependency graph,
// releases the slot, and promotes waiting work.
func (o *Orchestrator) handleCompletion(task *models.Task, agentID, agentType string, started time.Time, output string) {
	duration := time.Since(started)
	now := time.Now()

	o.mu.Lock()
	delete(o.running, task.ID)
	task.Status = models.TaskStatusCompleted

	// Completed entries are append-only; the first result wins.
	var result *models.TaskResult
	if _, exists := o.completed[task.ID]; !exists {
		result = &models.TaskResult{
			TaskID:      task.ID,
			AgentID:     agentID,
			AgentType:   agentType,
			Status:      models.TaskStatusCompleted,
			Output:      output,
			Duration:    duration,
			CompletedAt: now,
		}
		o.completed[task.ID] = result
		o.graph.MarkComplete(task.ID)
	}

	if o.emaCompletion == 0 {
		o.emaCompletion = duration
	} else {
		o.emaCompletion = time.Duration(
			completionAlpha*float64(duration) + (1-completionAlpha)*float64(o.emaCompletion))
	}

	o.promoteLocked(task.ID)
	o.mu.Unlock()

	if result != nil && o.archive != nil {
		o.archive.RecordTask(result)
	}
	debugLog("[orch] task %s completed by %s in %s", task.ID, agentID, duration)
}

// handleError appends to the bounded error history, retries the task
// if it opted in, and otherwise records a permanent failure. The freed
// slot promotes waiting work either way. A failed task never unblocks
// its dependents.
func (o *Orchestrator) handleError(task *models.Task, agentID, agentType string, started time.Time, taskErr error) {
	now := time.Now()

	o.mu.Lock()
	delete(o.running, task.ID)

	o.errorHistory = append(o.errorHistory, TaskError{
		TaskID:  task.ID,
		AgentID: agentID,
		Err:     taskErr.Error(),
		At:      now,
	})
	if len(o.errorHistory) > maxErrorHistory {
		o.errorHistory = o.errorHistory[len(o.errorHistory)-maxErrorHistory:]
	}

	var result *models.TaskResult
	if task.RetryOnError && task.RetryCount < maxTaskRetries {
		task.RetryCount++
		task.Status = models.TaskStatusPending
		delay := time.Duration(task.RetryCount) * o.retryDelay
		debugLog("[orch] task %s failed (%v), retry %d/%d in %s",
			task.ID, taskErr, task.RetryCount, maxTaskRetries, delay)
		time.AfterFunc(delay, func() { o.resubmit(task) })
	} else {
		task.Status = models.TaskStatusFailed
		result = &models.TaskResult{
			TaskID:      task.ID,
			AgentID:     agentID,
			AgentType:   agentType,
			Status:      models.TaskStatusFailed,
			Error:       taskErr.Error(),
			Duration:    time.Since(started),
			CompletedAt: now,
		}
		o.failed[task.ID] = result
		debugLog("[orch] task %s failed permanently: %v", task.ID, taskErr)
	}

	o.promoteLocked("")
	o.mu.Unlock()

	o.bus.Emit(bus.Event{Type: bus.EventAgentError, AgentID: agentID, Detail: task.ID, Err: taskErr})
	if result != nil && o.archive != nil {
		o.archive.RecordTask(result)
	}
}

// resubmit puts a retrying task back through the pool.
func (o *Orchestrator) resubmit(task *models.Task) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		return
	}
	if len(o.running) >= o.maxConcurrent {
		o.overflow = append(o.overflow, task)
		return
	}
	if _, err := o.launchLocked(task); err != nil {
		o.failLocked(task, err)
	}
}

// promoteLocked re-evaluates parked dependents of completedID (when
// non-empty) and drains the overflow queue into free slots. Caller
// holds o.mu.
func (o *Orchestrator) promoteLocked(completedID string) {
	if o.stopped {
		return
	}
	if completedID != "" {
		for _, depID := range o.graph.Dependents(completedID) {
			task, parked := o.pending[depID]
			if !parked || !o.graph.Satisfied(depID) {
				continue
			}
			delete(o.pending, depID)
			o.overflow = append(o.overflow, task)
			debugLog("[orch] task %s unblocked by %s", depID, completedID)
		}
	}

	for len(o.overflow) > 0 && len(o.running) < o.maxConcurrent {
		task := o.overflow[0]
		o.overflow = o.overflow[1:]
		if _, err := o.launchLocked(task); err != nil {
			o.failLocked(task, err)
		}
	}
}

// failLocked records a permanent failure for a task that could not be
// dispatched. Caller holds o.mu.
func (o *Orchestrator) failLocked(task *models.Task, err error) {
	task.Status = models.TaskStatusFailed
	result := &models.TaskResult{
		TaskID:      task.ID,
		Status:      models.TaskStatusFailed,
		Error:       err.Error(),
		CompletedAt: time.Now(),
	}
	o.failed[task.ID] = result
	debugLog("[orch] task %s failed to dispatch: %v", task.ID, err)
	if o.archive != nil {
		go o.archive.RecordTask(result)
	}
}

// SendMessage sends a single message through the bus.
func (o *Orchestrator) SendMessage(from, to string, payload models.Payload, opts *bus.SendOptions) (string, error) {
	return o.bus.Send(from, to, payload, opts)
}

// Broadcast fans a payload out to every active agent.
func (o *Orchestrator) Broadcast(payload models.Payload, opts *bus.SendOptions) (*bus.BroadcastResult, error) {
	return o.bus.BroadcastAll(bus.SenderOrchestrator, payload, opts)
}

// ChainTasks runs an ordered task sequence through the chain engine.
func (o *Orchestrator) ChainTasks(steps []models.ChainTask, opts pipeline.ChainOptions) (string, error) {
	return o.chains.ChainTasks(steps, opts)
}

// CancelChain requests cooperative cancellation of a running chain.
func (o *Orchestrator) CancelChain(chainID string) bool {
	return o.chains.Cancel(chainID)
}

// Chain returns a snapshot of a chain's state.
func (o *Orchestrator) Chain(chainID string) (*models.Chain, bool) {
	return o.chains.Get(chainID)
}

// ParallelExecute fans a task set out concurrently and joins all outcomes.
func (o *Orchestrator) ParallelExecute(tasks []pipeline.ParallelTask, opts pipeline.ParallelOptions) (*pipeline.ParallelResult, error) {
	return o.parallel.Execute(tasks, opts)
}

// Events exposes the bus event stream.
func (o *Orchestrator) Events() <-chan bus.Event {
	return o.bus.Events()
}

// QueueDepths reports the per-priority queue depths of the bus.
func (o *Orchestrator) QueueDepths() map[models.Priority]int {
	return o.bus.QueueDepths()
}

// Resize changes the slot pool size at runtime. Growing the pool
// drains queued work into the new slots immediately.
func (o *Orchestrator) Resize(maxConcurrent int) {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.maxConcurrent = maxConcurrent
	o.promoteLocked("")
	debugLog("[orch] pool resized to %d", maxConcurrent)
}

// Status returns a point-in-time snapshot of orchestrator state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	s := Status{
		Active:            len(o.running),
		Queued:            len(o.overflow),
		Pending:           len(o.pending),
		Completed:         len(o.completed),
		Failed:            len(o.failed),
		EMACompletionTime: o.emaCompletion,
	}
	o.mu.Unlock()

	s.Agents = o.registry.Count()
	s.Metrics = o.bus.Metrics()
	return s
}

// Result returns the terminal result for a task, completed or failed.
func (o *Orchestrator) Result(taskID string) (*models.TaskResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.completed[taskID]; ok {
		cp := *r
		return &cp, true
	}
	if r, ok := o.failed[taskID]; ok {
		cp := *r
		return &cp, true
	}
	return nil, false
}

// Results returns a copy of all terminal task results keyed by task ID.
func (o *Orchestrator) Results() map[string]*models.TaskResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[string]*models.TaskResult, len(o.completed)+len(o.failed))
	for id, r := range o.completed {
		cp := *r
		out[id] = &cp
	}
	for id, r := range o.failed {
		cp := *r
		out[id] = &cp
	}
	return out
}

// ResultsByType groups terminal results by the agent type that ran
// them. Slices are ordered by completion time.
func (o *Orchestrator) ResultsByType() map[string][]*models.TaskResult {
	all := o.Results()

	out := make(map[string][]*models.TaskResult)
	for _, r := range all {
		out[r.AgentType] = append(out[r.AgentType], r)
	}
	for _, rs := range out {
		sort.Slice(rs, func(i, j int) bool { return rs[i].CompletedAt.Before(rs[j].CompletedAt) })
	}
	return out
}

// ErrorHistory returns a copy of the bounded error history, oldest first.
func (o *Orchestrator) ErrorHistory() []TaskError {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]TaskError{}, o.errorHistory...)
}
