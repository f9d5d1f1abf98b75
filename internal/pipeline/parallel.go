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

// SenderParallel is the system sender identity for parallel executions.
const SenderParallel = "system:parallel"

// ErrNoTasks indicates a parallel execution with an empty task set.
var ErrNoTasks = errors.New("parallel execution requires at least one task")

// ParallelTask describes one task in a parallel execution.
type ParallelTask struct {
	// TaskID identifies the task in the joined results.
	TaskID string
	// AgentID is the agent the task is sent to.
	AgentID string
	// Description tells the agent what to do.
	Description string
	// Command is an optional executable form of the work.
	Command string
	// Timeout bounds this task; zero uses ParallelOptions.TaskTimeout.
	Timeout time.Duration
}

// ParallelOptions configures one parallel execution.
type ParallelOptions struct {
	// Timeout is the optional overall deadline racing the joined set.
	Timeout time.Duration
	// TaskTimeout is the per-task default; zero uses the bus default.
	TaskTimeout time.Duration
	// Priority overrides the default NORMAL dispatch priority.
	Priority models.Priority
}

// Outcome is the structured per-task result of a parallel execution.
type Outcome struct {
	// TaskID identifies the input task.
	TaskID string `json:"task_id"`
	// AgentID is the agent the task was sent to.
	AgentID string `json:"agent_id"`
	// Status is completed or failed; sibling failures never abort.
	Status models.TaskStatus `json:"status"`
	// Result is the task's output, if it completed.
	Result string `json:"result,omitempty"`
	// Error is the failure message, if it failed.
	Error string `json:"error,omitempty"`
}

// ParallelResult is the joined outcome of a parallel execution.
// Results always holds exactly one outcome per input task.
type ParallelResult struct {
	// ExecutionID is the correlation ID shared by all dispatched tasks.
	ExecutionID string `json:"execution_id"`
	// Duration is the wall time from dispatch to join.
	Duration time.Duration `json:"duration"`
	// Results holds one outcome per input task, in input order.
	Results []Outcome `json:"results"`
}

// ParallelExecutor fans task sets out concurrently through the bus and
// joins all outcomes.
type ParallelExecutor struct {
	bus *bus.Bus
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// NewParallelExecutor creates a ParallelExecutor over the given bus.
func NewParallelExecutor(b *bus.Bus) *ParallelExecutor {
	return &ParallelExecutor{
		bus:      b,
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (p *ParallelExecutor) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		p.debugLog = fn
	}
}

// Execute dispatches every task concurrently, each awaiting its own
// completion signal, and joins the outcomes. When the overall deadline
// trips, already-resolved outcomes are returned as-is and the rest are
// reported as failed with a timeout error; the call always resolves
// with one outcome per input task.
func (p *ParallelExecutor) Execute(tasks []ParallelTask, opts ParallelOptions) (*ParallelResult, error) {
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}

	taskTimeout := opts.TaskTimeout
	if taskTimeout <= 0 {
		taskTimeout = p.bus.DefaultTimeout()
	}
	priority := opts.Priority
	if !priority.Valid() {
		priority = models.PriorityNormal
	}

	execID := uuid.New().String()
	overall := context.Background()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		overall, cancel = context.WithTimeout(overall, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	results := make([]Outcome, len(tasks))
	var wg sync.WaitGroup

	for i := range tasks {
		i := i
		task := tasks[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.runTask(overall, execID, task, taskTimeout, priority)
		}()
	}
	wg.Wait()

	result := &ParallelResult{
		ExecutionID: execID,
		Duration:    time.Since(start),
		Results:     results,
	}

	completed := 0
	for _, r := range results {
		if r.Status == models.TaskStatusCompleted {
			completed++
		}
	}
	p.debugLog("[parallel] %s joined %d tasks (%d completed) in %s",
		execID, len(tasks), completed, result.Duration)
	p.bus.Emit(bus.Event{
		Type:    bus.EventParallelCompleted,
		ChainID: execID,
		Detail:  fmt.Sprintf("%d/%d completed", completed, len(tasks)),
	})
	return result, nil
}

// runTask dispatches one task and waits for its completion, racing the
// per-task timer and the overall deadline.
func (p *ParallelExecutor) runTask(overall context.Context, execID string, task ParallelTask, defaultTimeout time.Duration, priority models.Priority) Outcome {
	outcome := Outcome{TaskID: task.TaskID, AgentID: task.AgentID}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	payload := models.Payload{
		Type: models.PayloadTaskExecute,
		Task: &models.TaskRequest{
			TaskID:      task.TaskID,
			Description: task.Description,
			Command:     task.Command,
			ExecutionID: execID,
		},
	}

	msgID, err := p.bus.Send(SenderParallel, task.AgentID, payload, &bus.SendOptions{
		Priority: priority,
		Timeout:  timeout,
	})
	if err != nil {
		outcome.Status = models.TaskStatusFailed
		outcome.Error = err.Error()
		return outcome
	}

	done := p.bus.Await(msgID)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.Err != nil {
			outcome.Status = models.TaskStatusFailed
			outcome.Error = res.Err.Error()
		} else {
			outcome.Status = models.TaskStatusCompleted
			outcome.Result = res.Output
		}
	case <-timer.C:
		p.bus.Forget(msgID)
		outcome.Status = models.TaskStatusFailed
		outcome.Error = "timeout"
	case <-overall.Done():
		p.bus.Forget(msgID)
		outcome.Status = models.TaskStatusFailed
		outcome.Error = "timeout"
	}
	return outcome
}
