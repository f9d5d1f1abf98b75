package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conduit-orch/conduit/internal/agent"
	"github.com/conduit-orch/conduit/internal/bus"
	"github.com/conduit-orch/conduit/internal/registry"
	"github.com/conduit-orch/conduit/pkg/models"
)

// rig wires a registry, a fast bus, and one worker per handler.
type rig struct {
	bus    *bus.Bus
	reg    *registry.Registry
	cancel context.CancelFunc

	mu      sync.Mutex
	invoked map[string]int
}

func newRig(t *testing.T, handlers map[string]agent.Handler) *rig {
	t.Helper()

	reg := registry.New()
	opts := bus.DefaultOptions()
	opts.TickMin = time.Millisecond
	opts.TickMax = 5 * time.Millisecond
	opts.RetryBase = time.Millisecond
	b := bus.New(reg, opts)

	r := &rig{bus: b, reg: reg, invoked: make(map[string]int)}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	for id, handler := range handlers {
		if err := reg.Register(id, registry.AgentConfig{}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		ch, err := reg.Channel(id)
		if err != nil {
			t.Fatalf("channel %s: %v", id, err)
		}
		counted := func(id string, h agent.Handler) agent.Handler {
			return func(ctx context.Context, msg *models.Message) (string, error) {
				r.mu.Lock()
				r.invoked[id]++
				r.mu.Unlock()
				return h(ctx, msg)
			}
		}(id, handler)
		w, err := agent.NewWorker(id, ch, counted, b, reg)
		if err != nil {
			t.Fatalf("worker %s: %v", id, err)
		}
		go w.Run(ctx)
	}

	b.Start()
	t.Cleanup(func() {
		b.Stop()
		cancel()
	})
	return r
}

func (r *rig) invocations(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invoked[id]
}

func echoHandler(tag string) agent.Handler {
	return func(ctx context.Context, msg *models.Message) (string, error) {
		prior := ""
		if msg.Payload.Task != nil {
			prior = msg.Payload.Task.PriorResult
		}
		if prior != "" {
			return prior + ">" + tag, nil
		}
		return tag, nil
	}
}

func failHandler(reason string) agent.Handler {
	return func(ctx context.Context, msg *models.Message) (string, error) {
		return "", errors.New(reason)
	}
}

func waitTerminal(t *testing.T, e *ChainEngine, chainID string) *models.Chain {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		chain, ok := e.Get(chainID)
		if !ok {
			t.Fatalf("chain %s not found", chainID)
		}
		if chain.Status.Terminal() {
			return chain
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("chain %s never reached a terminal state", chainID)
	return nil
}

func TestChainTasksValidation(t *testing.T) {
	r := newRig(t, map[string]agent.Handler{"a1": echoHandler("a")})
	e := NewChainEngine(r.bus)

	if _, err := e.ChainTasks(nil, ChainOptions{}); !errors.Is(err, ErrEmptySequence) {
		t.Errorf("empty sequence: got %v, want ErrEmptySequence", err)
	}
	if _, err := e.ChainTasks([]models.ChainTask{{Description: "no agent"}}, ChainOptions{}); err == nil {
		t.Error("expected error for step without agent id")
	}
}

func TestChainCompletesAndPassesResults(t *testing.T) {
	r := newRig(t, map[string]agent.Handler{
		"a1": echoHandler("one"),
		"a2": echoHandler("two"),
		"a3": echoHandler("three"),
	})
	e := NewChainEngine(r.bus)

	id, err := e.ChainTasks([]models.ChainTask{
		{AgentID: "a1", Description: "first"},
		{AgentID: "a2", Description: "second"},
		{AgentID: "a3", Description: "third"},
	}, ChainOptions{})
	if err != nil {
		t.Fatalf("chain tasks: %v", err)
	}

	chain := waitTerminal(t, e, id)
	if chain.Status != models.ChainStatusCompleted {
		t.Fatalf("status = %s, want completed", chain.Status)
	}

	// Each step sees the prior step's result.
	if chain.Tasks[0].Result != "one" {
		t.Errorf("step 0 result = %q, want one", chain.Tasks[0].Result)
	}
	if chain.Tasks[1].Result != "one>two" {
		t.Errorf("step 1 result = %q, want one>two", chain.Tasks[1].Result)
	}
	if chain.Tasks[2].Result != "one>two>three" {
		t.Errorf("step 2 result = %q, want one>two>three", chain.Tasks[2].Result)
	}
}

func TestChainStopsOnFailure(t *testing.T) {
	// Sequence [A(ok), B(fails), C(ok)] with continueOnError=false:
	// chain is Failed and C never starts.
	r := newRig(t, map[string]agent.Handler{
		"a1": echoHandler("a"),
		"a2": failHandler("b exploded"),
		"a3": echoHandler("c"),
	})
	e := NewChainEngine(r.bus)

	id, _ := e.ChainTasks([]models.ChainTask{
		{AgentID: "a1", Description: "A"},
		{AgentID: "a2", Description: "B"},
		{AgentID: "a3", Description: "C"},
	}, ChainOptions{ContinueOnError: false})

	chain := waitTerminal(t, e, id)
	if chain.Status != models.ChainStatusFailed {
		t.Errorf("status = %s, want failed", chain.Status)
	}
	if chain.Tasks[1].Status != models.TaskStatusFailed {
		t.Errorf("step B status = %s, want failed", chain.Tasks[1].Status)
	}
	if chain.Tasks[1].Error == "" || !strings.Contains(chain.Tasks[1].Error, "b exploded") {
		t.Errorf("step B error = %q, want the handler failure", chain.Tasks[1].Error)
	}
	if chain.Tasks[2].Status != models.TaskStatusPending {
		t.Errorf("step C status = %s, want pending (never started)", chain.Tasks[2].Status)
	}
	if got := r.invocations("a3"); got != 0 {
		t.Errorf("agent a3 invoked %d times, want 0", got)
	}
}

func TestChainContinueOnError(t *testing.T) {
	// The same sequence with continueOnError=true: Partial, all attempted.
	r := newRig(t, map[string]agent.Handler{
		"a1": echoHandler("a"),
		"a2": failHandler("b exploded"),
		"a3": echoHandler("c"),
	})
	e := NewChainEngine(r.bus)

	id, _ := e.ChainTasks([]models.ChainTask{
		{AgentID: "a1", Description: "A"},
		{AgentID: "a2", Description: "B"},
		{AgentID: "a3", Description: "C"},
	}, ChainOptions{ContinueOnError: true})

	chain := waitTerminal(t, e, id)
	if chain.Status != models.ChainStatusPartial {
		t.Errorf("status = %s, want partial", chain.Status)
	}
	for i, want := range []models.TaskStatus{
		models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCompleted,
	} {
		if chain.Tasks[i].Status != want {
			t.Errorf("step %d status = %s, want %s", i, chain.Tasks[i].Status, want)
		}
	}
	if got := r.invocations("a3"); got != 1 {
		t.Errorf("agent a3 invoked %d times, want 1", got)
	}
}

func TestChainStepTimeout(t *testing.T) {
	r := newRig(t, map[string]agent.Handler{
		"slow": func(ctx context.Context, msg *models.Message) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(5 * time.Second):
				return "late", nil
			}
		},
	})
	e := NewChainEngine(r.bus)

	id, _ := e.ChainTasks([]models.ChainTask{
		{AgentID: "slow", Description: "slow step"},
	}, ChainOptions{StepTimeout: 30 * time.Millisecond})

	chain := waitTerminal(t, e, id)
	if chain.Status != models.ChainStatusFailed {
		t.Errorf("status = %s, want failed", chain.Status)
	}
	if !strings.Contains(chain.Tasks[0].Error, "timed out") {
		t.Errorf("step error = %q, want timeout", chain.Tasks[0].Error)
	}
}

func TestChainCancel(t *testing.T) {
	release := make(chan struct{})
	r := newRig(t, map[string]agent.Handler{
		"a1": func(ctx context.Context, msg *models.Message) (string, error) {
			<-release
			return "done", nil
		},
		"a2": echoHandler("b"),
	})
	e := NewChainEngine(r.bus)

	id, _ := e.ChainTasks([]models.ChainTask{
		{AgentID: "a1", Description: "blocking"},
		{AgentID: "a2", Description: "after"},
	}, ChainOptions{})

	// Cancel while step 0 is in flight, then release it. The cancel is
	// observed at the next step boundary.
	time.Sleep(20 * time.Millisecond)
	if !e.Cancel(id) {
		t.Fatal("expected Cancel to find the chain")
	}
	close(release)

	chain := waitTerminal(t, e, id)
	if chain.Status != models.ChainStatusCancelled {
		t.Errorf("status = %s, want cancelled", chain.Status)
	}
	if chain.Tasks[1].Status != models.TaskStatusPending {
		t.Errorf("step 1 status = %s, want pending (cancelled before start)", chain.Tasks[1].Status)
	}
	if got := r.invocations("a2"); got != 0 {
		t.Errorf("agent a2 invoked %d times after cancel, want 0", got)
	}
}

func TestChainPurgeAgentFailsPendingStep(t *testing.T) {
	release := make(chan struct{})
	r := newRig(t, map[string]agent.Handler{
		"a1": func(ctx context.Context, msg *models.Message) (string, error) {
			<-release
			return "done", nil
		},
		"a2": echoHandler("b"),
	})
	e := NewChainEngine(r.bus)

	id, _ := e.ChainTasks([]models.ChainTask{
		{AgentID: "a1", Description: "blocking"},
		{AgentID: "a2", Description: "after"},
	}, ChainOptions{})

	// a2 goes away while step 0 is in flight. Its pending step must fail
	// immediately at the boundary instead of being dispatched.
	time.Sleep(20 * time.Millisecond)
	if purged := e.PurgeAgent("a2"); purged != 1 {
		t.Fatalf("purged %d steps, want 1", purged)
	}
	close(release)

	chain := waitTerminal(t, e, id)
	if chain.Status != models.ChainStatusFailed {
		t.Errorf("status = %s, want failed", chain.Status)
	}
	if chain.Tasks[0].Status != models.TaskStatusCompleted {
		t.Errorf("step 0 status = %s, want completed", chain.Tasks[0].Status)
	}
	if chain.Tasks[1].Status != models.TaskStatusFailed {
		t.Errorf("step 1 status = %s, want failed", chain.Tasks[1].Status)
	}
	if !strings.Contains(chain.Tasks[1].Error, "unregistered") {
		t.Errorf("step 1 error = %q, want unregistered", chain.Tasks[1].Error)
	}
	if got := r.invocations("a2"); got != 0 {
		t.Errorf("agent a2 invoked %d times after purge, want 0", got)
	}
}

func TestChainPurgeAgentContinueOnError(t *testing.T) {
	release := make(chan struct{})
	r := newRig(t, map[string]agent.Handler{
		"a1": func(ctx context.Context, msg *models.Message) (string, error) {
			<-release
			return "first", nil
		},
		"a2": echoHandler("b"),
		"a3": echoHandler("c"),
	})
	e := NewChainEngine(r.bus)

	id, _ := e.ChainTasks([]models.ChainTask{
		{AgentID: "a1", Description: "blocking"},
		{AgentID: "a2", Description: "purged"},
		{AgentID: "a3", Description: "survivor"},
	}, ChainOptions{ContinueOnError: true})

	time.Sleep(20 * time.Millisecond)
	e.PurgeAgent("a2")
	close(release)

	chain := waitTerminal(t, e, id)
	if chain.Status != models.ChainStatusPartial {
		t.Errorf("status = %s, want partial", chain.Status)
	}
	if chain.Tasks[1].Status != models.TaskStatusFailed {
		t.Errorf("step 1 status = %s, want failed", chain.Tasks[1].Status)
	}
	// The step after the purged one still runs, seeing the last good result.
	if chain.Tasks[2].Status != models.TaskStatusCompleted {
		t.Errorf("step 2 status = %s, want completed", chain.Tasks[2].Status)
	}
	if chain.Tasks[2].Result != "first>c" {
		t.Errorf("step 2 result = %q, want first>c", chain.Tasks[2].Result)
	}
	if got := r.invocations("a2"); got != 0 {
		t.Errorf("agent a2 invoked %d times after purge, want 0", got)
	}
}
