// Package agent provides the worker runtime that turns a registered
// agent identity into a running consumer of its delivery channel.
// The substance of the work stays caller-supplied via Handler.
package agent

import (
	"context"
	"fmt"

	"github.com/conduit-orch/conduit/pkg/models"
)

// Handler performs the actual work for one delivered message and
// returns its output. Handlers are opaque business logic supplied by
// the caller; the worker only routes messages and reports outcomes.
type Handler func(ctx context.Context, msg *models.Message) (string, error)

// Resolver receives message outcomes. Implemented by *bus.Bus.
type Resolver interface {
	Resolve(msgID, output string, err error) bool
}

// Toucher refreshes agent activity. Implemented by *registry.Registry.
type Toucher interface {
	Touch(id string)
}

// Worker drains one agent's inbound channel, invokes the handler for
// each message, and resolves the message's completion signal.
type Worker struct {
	id       string
	ch       <-chan *models.Message
	handler  Handler
	resolver Resolver
	toucher  Toucher
}

// NewWorker creates a worker for the given agent.
func NewWorker(id string, ch <-chan *models.Message, handler Handler, resolver Resolver, toucher Toucher) (*Worker, error) {
	if id == "" {
		return nil, fmt.Errorf("worker id must not be empty")
	}
	if ch == nil {
		return nil, fmt.Errorf("worker %s: nil channel", id)
	}
	if handler == nil {
		return nil, fmt.Errorf("worker %s: nil handler", id)
	}
	if resolver == nil {
		return nil, fmt.Errorf("worker %s: nil resolver", id)
	}
	return &Worker{
		id:       id,
		ch:       ch,
		handler:  handler,
		resolver: resolver,
		toucher:  toucher,
	}, nil
}

// Run consumes the channel until it closes or the context is cancelled.
// Every handled message is resolved exactly once, including handler
// panics, which are reported as errors rather than crashing the bus.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-w.ch:
			if !ok {
				return
			}
			w.handle(ctx, msg)
		}
	}
}

// handle runs one message through the handler and reports the outcome.
func (w *Worker) handle(ctx context.Context, msg *models.Message) {
	var output string
	var err error

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("agent %s panicked: %v", w.id, r)
			}
		}()
		hctx := ctx
		if msg.Timeout > 0 {
			var cancel context.CancelFunc
			hctx, cancel = context.WithTimeout(ctx, msg.Timeout)
			defer cancel()
		}
		output, err = w.handler(hctx, msg)
	}()

	if w.toucher != nil {
		w.toucher.Touch(w.id)
	}
	w.resolver.Resolve(msg.ID, output, err)
}
