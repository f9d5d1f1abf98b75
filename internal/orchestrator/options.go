package orchestrator

import (
	"time"

	"github.com/conduit-orch/conduit/pkg/models"
)

// TaskArchive records terminal task results for diagnostics.
// Implementations must not block the caller for long.
type TaskArchive interface {
	RecordTask(result *models.TaskResult)
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	maxConcurrent int
	retryDelay    time.Duration
	logger        *DebugLogger
	archive       TaskArchive
	selector      *TypeSelector
}

// WithMaxConcurrent sets the maximum number of concurrently active
// agent execution slots.
func WithMaxConcurrent(n int) Option {
	return func(o *orchestratorOptions) { o.maxConcurrent = n }
}

// WithRetryDelay sets the base delay between task retry attempts.
// Attempt k waits k times this delay.
func WithRetryDelay(d time.Duration) Option {
	return func(o *orchestratorOptions) { o.retryDelay = d }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithArchive sets the task result archive.
func WithArchive(a TaskArchive) Option {
	return func(o *orchestratorOptions) { o.archive = a }
}

// WithSelector overrides the agent-type selector.
func WithSelector(s *TypeSelector) Option {
	return func(o *orchestratorOptions) { o.selector = s }
}
