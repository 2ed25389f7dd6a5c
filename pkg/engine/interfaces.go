package engine

import (
	"context"
)

// Approach is a pluggable generation strategy raced against its siblings.
// Implementations must return promptly once ctx is cancelled.
type Approach interface {
	// Name returns the unique name of the approach.
	Name() string

	// Priority orders approaches for reporting; higher is listed first.
	Priority() int

	// RequiresToken reports whether Execute needs a pool token.
	RequiresToken() bool

	// Execute produces a payload for the request. token is non-nil exactly
	// when RequiresToken returns true.
	Execute(ctx context.Context, req Request, token *PoolToken) (string, error)
}

// ProgressSink receives progress events. It must not block for long.
type ProgressSink func(ProgressEvent)

// Validator checks payloads before they are applied.
type Validator interface {
	// CheckSyntax returns a VALIDATION_ERROR if the payload is structurally invalid.
	CheckSyntax(ctx context.Context, in ValidationInput) error

	// Advise runs the advisory logic check and sandbox probe.
	Advise(ctx context.Context, in ValidationInput) Advice
}

// Applier writes payloads to destinations.
type Applier interface {
	// Apply writes payload to destination, backing up any existing content first.
	Apply(ctx context.Context, destination, payload string) (*ApplyOutcome, error)
}

// CacheBackend stores solution cache entries.
type CacheBackend interface {
	// Get returns the entry for fingerprint, if present.
	Get(ctx context.Context, fingerprint string) (CacheEntry, bool, error)

	// PutIfAbsent stores entry unless the fingerprint already exists.
	// It reports whether the entry was stored.
	PutIfAbsent(ctx context.Context, entry CacheEntry) (bool, error)

	// Entries returns every stored entry, oldest first.
	Entries(ctx context.Context) ([]CacheEntry, error)

	// Len returns the number of stored entries.
	Len(ctx context.Context) (int, error)

	// Trim evicts the oldest entries until at most max remain.
	Trim(ctx context.Context, max int) (int, error)

	// Clear removes every entry.
	Clear(ctx context.Context) error
}

// TaskRecorder persists tasks when they reach a terminal state.
type TaskRecorder interface {
	RecordTask(ctx context.Context, task Task) error
}

// RunRecorder persists pipeline runs when they reach a terminal stage.
type RunRecorder interface {
	RecordRun(ctx context.Context, run PipelineRun) error
}

// ExecutionRecorder persists approach executions.
type ExecutionRecorder interface {
	RecordExecution(ctx context.Context, rec ExecutionRecord) error
}
