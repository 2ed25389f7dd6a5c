package stores

import (
	"context"
	"time"

	"github.com/tandem-ai/tandem/pkg/engine"
)

// DefaultListLimit caps list queries that do not set a limit.
const DefaultListLimit = 100

// Store persists terminal tasks, finished pipeline runs and approach
// executions. The engine writes through its recorder interfaces; the
// query methods back the CLI and HTTP surfaces.
type Store interface {
	engine.TaskRecorder
	engine.RunRecorder
	engine.ExecutionRecorder

	GetTask(ctx context.Context, id string) (*engine.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]engine.Task, error)
	CountTasks(ctx context.Context) (map[engine.TaskStatus]int, error)

	GetRun(ctx context.Context, id string) (*engine.PipelineRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]engine.PipelineRun, error)

	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]engine.ExecutionRecord, error)
	ApproachSummaries(ctx context.Context) ([]engine.ApproachStats, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// TaskFilter narrows ListTasks. Results are newest first.
type TaskFilter struct {
	Status engine.TaskStatus
	Limit  int
	Offset int
}

// RunFilter narrows ListRuns. Results are newest first.
type RunFilter struct {
	Status engine.RunStatus
	Limit  int
	Offset int
}

// ExecutionFilter narrows ListExecutions. Results are newest first.
type ExecutionFilter struct {
	Approach string
	Since    time.Time
	Limit    int
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	return n
}

// nanos stores times as unix nanoseconds so ordering is exact.
func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nanosPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
