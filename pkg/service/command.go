package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/tandem-ai/tandem/pkg/engine"
	"github.com/tandem-ai/tandem/pkg/stores"
	"github.com/tandem-ai/tandem/pkg/telemetry"
)

// CommandRequest is a typed engine command. Only the fields used by the
// command need to be set.
type CommandRequest struct {
	Command engine.Command `json:"command" validate:"required"`

	// race
	Prompt  string `json:"prompt,omitempty" validate:"required_if=Command race"`
	Label   string `json:"label,omitempty"`
	Model   string `json:"model,omitempty"`
	NoCache bool   `json:"no_cache,omitempty"`

	// submit
	Task *engine.TaskSpec `json:"task,omitempty" validate:"required_if=Command submit"`

	// run; Async returns as soon as the run is created.
	Request     string `json:"request,omitempty" validate:"required_if=Command run"`
	Description string `json:"description,omitempty"`
	Async       bool   `json:"async,omitempty"`

	// status, cancel, report
	ID string `json:"id,omitempty" validate:"required_if=Command status,required_if=Command cancel,required_if=Command report"`

	// list
	Status engine.TaskStatus `json:"status,omitempty" validate:"omitempty,oneof=pending running validating applying completed failed cancelled"`
	Limit  int               `json:"limit,omitempty" validate:"gte=0"`

	// cache.export, cache.import
	Path string `json:"path,omitempty" validate:"required_if=Command cache.export,required_if=Command cache.import"`
}

// CommandResponse carries the result of a command. Fields not produced by
// the command are omitted.
type CommandResponse struct {
	Command engine.Command `json:"command"`

	Race       *engine.RaceResult    `json:"race,omitempty"`
	TaskID     string                `json:"task_id,omitempty"`
	Task       *engine.Task          `json:"task,omitempty"`
	Run        *engine.PipelineRun   `json:"run,omitempty"`
	Tasks      []engine.Task         `json:"tasks,omitempty"`
	Runs       []engine.PipelineRun  `json:"runs,omitempty"`
	Cancelled  bool                  `json:"cancelled,omitempty"`
	Report     *engine.RunReport     `json:"report,omitempty"`
	Stats      *Stats                `json:"stats,omitempty"`
	Cache      *engine.CacheStats    `json:"cache,omitempty"`
	Imported   int                   `json:"imported,omitempty"`
	Approaches []engine.ApproachInfo `json:"approaches,omitempty"`
}

// PoolStats describes token usage.
type PoolStats struct {
	Size      int   `json:"size"`
	InUse     int   `json:"in_use"`
	Available int   `json:"available"`
	Ports     []int `json:"ports"`
}

// Stats summarizes the engine.
type Stats struct {
	Runner     engine.RunnerStats     `json:"runner"`
	Cache      engine.CacheStats      `json:"cache"`
	Pool       PoolStats              `json:"pool"`
	Approaches []engine.ApproachStats `json:"approaches"`
	Runs       int                    `json:"runs"`

	// Persisted figures come from the store and span process restarts.
	PersistedApproaches []engine.ApproachStats    `json:"persisted_approaches,omitempty"`
	PersistedTasks      map[engine.TaskStatus]int `json:"persisted_tasks,omitempty"`
}

var requestValidator = validator.New()

// Do validates and executes one command.
func (e *Engine) Do(ctx context.Context, req CommandRequest) (*CommandResponse, error) {
	if err := req.Command.Validate(); err != nil {
		return nil, err
	}
	if err := requestValidator.Struct(req); err != nil {
		return nil, engine.NewPermanentError("invalid command request", err).WithCode(engine.ErrCodeInvalidTask)
	}

	if telemetry.FromTelemetryContext(ctx) == nil {
		ctx = e.tel.WithContext(ctx)
	}
	op := telemetry.StartCommand(ctx, string(req.Command))
	resp, err := e.dispatch(op.Ctx, req)
	op.End(err)

	if err != nil {
		e.logger.Debug().Err(err).Str("command", string(req.Command)).Dur("elapsed", op.Duration()).Msg("Command failed")
		return nil, err
	}
	resp.Command = req.Command
	return resp, nil
}

func (e *Engine) dispatch(ctx context.Context, req CommandRequest) (*CommandResponse, error) {
	switch req.Command {
	case engine.CommandRace:
		return e.race(ctx, req)
	case engine.CommandSubmit:
		id, err := e.runner.Enqueue(*req.Task)
		if err != nil {
			return nil, err
		}
		return &CommandResponse{TaskID: id}, nil
	case engine.CommandRun:
		return e.run(ctx, req)
	case engine.CommandStatus:
		return e.status(ctx, req.ID)
	case engine.CommandCancel:
		return e.cancel(req.ID)
	case engine.CommandReport:
		rep, err := e.pipeline.Report(req.ID)
		if err != nil {
			return nil, err
		}
		return &CommandResponse{Report: &rep}, nil
	case engine.CommandList:
		return e.list(ctx, req)
	case engine.CommandStats:
		stats, err := e.Stats(ctx)
		if err != nil {
			return nil, err
		}
		return &CommandResponse{Stats: stats}, nil
	case engine.CommandCacheClear:
		if err := e.cache.Clear(ctx); err != nil {
			return nil, err
		}
		return e.cacheResponse(ctx, 0), nil
	case engine.CommandCacheExport:
		if err := e.cache.ExportFile(ctx, req.Path); err != nil {
			return nil, err
		}
		return e.cacheResponse(ctx, 0), nil
	case engine.CommandCacheImport:
		n, err := e.cache.ImportFile(ctx, req.Path)
		if err != nil {
			return nil, err
		}
		return e.cacheResponse(ctx, n), nil
	case engine.CommandApproaches:
		return &CommandResponse{Approaches: e.racer.Approaches()}, nil
	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unhandled command %q", req.Command), nil).WithCode(engine.ErrCodeInvalidTask)
	}
}

func (e *Engine) race(ctx context.Context, req CommandRequest) (*CommandResponse, error) {
	r := engine.Request{Prompt: req.Prompt, TaskLabel: req.Label, Model: req.Model}

	var result engine.RaceResult
	if req.NoCache {
		result = e.racer.Run(ctx, r)
	} else {
		result = e.cache.GetOrRun(ctx, e.racer, r)
	}
	// Failures are part of the result; only a total failure is an error.
	return &CommandResponse{Race: &result}, result.Err()
}

func (e *Engine) run(ctx context.Context, req CommandRequest) (*CommandResponse, error) {
	if req.Async {
		id := e.pipeline.Submit(ctx, req.Request, req.Description)
		run, _ := e.pipeline.Status(id)
		return &CommandResponse{Run: &run}, nil
	}
	run, err := e.pipeline.Run(ctx, req.Request, req.Description)
	if err != nil {
		return nil, err
	}
	return &CommandResponse{Run: &run}, nil
}

func (e *Engine) status(ctx context.Context, id string) (*CommandResponse, error) {
	if t, ok := e.runner.Status(id); ok {
		return &CommandResponse{Task: &t}, nil
	}
	if r, ok := e.pipeline.Status(id); ok {
		return &CommandResponse{Run: &r}, nil
	}

	if e.store != nil {
		t, err := e.store.GetTask(ctx, id)
		if err == nil {
			return &CommandResponse{Task: t}, nil
		}
		if !engine.HasCode(err, engine.ErrCodeNotFound) {
			return nil, err
		}
		r, err := e.store.GetRun(ctx, id)
		if err == nil {
			return &CommandResponse{Run: r}, nil
		}
		if !engine.HasCode(err, engine.ErrCodeNotFound) {
			return nil, err
		}
	}
	return nil, engine.NewPermanentError(fmt.Sprintf("no task or run with id %s", id), nil).WithCode(engine.ErrCodeNotFound)
}

// cancel stops a pending task, or a pipeline run when id names one.
func (e *Engine) cancel(id string) (*CommandResponse, error) {
	if e.runner.Cancel(id) {
		t, _ := e.runner.Status(id)
		return &CommandResponse{Cancelled: true, Task: &t}, nil
	}
	t, ok := e.runner.Status(id)
	if !ok {
		if _, isRun := e.pipeline.Status(id); isRun {
			if err := e.pipeline.Cancel(id); err != nil {
				return nil, err
			}
			run, _ := e.pipeline.Status(id)
			return &CommandResponse{Cancelled: true, Run: &run}, nil
		}
		return nil, engine.NewPermanentError(fmt.Sprintf("no task or run with id %s", id), nil).WithCode(engine.ErrCodeNotFound)
	}
	return nil, engine.NewConflictError(fmt.Sprintf("task %s is %s and can no longer be cancelled", id, t.Status), nil).WithTask(id)
}

// list merges live tasks with persisted ones from earlier processes.
// Live snapshots win for IDs known to both.
func (e *Engine) list(ctx context.Context, req CommandRequest) (*CommandResponse, error) {
	var tasks []engine.Task
	if req.Status != "" {
		tasks = e.runner.TasksByStatus(req.Status)
	} else {
		tasks = e.runner.Tasks()
	}

	if e.store != nil {
		persisted, err := e.store.ListTasks(ctx, stores.TaskFilter{Status: req.Status, Limit: req.Limit})
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(tasks))
		for _, t := range tasks {
			seen[t.ID] = true
		}
		for _, t := range persisted {
			if !seen[t.ID] {
				tasks = append(tasks, t)
			}
		}
	}

	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	if req.Limit > 0 && len(tasks) > req.Limit {
		tasks = tasks[:req.Limit]
	}
	return &CommandResponse{Tasks: tasks, Runs: e.pipeline.Runs()}, nil
}

func (e *Engine) cacheResponse(ctx context.Context, imported int) *CommandResponse {
	stats := e.cache.Stats(ctx)
	return &CommandResponse{Cache: &stats, Imported: imported}
}

// Stats gathers runner, cache, pool and approach statistics.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{
		Runner: e.runner.Stats(),
		Cache:  e.cache.Stats(ctx),
		Pool: PoolStats{
			Size:      e.pool.Size(),
			InUse:     e.pool.InUse(),
			Available: e.pool.Available(),
			Ports:     e.pool.Ports(),
		},
		Approaches: e.history.Stats(),
		Runs:       len(e.pipeline.Runs()),
	}

	if e.store != nil {
		var err error
		if s.PersistedApproaches, err = e.store.ApproachSummaries(ctx); err != nil {
			return nil, err
		}
		if s.PersistedTasks, err = e.store.CountTasks(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}
