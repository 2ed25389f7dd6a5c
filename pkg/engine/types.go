package engine

import (
	"time"
)

// Request is a single generation request handed to every approach in a race.
type Request struct {
	// Prompt is the text sent to the generation backends.
	Prompt string `json:"prompt"`

	// TaskLabel is a short description of the kind of task (e.g. "calculator app").
	TaskLabel string `json:"task_label"`

	// Model optionally overrides the backend model name.
	Model string `json:"model,omitempty"`

	// Metadata carries caller-defined context through to progress events.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Result is the outcome of one approach execution.
// It is created once per execution and never mutated afterwards.
type Result struct {
	// Success is true if the approach produced a payload.
	Success bool `json:"success"`

	// Payload is the opaque artifact produced by the approach.
	Payload string `json:"payload,omitempty"`

	// Err describes the failure when Success is false.
	Err *EngineError `json:"error,omitempty"`

	// Elapsed is the wall-clock time of the execution.
	Elapsed time.Duration `json:"elapsed"`

	// Approach is the name of the approach that produced the result.
	Approach string `json:"approach"`

	// Port is the backend port of the pool token used, if any.
	Port int `json:"port,omitempty"`

	// Cached is true when the payload came from the solution cache.
	Cached bool `json:"cached,omitempty"`
}

// ApproachFailure records why a single approach failed during a race.
type ApproachFailure struct {
	// Approach is the name of the failed approach.
	Approach string `json:"approach"`

	// Err is the classified failure.
	Err *EngineError `json:"error"`

	// Elapsed is how long the approach ran before failing.
	Elapsed time.Duration `json:"elapsed"`
}

// RaceResult is either a winning Result or one failure per registered approach.
type RaceResult struct {
	// Winner is the first successful result, nil if every approach failed.
	Winner *Result `json:"winner,omitempty"`

	// Failures holds one entry per approach when Winner is nil. When a winner
	// exists it holds the failures observed before the winner finished.
	Failures []ApproachFailure `json:"failures,omitempty"`

	// Elapsed is the wall-clock time of the whole race.
	Elapsed time.Duration `json:"elapsed"`
}

// OK returns true if the race produced a winner.
func (r RaceResult) OK() bool {
	return r.Winner != nil
}

// Err returns an ALL_APPROACHES_FAILED error when there is no winner.
func (r RaceResult) Err() error {
	if r.Winner != nil {
		return nil
	}
	return NewAllApproachesFailed(r.Failures)
}

// ApproachInfo describes a registered approach.
type ApproachInfo struct {
	Name          string `json:"name"`
	Priority      int    `json:"priority"`
	RequiresToken bool   `json:"requires_token"`
}

// CacheEntry is a memoized successful result.
type CacheEntry struct {
	// Fingerprint is the hash of the normalized request.
	Fingerprint string `json:"fingerprint"`

	// Payload is the cached artifact.
	Payload string `json:"payload"`

	// Approach is the approach that originally produced the payload.
	Approach string `json:"approach"`

	// CreatedAt is when the entry was stored.
	CreatedAt time.Time `json:"created_at"`
}

// TaskSpec is what a caller provides to enqueue a task.
type TaskSpec struct {
	// ID is optional; a UUID is generated when empty.
	ID string `json:"id,omitempty" validate:"omitempty,max=128"`

	// Description explains what the payload is supposed to do.
	Description string `json:"description"`

	// Payload is the artifact to validate and apply.
	Payload string `json:"payload" validate:"required"`

	// Destination is an optional path or sftp:// URL to write the payload to.
	Destination string `json:"destination,omitempty"`

	// Priority orders the task in the queue. Zero means medium.
	Priority Priority `json:"priority,omitempty"`

	// Dependencies are task IDs that must be COMPLETED first.
	Dependencies []string `json:"dependencies,omitempty"`
}

// Finding is an advisory observation recorded during validation.
type Finding struct {
	// Check is the check that produced the finding (logic, probe).
	Check string `json:"check"`

	// Rule is the rule or policy name.
	Rule string `json:"rule,omitempty"`

	// Severity is info, warning or error.
	Severity string `json:"severity"`

	// Message is the human-readable finding.
	Message string `json:"message"`
}

// Task is a unit of validate-then-apply work.
// Only the worker that dequeued it mutates it; callers always receive copies.
type Task struct {
	// ID is the unique identifier of the task.
	ID string `json:"id"`

	// Description explains what the payload is supposed to do.
	Description string `json:"description"`

	// Payload is the artifact to validate and apply.
	Payload string `json:"payload"`

	// Destination is where the payload is written, empty to skip applying.
	Destination string `json:"destination,omitempty"`

	// Priority orders the task in the queue.
	Priority Priority `json:"priority"`

	// Status is the current state of the task.
	Status TaskStatus `json:"status"`

	// Dependencies are task IDs that must be COMPLETED first.
	Dependencies []string `json:"dependencies,omitempty"`

	// CreatedAt is when the task was enqueued.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when a worker picked the task up.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error is the hard failure, if any.
	Error *EngineError `json:"error,omitempty"`

	// Language is the detected payload language.
	Language string `json:"language,omitempty"`

	// LogicScore is the advisory logic check score, 0..100.
	LogicScore int `json:"logic_score"`

	// Findings are the advisory observations.
	Findings []Finding `json:"findings,omitempty"`

	// Probe is the outcome of the sandboxed execution probe.
	Probe ProbeResult `json:"probe"`

	// BackupPath is the backup copy created before overwriting the destination.
	BackupPath string `json:"backup_path,omitempty"`

	// seq breaks ties between tasks created in the same instant.
	seq uint64
}

// clone returns a deep copy safe to hand to callers.
func (t *Task) clone() Task {
	c := *t
	if t.Dependencies != nil {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Findings != nil {
		c.Findings = append([]Finding(nil), t.Findings...)
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return c
}

// ProbeStatus is the outcome of a sandboxed execution probe.
type ProbeStatus string

const (
	ProbeStatusPassed  ProbeStatus = "passed"
	ProbeStatusFailed  ProbeStatus = "failed"
	ProbeStatusTimeout ProbeStatus = "timeout"
	ProbeStatusSkipped ProbeStatus = "skipped"
)

// ProbeResult is the outcome of running a payload in a sandbox.
type ProbeResult struct {
	Status   ProbeStatus   `json:"status"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ValidationInput is what the runner hands to a Validator.
type ValidationInput struct {
	TaskID      string
	Description string
	Payload     string
	Destination string
}

// Advice is the advisory part of validation. It never fails a task.
type Advice struct {
	Language   string
	LogicScore int
	Findings   []Finding
	Probe      ProbeResult
}

// ApplyOutcome describes a successful write to a destination.
type ApplyOutcome struct {
	Destination string `json:"destination"`
	BackupPath  string `json:"backup_path,omitempty"`
	Bytes       int    `json:"bytes"`
	Created     bool   `json:"created"`
	Checksum    string `json:"checksum,omitempty"`
}

// RunnerStats are the task runner's running counters.
type RunnerStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Pending   int `json:"pending"`
	Active    int `json:"active"`
}

// StageResult is what a pipeline stage recorded.
type StageResult struct {
	// Success is true if the stage succeeded (fully or partially).
	Success bool `json:"success"`

	// Message summarises the stage outcome.
	Message string `json:"message"`

	// Data holds stage-specific output.
	Data map[string]interface{} `json:"data,omitempty"`

	// Error is set when the stage failed outright.
	Error *EngineError `json:"error,omitempty"`

	// StartedAt is when the stage began.
	StartedAt time.Time `json:"started_at"`

	// Duration is how long the stage took.
	Duration time.Duration `json:"duration"`
}

// PipelineRun tracks one request through the pipeline stages.
type PipelineRun struct {
	// ID is the unique identifier of the run.
	ID string `json:"id"`

	// Request is the original user request.
	Request string `json:"request"`

	// Description is a short label for the request.
	Description string `json:"description"`

	// Stage is the stage currently executing or the terminal marker.
	Stage Stage `json:"stage"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// StageResults maps each executed stage to its result.
	StageResults map[Stage]StageResult `json:"stage_results"`

	// SubtaskIDs are the subtasks created by the PLAN stage.
	SubtaskIDs []string `json:"subtask_ids,omitempty"`

	// TaskIDs are the runner tasks created during VALIDATE_INTEGRATE.
	TaskIDs []string `json:"task_ids,omitempty"`

	// Progress is the overall percentage, 0..100.
	Progress float64 `json:"progress"`

	// Error is set when the run failed.
	Error *EngineError `json:"error,omitempty"`

	// CreatedAt is when the run was created.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when execution began.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the run reached a terminal stage.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// clone returns a copy safe to hand to callers.
// RunReport aggregates the outcome of a run.
type RunReport struct {
	RunID       string        `json:"run_id"`
	Request     string        `json:"request"`
	Description string        `json:"description"`
	Status      RunStatus     `json:"status"`
	Stage       Stage         `json:"stage"`
	Progress    float64       `json:"progress"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`
	Error       *EngineError  `json:"error,omitempty"`

	// Stages lists the executed stages in pipeline order.
	Stages   []StageReport    `json:"stages"`
	Subtasks []SubtaskOutcome `json:"subtasks,omitempty"`
	Tasks    []TaskReport     `json:"tasks,omitempty"`

	SubtasksSucceeded int `json:"subtasks_succeeded"`
	TasksCompleted    int `json:"tasks_completed"`
	TasksFailed       int `json:"tasks_failed"`
	TasksCancelled    int `json:"tasks_cancelled"`
}

// StageReport is one stage line of a RunReport.
type StageReport struct {
	Stage    Stage         `json:"stage"`
	Success  bool          `json:"success"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
	Error    *EngineError  `json:"error,omitempty"`
}

// TaskReport is the outcome of one runner task created by a run.
type TaskReport struct {
	ID          string       `json:"id"`
	Description string       `json:"description"`
	Status      TaskStatus   `json:"status"`
	Destination string       `json:"destination,omitempty"`
	BackupPath  string       `json:"backup_path,omitempty"`
	LogicScore  int          `json:"logic_score"`
	Error       *EngineError `json:"error,omitempty"`
}

func (r *PipelineRun) clone() PipelineRun {
	c := *r
	c.StageResults = make(map[Stage]StageResult, len(r.StageResults))
	for k, v := range r.StageResults {
		c.StageResults[k] = v
	}
	c.SubtaskIDs = append([]string(nil), r.SubtaskIDs...)
	c.TaskIDs = append([]string(nil), r.TaskIDs...)
	return c
}

// ProgressKind identifies what emitted a progress event.
type ProgressKind string

const (
	ProgressKindApproach ProgressKind = "approach"
	ProgressKindTask     ProgressKind = "task"
	ProgressKindPipeline ProgressKind = "pipeline"
)

// ProgressEvent is delivered to the progress sink at every significant step.
type ProgressEvent struct {
	// Kind identifies the emitter.
	Kind ProgressKind `json:"kind"`

	// Source is the task ID, run ID or approach name.
	Source string `json:"source"`

	// Message is a human-readable status line.
	Message string `json:"message"`

	// Percent is the completion percentage, 0..100.
	Percent float64 `json:"percent"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// Metadata carries event-specific fields.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// ExecutionRecord is one approach execution kept in the history ring.
type ExecutionRecord struct {
	Approach    string        `json:"approach"`
	Success     bool          `json:"success"`
	Code        string        `json:"code,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	At          time.Time     `json:"at"`
}

// ApproachStats summarises the executions of one approach.
type ApproachStats struct {
	Name            string        `json:"name"`
	TotalExecutions int           `json:"total_executions"`
	SuccessCount    int           `json:"success_count"`
	SuccessRate     float64       `json:"success_rate"`
	AverageTime     time.Duration `json:"average_time"`
	P50             time.Duration `json:"p50"`
	P95             time.Duration `json:"p95"`
	LastExecution   time.Time     `json:"last_execution"`
}
