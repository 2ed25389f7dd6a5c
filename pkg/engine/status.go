package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TaskStatus represents the state of a task in the validate-apply pipeline.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is queued and has not been picked up.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusRunning indicates a worker has dequeued the task.
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusValidating indicates the payload is being checked.
	TaskStatusValidating TaskStatus = "validating"

	// TaskStatusApplying indicates the payload is being written to its destination.
	TaskStatusApplying TaskStatus = "applying"

	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed indicates the task failed a hard gate.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusCancelled indicates the task was cancelled while pending.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// taskStatusOrder ranks the non-terminal states along the pipeline.
var taskStatusOrder = map[TaskStatus]int{
	TaskStatusPending:    0,
	TaskStatusRunning:    1,
	TaskStatusValidating: 2,
	TaskStatusApplying:   3,
}

// IsTerminal returns true if the task status represents a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsActive returns true if a worker currently owns the task.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusRunning || s == TaskStatusValidating || s == TaskStatusApplying
}

// CanTransitionTo reports whether moving from s to next keeps the state machine monotonic.
// CANCELLED is only reachable from PENDING; COMPLETED only from APPLYING.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case TaskStatusCancelled:
		return s == TaskStatusPending
	case TaskStatusFailed:
		return s.IsActive()
	case TaskStatusCompleted:
		return s == TaskStatusApplying
	}
	cur, ok1 := taskStatusOrder[s]
	nxt, ok2 := taskStatusOrder[next]
	return ok1 && ok2 && nxt > cur
}

// Validate checks if the task status is valid.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusValidating, TaskStatusApplying,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s TaskStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *TaskStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = TaskStatus(str)
	return s.Validate()
}

// Priority orders tasks in the queue. Higher values are dequeued first.
type Priority int

const (
	// PriorityLow is for background work such as optimisation passes.
	PriorityLow Priority = 1

	// PriorityMedium is the default priority.
	PriorityMedium Priority = 2

	// PriorityHigh is for primary deliverables.
	PriorityHigh Priority = 3

	// PriorityUrgent is reserved for integration results that unblock a run.
	PriorityUrgent Priority = 4
)

// String returns the lower-case name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Validate checks if the priority is one of the defined levels.
func (p Priority) Validate() error {
	if p < PriorityLow || p > PriorityUrgent {
		return fmt.Errorf("invalid priority: %d", int(p))
	}
	return nil
}

// ParsePriority converts a name or number into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "1":
		return PriorityLow, nil
	case "medium", "2", "":
		return PriorityMedium, nil
	case "high", "3":
		return PriorityHigh, nil
	case "urgent", "4":
		return PriorityUrgent, nil
	default:
		return 0, fmt.Errorf("invalid priority: %q", s)
	}
}

// MarshalJSON encodes the priority by name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts either the priority name or its numeric value.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*p = Priority(n)
		return p.Validate()
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParsePriority(str)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Stage is one step of a pipeline run.
type Stage string

const (
	// StageInit prepares the run.
	StageInit Stage = "init"

	// StageAnalyze asks the backends to analyse the request.
	StageAnalyze Stage = "analyze"

	// StagePlan splits the request into subtasks.
	StagePlan Stage = "plan"

	// StageParallelExecute races every subtask concurrently.
	StageParallelExecute Stage = "parallel_execute"

	// StageValidateIntegrate pushes results through the task runner and merges them.
	StageValidateIntegrate Stage = "validate_integrate"

	// StageFinalize writes the run summary.
	StageFinalize Stage = "finalize"

	// StageFinalized marks a run that completed every stage.
	StageFinalized Stage = "finalized"

	// StageFailed marks a run that stopped at a failed stage.
	StageFailed Stage = "failed"
)

// PipelineStages lists the executable stages in order.
var PipelineStages = []Stage{
	StageInit,
	StageAnalyze,
	StagePlan,
	StageParallelExecute,
	StageValidateIntegrate,
	StageFinalize,
}

// Index returns the position of the stage in PipelineStages, or -1.
func (s Stage) Index() int {
	for i, st := range PipelineStages {
		if st == s {
			return i
		}
	}
	return -1
}

// IsTerminal returns true if the run has stopped advancing.
func (s Stage) IsTerminal() bool {
	return s == StageFinalized || s == StageFailed
}

// RunStatus represents the overall status of a pipeline run.
type RunStatus string

const (
	// RunStatusPending indicates the run is created but not started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is advancing through stages.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every stage succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates a stage failed outright.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled before it finished.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}
