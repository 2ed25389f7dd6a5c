package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultPollInterval is how long an idle worker sleeps before rechecking the queue.
const DefaultPollInterval = 100 * time.Millisecond

// readiness is the verdict on whether a pending task can start.
type readiness int

const (
	notReady readiness = iota
	ready
	unsatisfiable
)

// TaskRunner executes tasks through validate-then-apply on a fixed worker pool.
type TaskRunner struct {
	// mu guards tasks, order, inflight, counters, running and changed.
	mu sync.RWMutex

	// tasks holds every task ever enqueued, keyed by ID.
	tasks map[string]*Task

	// order is the enqueue order, used for listing.
	order []string

	// queue holds pending tasks.
	queue *TaskQueue

	// inflight maps the IDs of tasks being processed to their priority.
	inflight map[string]Priority

	completed int
	failed    int
	cancelled int
	seq       uint64

	// changed is closed and replaced whenever a task reaches a terminal state.
	changed chan struct{}

	// wake nudges one idle worker.
	wake chan struct{}

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	validator Validator
	applier   Applier
	recorder  TaskRecorder
	progress  ProgressSink
	metrics   MetricsRecorder
	logger    zerolog.Logger
	specCheck *validator.Validate

	pollInterval time.Duration
	strictTiers  bool
}

// RunnerOption configures a TaskRunner.
type RunnerOption func(*TaskRunner)

// WithPollInterval sets the idle poll interval.
func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *TaskRunner) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithStrictTiers controls whether a worker may start a task ranked below
// a task already in flight. Enabled by default.
func WithStrictTiers(enabled bool) RunnerOption {
	return func(r *TaskRunner) { r.strictTiers = enabled }
}

// WithTaskRecorder persists tasks on every terminal transition.
func WithTaskRecorder(rec TaskRecorder) RunnerOption {
	return func(r *TaskRunner) { r.recorder = rec }
}

// WithTaskProgress sets the progress sink.
func WithTaskProgress(sink ProgressSink) RunnerOption {
	return func(r *TaskRunner) { r.progress = sink }
}

// WithRunnerMetrics sets the metrics recorder.
func WithRunnerMetrics(m MetricsRecorder) RunnerOption {
	return func(r *TaskRunner) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l zerolog.Logger) RunnerOption {
	return func(r *TaskRunner) { r.logger = l.With().Str("component", "runner").Logger() }
}

// NewTaskRunner creates a runner. A nil validator skips validation and a
// nil applier skips writing.
func NewTaskRunner(v Validator, a Applier, opts ...RunnerOption) *TaskRunner {
	r := &TaskRunner{
		tasks:        make(map[string]*Task),
		queue:        NewTaskQueue(),
		inflight:     make(map[string]Priority),
		changed:      make(chan struct{}),
		wake:         make(chan struct{}, 1),
		validator:    v,
		applier:      a,
		metrics:      nopMetrics{},
		logger:       zerolog.Nop(),
		specCheck:    validator.New(),
		pollInterval: DefaultPollInterval,
		strictTiers:  true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enqueue adds a task and returns its ID.
func (r *TaskRunner) Enqueue(spec TaskSpec) (string, error) {
	if err := r.specCheck.Struct(spec); err != nil {
		return "", NewPermanentError("invalid task", err).WithCode(ErrCodeInvalidTask)
	}
	if spec.Priority == 0 {
		spec.Priority = PriorityMedium
	}
	if err := spec.Priority.Validate(); err != nil {
		return "", NewPermanentError("invalid task priority", err).WithCode(ErrCodeInvalidTask)
	}
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}

	r.mu.Lock()
	if _, exists := r.tasks[spec.ID]; exists {
		r.mu.Unlock()
		return "", NewConflictError(fmt.Sprintf("task %s already exists", spec.ID), nil).
			WithCode(ErrCodeInvalidTask).
			WithTask(spec.ID)
	}
	if r.reachesLocked(spec.Dependencies, spec.ID) {
		r.mu.Unlock()
		return "", NewPermanentError("task dependencies form a cycle", nil).
			WithCode(ErrCodeInvalidTask).
			WithTask(spec.ID)
	}

	r.seq++
	t := &Task{
		ID:           spec.ID,
		Description:  spec.Description,
		Payload:      spec.Payload,
		Destination:  spec.Destination,
		Priority:     spec.Priority,
		Status:       TaskStatusPending,
		Dependencies: append([]string(nil), spec.Dependencies...),
		CreatedAt:    time.Now(),
		seq:          r.seq,
	}
	r.tasks[t.ID] = t
	r.order = append(r.order, t.ID)
	r.queue.Push(t)
	r.mu.Unlock()

	r.logger.Debug().
		Str("task_id", t.ID).
		Str("priority", t.Priority.String()).
		Strs("dependencies", t.Dependencies).
		Msg("Task enqueued")
	r.emitTask(t.ID, TaskStatusPending, "task queued", nil)
	r.nudge()
	return t.ID, nil
}

// reachesLocked reports whether target is reachable from deps through
// the dependency edges of known tasks.
func (r *TaskRunner) reachesLocked(deps []string, target string) bool {
	seen := make(map[string]bool)
	stack := append([]string(nil), deps...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		if t, ok := r.tasks[id]; ok {
			stack = append(stack, t.Dependencies...)
		}
	}
	return false
}

// Start launches workerCount workers. It fails if the runner is already running.
func (r *TaskRunner) Start(ctx context.Context, workerCount int) error {
	if workerCount <= 0 {
		workerCount = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("runner already started")
	}

	workCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	for i := 0; i < workerCount; i++ {
		r.wg.Add(1)
		go r.worker(workCtx, i)
	}

	r.logger.Info().Int("workers", workerCount).Bool("strict_tiers", r.strictTiers).Msg("Task runner started")
	return nil
}

// Stop cancels the workers and waits for them to exit.
func (r *TaskRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
	r.logger.Info().Msg("Task runner stopped")
}

// Running reports whether workers are active.
func (r *TaskRunner) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Status returns a snapshot of the task.
func (r *TaskRunner) Status(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Cancel cancels a PENDING task. Tasks in any other state are left untouched.
func (r *TaskRunner) Cancel(id string) bool {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok || t.Status != TaskStatusPending {
		r.mu.Unlock()
		return false
	}
	r.queue.Remove(id)
	now := time.Now()
	t.Status = TaskStatusCancelled
	t.CompletedAt = &now
	t.Error = NewTransientError("task cancelled", nil).WithCode(ErrCodeCancelled).WithTask(id)
	r.cancelled++
	snapshot := t.clone()
	r.signalLocked()
	r.mu.Unlock()

	r.afterTerminal(snapshot)
	return true
}

// Tasks returns snapshots of all tasks in enqueue order.
func (r *TaskRunner) Tasks() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Task, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tasks[id].clone())
	}
	return out
}

// TasksByStatus returns snapshots of the tasks in status.
func (r *TaskRunner) TasksByStatus(status TaskStatus) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Task
	for _, id := range r.order {
		if t := r.tasks[id]; t.Status == status {
			out = append(out, t.clone())
		}
	}
	return out
}

// Stats returns a snapshot of the runner counters.
func (r *TaskRunner) Stats() RunnerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := RunnerStats{
		Total:     len(r.tasks),
		Completed: r.completed,
		Failed:    r.failed,
		Cancelled: r.cancelled,
		Active:    len(r.inflight),
	}
	for _, t := range r.tasks {
		if t.Status == TaskStatusPending {
			s.Pending++
		}
	}
	return s
}

// WaitFor blocks until every known task in ids is terminal, ctx is done or
// timeout elapses. It returns the latest snapshots; unknown IDs are omitted.
func (r *TaskRunner) WaitFor(ctx context.Context, ids []string, timeout time.Duration) map[string]Task {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		r.mu.RLock()
		out := make(map[string]Task, len(ids))
		done := true
		for _, id := range ids {
			t, ok := r.tasks[id]
			if !ok {
				continue
			}
			out[id] = t.clone()
			if !t.Status.IsTerminal() {
				done = false
			}
		}
		changed := r.changed
		r.mu.RUnlock()

		if done {
			return out
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return out
		case <-deadline:
			return out
		}
	}
}

func (r *TaskRunner) worker(ctx context.Context, id int) {
	defer r.wg.Done()
	logger := r.logger.With().Int("worker", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t, verdict := r.next()
		if t == nil {
			timer := time.NewTimer(r.pollInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-r.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		logger.Debug().Str("task_id", t.ID).Msg("Task picked up")
		r.process(ctx, t, verdict)
	}
}

// next pops the highest-ranked task that can be processed now and marks it RUNNING.
func (r *TaskRunner) next() (*Task, readiness) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var verdict readiness
	t, ok := r.queue.PopReady(func(t *Task) bool {
		if t.Status != TaskStatusPending {
			return false
		}
		verdict = r.readinessLocked(t)
		switch verdict {
		case unsatisfiable:
			return true
		case ready:
			return !r.strictTiers || !r.outrankedLocked(t.Priority)
		default:
			return false
		}
	})
	if !ok {
		return nil, notReady
	}

	now := time.Now()
	t.Status = TaskStatusRunning
	t.StartedAt = &now
	r.inflight[t.ID] = t.Priority
	return t, verdict
}

func (r *TaskRunner) readinessLocked(t *Task) readiness {
	verdict := ready
	for _, dep := range t.Dependencies {
		d, ok := r.tasks[dep]
		if !ok {
			return unsatisfiable
		}
		switch d.Status {
		case TaskStatusCompleted:
		case TaskStatusFailed, TaskStatusCancelled:
			return unsatisfiable
		default:
			verdict = notReady
		}
	}
	return verdict
}

// outrankedLocked reports whether any in-flight task ranks above p.
func (r *TaskRunner) outrankedLocked(p Priority) bool {
	for _, q := range r.inflight {
		if q > p {
			return true
		}
	}
	return false
}

// unmetDependencyLocked returns the first dependency blocking t.
func (r *TaskRunner) unmetDependencyLocked(t *Task) (string, TaskStatus) {
	for _, dep := range t.Dependencies {
		d, ok := r.tasks[dep]
		if !ok {
			return dep, ""
		}
		if d.Status != TaskStatusCompleted {
			return dep, d.Status
		}
	}
	return "", ""
}

func (r *TaskRunner) process(ctx context.Context, t *Task, verdict readiness) {
	ctx, span := tracer.Start(ctx, "task.process", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.priority", t.Priority.String()),
	))
	var spanErr error
	defer func() { endSpan(span, spanErr) }()

	r.emitTask(t.ID, TaskStatusRunning, "task started", nil)

	if verdict == unsatisfiable {
		r.mu.RLock()
		dep, status := r.unmetDependencyLocked(t)
		r.mu.RUnlock()
		err := NewDependencyUnmet(t.ID, dep, status)
		spanErr = err
		r.finish(t, TaskStatusFailed, err)
		return
	}

	in := ValidationInput{
		TaskID:      t.ID,
		Description: t.Description,
		Payload:     t.Payload,
		Destination: t.Destination,
	}

	r.transition(t, TaskStatusValidating)
	r.emitTask(t.ID, TaskStatusValidating, "validating payload", nil)

	if r.validator != nil {
		if err := r.validator.CheckSyntax(ctx, in); err != nil {
			ee := asCoded(err, ErrCodeValidation).WithTask(t.ID)
			spanErr = ee
			r.finish(t, TaskStatusFailed, ee)
			return
		}

		advice := r.validator.Advise(ctx, in)
		r.mu.Lock()
		t.Language = advice.Language
		t.LogicScore = advice.LogicScore
		t.Findings = append([]Finding(nil), advice.Findings...)
		t.Probe = advice.Probe
		r.mu.Unlock()
	} else {
		r.mu.Lock()
		t.LogicScore = 100
		t.Probe = ProbeResult{Status: ProbeStatusSkipped}
		r.mu.Unlock()
	}

	r.transition(t, TaskStatusApplying)

	if t.Destination != "" && r.applier != nil {
		r.emitTask(t.ID, TaskStatusApplying, fmt.Sprintf("writing %s", t.Destination), nil)
		out, err := r.applier.Apply(ctx, t.Destination, t.Payload)
		if err != nil {
			ee := asCoded(err, ErrCodeApply).WithTask(t.ID)
			spanErr = ee
			r.finish(t, TaskStatusFailed, ee)
			return
		}
		if out != nil {
			r.mu.Lock()
			t.BackupPath = out.BackupPath
			r.mu.Unlock()
		}
	} else {
		r.emitTask(t.ID, TaskStatusApplying, "no destination, skipping write", nil)
	}

	r.finish(t, TaskStatusCompleted, nil)
}

// asCoded returns err as an EngineError, wrapping plain errors with code.
func asCoded(err error, code string) *EngineError {
	var ee *EngineError
	if errors.As(err, &ee) {
		cp := *ee
		return &cp
	}
	if code == ErrCodeValidation {
		return NewValidationError(err.Error(), err)
	}
	return NewApplyError(err.Error(), err)
}

func (r *TaskRunner) transition(t *Task, status TaskStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !t.Status.CanTransitionTo(status) {
		r.logger.Error().
			Str("task_id", t.ID).
			Str("from", string(t.Status)).
			Str("to", string(status)).
			Msg("Illegal task transition ignored")
		return
	}
	t.Status = status
}

func (r *TaskRunner) finish(t *Task, status TaskStatus, err *EngineError) {
	r.mu.Lock()
	if !t.Status.CanTransitionTo(status) {
		r.logger.Error().
			Str("task_id", t.ID).
			Str("from", string(t.Status)).
			Str("to", string(status)).
			Msg("Illegal task transition ignored")
		status = TaskStatusFailed
	}
	now := time.Now()
	t.Status = status
	t.CompletedAt = &now
	t.Error = err
	delete(r.inflight, t.ID)
	switch status {
	case TaskStatusCompleted:
		r.completed++
	case TaskStatusFailed:
		r.failed++
	}
	snapshot := t.clone()
	r.signalLocked()
	r.mu.Unlock()

	r.afterTerminal(snapshot)
	r.nudge()
}

// signalLocked wakes WaitFor callers.
func (r *TaskRunner) signalLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *TaskRunner) afterTerminal(t Task) {
	var dur time.Duration
	if t.StartedAt != nil && t.CompletedAt != nil {
		dur = t.CompletedAt.Sub(*t.StartedAt)
	}
	r.metrics.RecordTask(string(t.Status), dur)

	event := r.logger.Info()
	if t.Status == TaskStatusFailed {
		event = r.logger.Warn().Err(t.Error)
	}
	event.Str("task_id", t.ID).Str("status", string(t.Status)).Dur("duration", dur).Msg("Task finished")

	meta := map[string]interface{}{"logic_score": t.LogicScore}
	if t.Error != nil {
		meta["code"] = t.Error.Code
		meta["error"] = t.Error.Message
	}
	if t.BackupPath != "" {
		meta["backup_path"] = t.BackupPath
	}
	r.emitTask(t.ID, t.Status, fmt.Sprintf("task %s", t.Status), meta)

	if r.recorder != nil {
		if err := r.recorder.RecordTask(context.Background(), t); err != nil {
			r.logger.Warn().Err(err).Str("task_id", t.ID).Msg("Failed to persist task")
		}
	}
}

func (r *TaskRunner) nudge() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

var statusPercent = map[TaskStatus]float64{
	TaskStatusPending:    0,
	TaskStatusRunning:    10,
	TaskStatusValidating: 30,
	TaskStatusApplying:   70,
	TaskStatusCompleted:  100,
	TaskStatusFailed:     100,
	TaskStatusCancelled:  100,
}

func (r *TaskRunner) emitTask(id string, status TaskStatus, msg string, meta map[string]interface{}) {
	if r.progress == nil {
		return
	}
	if meta == nil {
		meta = make(map[string]interface{}, 1)
	}
	meta["status"] = string(status)
	emit(r.progress, ProgressEvent{
		Kind:     ProgressKindTask,
		Source:   id,
		Message:  msg,
		Percent:  statusPercent[status],
		Metadata: meta,
	})
}
