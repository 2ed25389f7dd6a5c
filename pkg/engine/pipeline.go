package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultIntegrationTimeout bounds each wait in VALIDATE_INTEGRATE.
	DefaultIntegrationTimeout = 60 * time.Second

	// DefaultMaxConcurrentRuns bounds runs started through Submit.
	DefaultMaxConcurrentRuns = 3

	// DefaultOutputExt is the extension of validated and integrated artifacts.
	DefaultOutputExt = ".py"

	integrationRule = "=================================================="
)

var (
	componentsPath = jp.MustParseString("$.components[*]")
	featuresPath   = jp.MustParseString("$.features[*]")
)

// Subtask is one slice of a request produced by the PLAN stage.
type Subtask struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Prompt      string   `json:"prompt"`
	Priority    Priority `json:"priority"`
}

// SubtaskOutcome is the race result of one subtask.
type SubtaskOutcome struct {
	SubtaskID string        `json:"subtask_id"`
	Success   bool          `json:"success"`
	Approach  string        `json:"approach,omitempty"`
	Cached    bool          `json:"cached,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	Error     *EngineError  `json:"error,omitempty"`

	payload string
}

// runState carries data between the stages of one run.
type runState struct {
	id          string
	request     string
	description string
	started     time.Time

	components []string
	features   []string
	subtasks   []Subtask
	outcomes   []SubtaskOutcome

	finalStatus TaskStatus
}

// runControl lets Cancel reach an executing run.
type runControl struct {
	cancel    context.CancelFunc
	requested bool
}

// stageFunc executes one stage. report takes the intra-stage fraction, 0..1.
type stageFunc func(ctx context.Context, st *runState, report func(frac float64, msg string)) StageResult

// PipelineOrchestrator drives requests through the staged pipeline.
type PipelineOrchestrator struct {
	// mu guards runs and order.
	mu    sync.RWMutex
	runs  map[string]*PipelineRun
	order []string

	cache  *SolutionCache
	racer  *RacingScheduler
	runner *TaskRunner

	recorder RunRecorder
	progress ProgressSink
	metrics  MetricsRecorder
	logger   zerolog.Logger

	// emitMu keeps emitted percentages in the order they were read.
	emitMu sync.Mutex

	outputDir          string
	outputExt          string
	integrationTimeout time.Duration

	// sem bounds concurrently executing submitted runs.
	sem chan struct{}
	wg  sync.WaitGroup

	// active holds the cancel handle of every executing run, guarded by mu.
	active map[string]*runControl

	stages map[Stage]stageFunc
}

// PipelineOption configures a PipelineOrchestrator.
type PipelineOption func(*PipelineOrchestrator)

// WithOutputDir sets the directory validated and integrated artifacts are written to.
// An empty directory skips writing.
func WithOutputDir(dir string) PipelineOption {
	return func(o *PipelineOrchestrator) { o.outputDir = dir }
}

// WithOutputExt sets the artifact file extension.
func WithOutputExt(ext string) PipelineOption {
	return func(o *PipelineOrchestrator) {
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		o.outputExt = ext
	}
}

// WithIntegrationTimeout bounds the waits for validation tasks.
func WithIntegrationTimeout(d time.Duration) PipelineOption {
	return func(o *PipelineOrchestrator) {
		if d > 0 {
			o.integrationTimeout = d
		}
	}
}

// WithMaxConcurrentRuns bounds the runs executing through Submit.
func WithMaxConcurrentRuns(n int) PipelineOption {
	return func(o *PipelineOrchestrator) {
		if n > 0 {
			o.sem = make(chan struct{}, n)
		}
	}
}

// WithRunRecorder persists runs when they finish.
func WithRunRecorder(rec RunRecorder) PipelineOption {
	return func(o *PipelineOrchestrator) { o.recorder = rec }
}

// WithPipelineProgress sets the progress sink.
func WithPipelineProgress(sink ProgressSink) PipelineOption {
	return func(o *PipelineOrchestrator) { o.progress = sink }
}

// WithPipelineMetrics sets the metrics recorder.
func WithPipelineMetrics(m MetricsRecorder) PipelineOption {
	return func(o *PipelineOrchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(l zerolog.Logger) PipelineOption {
	return func(o *PipelineOrchestrator) { o.logger = l.With().Str("component", "pipeline").Logger() }
}

// NewPipelineOrchestrator wires the pipeline onto a cache, a racer and a runner.
func NewPipelineOrchestrator(cache *SolutionCache, racer *RacingScheduler, runner *TaskRunner, opts ...PipelineOption) *PipelineOrchestrator {
	if cache == nil {
		cache = NewSolutionCache(nil)
	}
	o := &PipelineOrchestrator{
		runs:               make(map[string]*PipelineRun),
		active:             make(map[string]*runControl),
		cache:              cache,
		racer:              racer,
		runner:             runner,
		metrics:            nopMetrics{},
		logger:             zerolog.Nop(),
		outputExt:          DefaultOutputExt,
		integrationTimeout: DefaultIntegrationTimeout,
		sem:                make(chan struct{}, DefaultMaxConcurrentRuns),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.stages = map[Stage]stageFunc{
		StageInit:              o.stageInit,
		StageAnalyze:           o.stageAnalyze,
		StagePlan:              o.stagePlan,
		StageParallelExecute:   o.stageParallelExecute,
		StageValidateIntegrate: o.stageValidateIntegrate,
		StageFinalize:          o.stageFinalize,
	}
	return o
}

// Create registers a new run and returns its ID.
func (o *PipelineOrchestrator) Create(request, description string) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	run := &PipelineRun{
		ID:           id,
		Request:      request,
		Description:  description,
		Stage:        StageInit,
		Status:       RunStatusPending,
		StageResults: make(map[Stage]StageResult),
		CreatedAt:    time.Now(),
	}

	o.mu.Lock()
	o.runs[id] = run
	o.order = append(o.order, id)
	o.mu.Unlock()

	o.logger.Debug().Str("run_id", id).Msg("Pipeline run created")
	return id
}

// Run creates and executes a run synchronously.
func (o *PipelineOrchestrator) Run(ctx context.Context, request, description string) (PipelineRun, error) {
	return o.Execute(ctx, o.Create(request, description))
}

// Submit creates a run and executes it in the background. At most
// MaxConcurrentRuns submitted runs execute at once; the rest wait their turn.
func (o *PipelineOrchestrator) Submit(ctx context.Context, request, description string) string {
	id := o.Create(request, description)
	runCtx := context.WithoutCancel(ctx)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.sem <- struct{}{}
		defer func() { <-o.sem }()

		if _, err := o.Execute(runCtx, id); err != nil {
			o.logger.Warn().Err(err).Str("run_id", id).Msg("Submitted run failed")
		}
	}()
	return id
}

// Wait blocks until every submitted run has finished.
func (o *PipelineOrchestrator) Wait() {
	o.wg.Wait()
}

// Status returns a snapshot of the run.
func (o *PipelineOrchestrator) Status(id string) (PipelineRun, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	run, ok := o.runs[id]
	if !ok {
		return PipelineRun{}, false
	}
	return run.clone(), true
}

// Runs returns snapshots of every run in creation order.
func (o *PipelineOrchestrator) Runs() []PipelineRun {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PipelineRun, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.runs[id].clone())
	}
	return out
}

// Cancel stops a run. A pending run is cancelled immediately. An executing
// run has its context cancelled and its pending runner tasks marked
// CANCELLED; it ends CANCELLED once the current stage returns.
func (o *PipelineOrchestrator) Cancel(runID string) error {
	o.mu.Lock()
	run, ok := o.runs[runID]
	if !ok {
		o.mu.Unlock()
		return NewPermanentError(fmt.Sprintf("run %s not found", runID), nil).WithCode(ErrCodeNotFound)
	}
	if run.Status.IsTerminal() {
		status := run.Status
		o.mu.Unlock()
		return NewConflictError(fmt.Sprintf("run %s already %s", runID, status), nil)
	}

	if run.Status == RunStatusPending {
		now := time.Now()
		run.Status = RunStatusCancelled
		run.Stage = StageFailed
		run.CompletedAt = &now
		run.Error = runCancelledError(runID)
		snapshot := run.clone()
		o.mu.Unlock()
		o.afterFinish(snapshot)
		o.logger.Info().Str("run_id", runID).Msg("Pending pipeline run cancelled")
		return nil
	}

	ctl := o.active[runID]
	if ctl != nil {
		ctl.requested = true
	}
	taskIDs := append([]string(nil), run.TaskIDs...)
	o.mu.Unlock()

	if ctl != nil {
		ctl.cancel()
	}
	cancelled := 0
	if o.runner != nil {
		for _, id := range taskIDs {
			if o.runner.Cancel(id) {
				cancelled++
			}
		}
	}
	o.logger.Info().Str("run_id", runID).Int("tasks_cancelled", cancelled).Msg("Pipeline run cancellation requested")
	return nil
}

func runCancelledError(runID string) *EngineError {
	return NewTransientError(fmt.Sprintf("run %s cancelled", runID), context.Canceled).WithCode(ErrCodeCancelled)
}

// Report aggregates the stage results and task outcomes of a run. It may be
// called at any point in the run's life.
func (o *PipelineOrchestrator) Report(runID string) (RunReport, error) {
	run, ok := o.Status(runID)
	if !ok {
		return RunReport{}, NewPermanentError(fmt.Sprintf("run %s not found", runID), nil).WithCode(ErrCodeNotFound)
	}

	rep := RunReport{
		RunID:       run.ID,
		Request:     run.Request,
		Description: run.Description,
		Status:      run.Status,
		Stage:       run.Stage,
		Progress:    run.Progress,
		CreatedAt:   run.CreatedAt,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
		Error:       run.Error,
		Stages:      make([]StageReport, 0, len(run.StageResults)),
	}
	if run.StartedAt != nil {
		end := time.Now()
		if run.CompletedAt != nil {
			end = *run.CompletedAt
		}
		rep.Duration = end.Sub(*run.StartedAt)
	}

	for _, stage := range PipelineStages {
		res, ok := run.StageResults[stage]
		if !ok {
			continue
		}
		rep.Stages = append(rep.Stages, StageReport{
			Stage:    stage,
			Success:  res.Success,
			Message:  res.Message,
			Duration: res.Duration,
			Error:    res.Error,
		})
		if outcomes, ok := res.Data["execution_results"].([]SubtaskOutcome); ok {
			rep.Subtasks = append([]SubtaskOutcome(nil), outcomes...)
		}
	}
	for _, out := range rep.Subtasks {
		if out.Success {
			rep.SubtasksSucceeded++
		}
	}

	if o.runner == nil {
		return rep, nil
	}
	for _, id := range run.TaskIDs {
		t, ok := o.runner.Status(id)
		if !ok {
			continue
		}
		rep.Tasks = append(rep.Tasks, TaskReport{
			ID:          t.ID,
			Description: t.Description,
			Status:      t.Status,
			Destination: t.Destination,
			BackupPath:  t.BackupPath,
			LogicScore:  t.LogicScore,
			Error:       t.Error,
		})
		switch t.Status {
		case TaskStatusCompleted:
			rep.TasksCompleted++
		case TaskStatusFailed:
			rep.TasksFailed++
		case TaskStatusCancelled:
			rep.TasksCancelled++
		}
	}
	return rep, nil
}

// Execute drives a created run through every stage. A stage that fails
// outright marks the run FAILED and skips the remaining stages.
func (o *PipelineOrchestrator) Execute(ctx context.Context, runID string) (PipelineRun, error) {
	o.mu.Lock()
	run, ok := o.runs[runID]
	if !ok {
		o.mu.Unlock()
		return PipelineRun{}, NewPermanentError(fmt.Sprintf("run %s not found", runID), nil).WithCode(ErrCodeNotFound)
	}
	if run.Status == RunStatusCancelled {
		snapshot := run.clone()
		o.mu.Unlock()
		return snapshot, snapshot.Error
	}
	if run.Status != RunStatusPending {
		snapshot := run.clone()
		o.mu.Unlock()
		return snapshot, NewConflictError(fmt.Sprintf("run %s already %s", runID, snapshot.Status), nil)
	}
	now := time.Now()
	run.Status = RunStatusRunning
	run.StartedAt = &now
	st := &runState{
		id:          run.ID,
		request:     run.Request,
		description: run.Description,
		started:     now,
	}
	ctx, cancel := context.WithCancel(ctx)
	ctl := &runControl{cancel: cancel}
	o.active[runID] = ctl
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, runID)
		o.mu.Unlock()
		cancel()
	}()

	ctx, span := tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("pipeline.run_id", runID),
	))

	o.logger.Info().Str("run_id", runID).Str("description", st.description).Msg("Pipeline run started")

	total := float64(len(PipelineStages))
	for i, stage := range PipelineStages {
		idx := float64(i)
		o.setStage(runID, stage, idx/total*100)
		o.emitRun(runID, stage, fmt.Sprintf("stage %s started", stage))

		report := func(frac float64, msg string) {
			if frac < 0 {
				frac = 0
			}
			if frac > 1 {
				frac = 1
			}
			o.setProgress(runID, (idx+frac)/total*100)
			o.emitRun(runID, stage, msg)
		}

		start := time.Now()
		res := o.runStage(ctx, stage, st, report)
		res.StartedAt = start
		res.Duration = time.Since(start)

		outcome := "success"
		if !res.Success {
			outcome = "failure"
		}
		o.metrics.RecordStage(string(stage), outcome, res.Duration)

		o.mu.Lock()
		run.StageResults[stage] = res
		cancelled := ctl.requested
		o.mu.Unlock()

		if cancelled {
			err := runCancelledError(runID)
			snapshot := o.finishRun(runID, RunStatusCancelled, err)
			endSpan(span, err)
			o.logger.Info().Str("run_id", runID).Str("stage", string(stage)).Msg("Pipeline run cancelled")
			return snapshot, err
		}
		if !res.Success {
			err := res.Error
			if err == nil {
				err = NewPermanentError(res.Message, nil).WithCode(ErrCodeInternal)
			}
			snapshot := o.finishRun(runID, RunStatusFailed, err)
			endSpan(span, err)
			o.logger.Warn().Err(err).Str("run_id", runID).Str("stage", string(stage)).Msg("Pipeline run failed")
			return snapshot, err
		}
	}

	snapshot := o.finishRun(runID, RunStatusSucceeded, nil)
	endSpan(span, nil)
	o.logger.Info().
		Str("run_id", runID).
		Dur("duration", time.Since(st.started)).
		Msg("Pipeline run finished")
	return snapshot, nil
}

// runStage executes one stage, converting a panic into a failed stage.
func (o *PipelineOrchestrator) runStage(ctx context.Context, stage Stage, st *runState, report func(float64, string)) (res StageResult) {
	ctx, span := tracer.Start(ctx, "pipeline.stage."+string(stage))
	defer func() {
		if p := recover(); p != nil {
			res = StageResult{
				Message: fmt.Sprintf("stage %s panicked", stage),
				Error:   NewPermanentError(fmt.Sprintf("stage %s panicked: %v", stage, p), nil).WithCode(ErrCodeInternal),
			}
		}
		if res.Error != nil {
			endSpan(span, res.Error)
		} else {
			endSpan(span, nil)
		}
	}()

	if err := ctx.Err(); err != nil {
		return StageResult{
			Message: "run cancelled",
			Error:   NewTransientError("run cancelled", err).WithCode(ErrCodeCancelled),
		}
	}
	return o.stages[stage](ctx, st, report)
}

func (o *PipelineOrchestrator) setStage(id string, stage Stage, progress float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run := o.runs[id]
	run.Stage = stage
	if progress > run.Progress {
		run.Progress = progress
	}
}

func (o *PipelineOrchestrator) setProgress(id string, progress float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if run := o.runs[id]; progress > run.Progress {
		run.Progress = progress
	}
}

func (o *PipelineOrchestrator) finishRun(id string, status RunStatus, err *EngineError) PipelineRun {
	o.mu.Lock()
	run := o.runs[id]
	now := time.Now()
	run.Status = status
	run.CompletedAt = &now
	run.Error = err
	if status == RunStatusSucceeded {
		run.Stage = StageFinalized
		run.Progress = 100
	} else {
		run.Stage = StageFailed
	}
	snapshot := run.clone()
	o.mu.Unlock()

	o.afterFinish(snapshot)
	return snapshot
}

// afterFinish emits the terminal progress event and persists the run.
func (o *PipelineOrchestrator) afterFinish(snapshot PipelineRun) {
	o.emitRun(snapshot.ID, snapshot.Stage, fmt.Sprintf("run %s", snapshot.Status))
	if o.recorder != nil {
		if rerr := o.recorder.RecordRun(context.Background(), snapshot); rerr != nil {
			o.logger.Warn().Err(rerr).Str("run_id", snapshot.ID).Msg("Failed to persist run")
		}
	}
}

func (o *PipelineOrchestrator) emitRun(id string, stage Stage, msg string) {
	if o.progress == nil {
		return
	}
	o.emitMu.Lock()
	defer o.emitMu.Unlock()

	o.mu.RLock()
	percent := o.runs[id].Progress
	o.mu.RUnlock()
	emit(o.progress, ProgressEvent{
		Kind:     ProgressKindPipeline,
		Source:   id,
		Message:  msg,
		Percent:  percent,
		Metadata: map[string]interface{}{"stage": string(stage)},
	})
}

func (o *PipelineOrchestrator) stageInit(_ context.Context, _ *runState, _ func(float64, string)) StageResult {
	if o.racer == nil || len(o.racer.Approaches()) == 0 {
		return StageResult{
			Message: "no approaches registered",
			Error:   NewPermanentError("no approaches registered", nil).WithCode(ErrCodeAllApproachesFailed),
		}
	}
	if o.runner == nil || !o.runner.Running() {
		return StageResult{
			Message: "task runner is not started",
			Error:   NewPermanentError("task runner is not started", nil).WithCode(ErrCodeInternal),
		}
	}

	names := make([]string, 0)
	for _, a := range o.racer.Approaches() {
		names = append(names, a.Name)
	}
	data := map[string]interface{}{"approaches": names}
	if pool := o.racer.Pool(); pool != nil {
		data["ports"] = pool.Ports()
	}
	return StageResult{Success: true, Message: "pipeline initialised", Data: data}
}

func (o *PipelineOrchestrator) stageAnalyze(ctx context.Context, st *runState, report func(float64, string)) StageResult {
	prompt := fmt.Sprintf(`Analyse the following request and produce an implementation plan.

Request: %s
Description: %s

Cover:
1. Main features
2. Technical requirements
3. Implementation priorities
4. Required components
5. Expected challenges

Answer in JSON with "components" and "features" arrays.`, st.request, st.description)

	report(0.1, "analysing request")
	rr := o.cache.GetOrRun(ctx, o.racer, Request{Prompt: prompt, TaskLabel: "requirement analysis"})
	if !rr.OK() {
		return StageResult{Message: "analysis failed", Error: AsEngineError(rr.Err())}
	}

	analysis, components, features := analyzeResponse(rr.Winner.Payload)
	st.components = components
	st.features = features
	report(1, "analysis complete")

	return StageResult{
		Success: true,
		Message: fmt.Sprintf("analysis by %s", rr.Winner.Approach),
		Data: map[string]interface{}{
			"analysis":   analysis,
			"components": components,
			"features":   features,
			"approach":   rr.Winner.Approach,
			"cached":     rr.Winner.Cached,
		},
	}
}

// analyzeResponse parses an analysis payload. Non-JSON payloads are kept raw.
func analyzeResponse(payload string) (interface{}, []string, []string) {
	doc, err := oj.ParseString(payload)
	if err != nil {
		start, end := strings.Index(payload, "{"), strings.LastIndex(payload, "}")
		if start < 0 || end <= start {
			return map[string]interface{}{"raw_response": payload}, nil, nil
		}
		if doc, err = oj.ParseString(payload[start : end+1]); err != nil {
			return map[string]interface{}{"raw_response": payload}, nil, nil
		}
	}
	return doc, jsonStrings(componentsPath.Get(doc)), jsonStrings(featuresPath.Get(doc))
}

// jsonStrings flattens JSONPath matches into labels; objects contribute their "name".
func jsonStrings(values []interface{}) []string {
	var out []string
	for _, v := range values {
		switch tv := v.(type) {
		case string:
			if tv != "" {
				out = append(out, tv)
			}
		case map[string]interface{}:
			if name, ok := tv["name"].(string); ok && name != "" {
				out = append(out, name)
			}
		case nil:
		default:
			out = append(out, fmt.Sprint(tv))
		}
	}
	return out
}

func (o *PipelineOrchestrator) stagePlan(_ context.Context, st *runState, _ func(float64, string)) StageResult {
	advanced := st.request + "\n\nAdditional features: error handling, tests, documentation"
	if len(st.components) > 0 {
		advanced += "\nComponents: " + strings.Join(st.components, ", ")
	}

	st.subtasks = []Subtask{
		{
			ID:          st.id + "_basic",
			Description: "basic implementation",
			Prompt:      st.request,
			Priority:    PriorityHigh,
		},
		{
			ID:          st.id + "_advanced",
			Description: "extended implementation",
			Prompt:      advanced,
			Priority:    PriorityMedium,
		},
		{
			ID:          st.id + "_optimized",
			Description: "optimisation and refactoring",
			Prompt:      st.request + "\n\nOptimise: performance, code quality, maintainability",
			Priority:    PriorityLow,
		},
	}

	ids := make([]string, len(st.subtasks))
	for i, s := range st.subtasks {
		ids[i] = s.ID
	}
	o.mu.Lock()
	o.runs[st.id].SubtaskIDs = ids
	o.mu.Unlock()

	return StageResult{
		Success: true,
		Message: fmt.Sprintf("%d subtasks planned", len(st.subtasks)),
		Data: map[string]interface{}{
			"subtasks":       st.subtasks,
			"total_subtasks": len(st.subtasks),
		},
	}
}

func (o *PipelineOrchestrator) stageParallelExecute(ctx context.Context, st *runState, report func(float64, string)) StageResult {
	if len(st.subtasks) == 0 {
		return StageResult{Message: "no subtasks to execute", Error: NewPermanentError("no subtasks to execute", nil).WithCode(ErrCodeInternal)}
	}

	outcomes := make([]SubtaskOutcome, len(st.subtasks))
	var (
		mu   sync.Mutex
		done int
		wg   sync.WaitGroup
	)
	for i, sub := range st.subtasks {
		wg.Add(1)
		go func(i int, sub Subtask) {
			defer wg.Done()
			rr := o.cache.GetOrRun(ctx, o.racer, Request{Prompt: sub.Prompt, TaskLabel: sub.Description})

			out := SubtaskOutcome{SubtaskID: sub.ID, Elapsed: rr.Elapsed}
			if rr.OK() {
				out.Success = true
				out.Approach = rr.Winner.Approach
				out.Cached = rr.Winner.Cached
				out.payload = rr.Winner.Payload
			} else {
				out.Error = AsEngineError(rr.Err())
			}
			outcomes[i] = out

			mu.Lock()
			done++
			n := done
			mu.Unlock()
			report(float64(n)/float64(len(st.subtasks)), fmt.Sprintf("subtask %s finished (%d of %d)", sub.ID, n, len(st.subtasks)))
		}(i, sub)
	}
	wg.Wait()
	st.outcomes = outcomes

	succeeded := 0
	for _, out := range outcomes {
		if out.Success {
			succeeded++
		}
	}
	res := StageResult{
		Success: succeeded > 0,
		Message: fmt.Sprintf("%d of %d subtasks succeeded", succeeded, len(outcomes)),
		Data: map[string]interface{}{
			"execution_results": outcomes,
			"successful_count":  succeeded,
			"total_count":       len(outcomes),
		},
	}
	if succeeded == 0 {
		failures := make([]ApproachFailure, 0, len(outcomes))
		for _, out := range outcomes {
			failures = append(failures, ApproachFailure{Approach: out.SubtaskID, Err: out.Error, Elapsed: out.Elapsed})
		}
		res.Error = NewAllApproachesFailed(failures)
	}
	return res
}

func (o *PipelineOrchestrator) destination(name string) string {
	if o.outputDir == "" {
		return ""
	}
	return filepath.Join(o.outputDir, name+o.outputExt)
}

func (o *PipelineOrchestrator) stageValidateIntegrate(ctx context.Context, st *runState, report func(float64, string)) StageResult {
	type pending struct {
		subtaskID string
		taskID    string
	}
	var queued []pending
	var enqueueErrors []string

	for _, out := range st.outcomes {
		if !out.Success || out.payload == "" {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		id, err := o.runner.Enqueue(TaskSpec{
			ID:          fmt.Sprintf("%s_validate", out.SubtaskID),
			Description: fmt.Sprintf("validate %s", out.SubtaskID),
			Payload:     out.payload,
			Destination: o.destination("validated_" + out.SubtaskID),
			Priority:    PriorityHigh,
		})
		if err != nil {
			enqueueErrors = append(enqueueErrors, err.Error())
			continue
		}
		queued = append(queued, pending{subtaskID: out.SubtaskID, taskID: id})
	}

	taskIDs := make([]string, len(queued))
	for i, p := range queued {
		taskIDs[i] = p.taskID
	}
	o.mu.Lock()
	o.runs[st.id].TaskIDs = append([]string(nil), taskIDs...)
	o.mu.Unlock()

	report(0.1, fmt.Sprintf("validating %d payloads", len(queued)))
	results := o.runner.WaitFor(ctx, taskIDs, o.integrationTimeout)

	var b strings.Builder
	validation := make([]map[string]interface{}, 0, len(queued))
	completed := 0
	for _, p := range queued {
		t, ok := results[p.taskID]
		entry := map[string]interface{}{
			"subtask_id": p.subtaskID,
			"task_id":    p.taskID,
		}
		if ok {
			entry["status"] = string(t.Status)
			entry["logic_score"] = t.LogicScore
			if t.Error != nil {
				entry["error"] = t.Error.Message
			}
		}
		validation = append(validation, entry)

		if !ok || t.Status != TaskStatusCompleted {
			continue
		}
		completed++
		b.WriteString("\n# " + p.subtaskID + "\n")
		b.WriteString(t.Payload)
		b.WriteString("\n" + integrationRule + "\n")
	}
	report(0.5, fmt.Sprintf("%d of %d payloads validated", completed, len(queued)))

	data := map[string]interface{}{
		"validation_results": validation,
		"successful_count":   completed,
		"total_count":        len(queued),
	}
	if len(enqueueErrors) > 0 {
		data["enqueue_errors"] = enqueueErrors
	}
	if err := ctx.Err(); err != nil {
		return StageResult{Message: "run cancelled", Data: data, Error: NewTransientError("run cancelled", err).WithCode(ErrCodeCancelled)}
	}
	if completed == 0 {
		return StageResult{
			Message: "no payload passed validation",
			Data:    data,
			Error:   NewValidationError("no payload passed validation", nil),
		}
	}

	finalID := "final_" + st.id
	if _, err := o.runner.Enqueue(TaskSpec{
		ID:          finalID,
		Description: fmt.Sprintf("integrated artifact for %s", st.id),
		Payload:     b.String(),
		Destination: o.destination(finalID),
		Priority:    PriorityUrgent,
	}); err != nil {
		return StageResult{Message: "failed to submit integrated artifact", Data: data, Error: AsEngineError(err)}
	}

	o.mu.Lock()
	o.runs[st.id].TaskIDs = append(o.runs[st.id].TaskIDs, finalID)
	o.mu.Unlock()

	final := o.runner.WaitFor(ctx, []string{finalID}, o.integrationTimeout)[finalID]
	st.finalStatus = final.Status
	data["final_task_id"] = finalID
	data["final_status"] = string(final.Status)
	if final.Destination != "" {
		data["final_destination"] = final.Destination
	}
	report(1, fmt.Sprintf("integrated artifact %s", final.Status))

	if final.Status != TaskStatusCompleted {
		return StageResult{
			Message: fmt.Sprintf("integrated artifact %s", finalStatusLabel(final.Status)),
			Data:    data,
			Error:   integrationError(finalID, final),
		}
	}

	return StageResult{
		Success: true,
		Message: fmt.Sprintf("%d payloads integrated", completed),
		Data:    data,
	}
}

func finalStatusLabel(s TaskStatus) string {
	if s == "" {
		return "missing"
	}
	if !s.IsTerminal() {
		return "timed out while " + string(s)
	}
	return string(s)
}

// integrationError describes a final task that did not complete.
func integrationError(finalID string, final Task) *EngineError {
	if final.Error != nil {
		return final.Error
	}
	if final.Status == "" || !final.Status.IsTerminal() {
		return NewTransientError(fmt.Sprintf("integrated artifact %s did not finish in time", finalID), context.DeadlineExceeded).
			WithCode(ErrCodeInternal).
			WithTask(finalID)
	}
	return NewValidationError(fmt.Sprintf("integrated artifact %s ended %s", finalID, final.Status), nil).WithTask(finalID)
}

func (o *PipelineOrchestrator) stageFinalize(_ context.Context, st *runState, _ func(float64, string)) StageResult {
	o.mu.RLock()
	run := o.runs[st.id]
	completedStages := make([]string, 0, len(PipelineStages))
	for _, stage := range PipelineStages {
		if res, ok := run.StageResults[stage]; ok && res.Success {
			completedStages = append(completedStages, string(stage))
		}
	}
	o.mu.RUnlock()

	successful := 0
	for _, out := range st.outcomes {
		if out.Success {
			successful++
		}
	}

	return StageResult{
		Success: true,
		Message: "run finalised",
		Data: map[string]interface{}{
			"run_id":              st.id,
			"description":         st.description,
			"total_time":          time.Since(st.started).Seconds(),
			"completed_stages":    completedStages,
			"successful_subtasks": successful,
			"final_status":        string(st.finalStatus),
		},
	}
}
