package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const analysisJSON = `{"components": [{"name": "parser"}, "evaluator"], "features": ["add", "subtract"]}`

// scriptedApproach answers analysis prompts with JSON and everything else with code.
func scriptedApproach(failOn string) *mockApproach {
	return &mockApproach{
		name:     "scripted",
		priority: 5,
		fn: func(_ context.Context, req Request, _ *PoolToken) (string, error) {
			if failOn != "" && strings.Contains(req.Prompt, failOn) {
				return "", NewBackendUnavailable("scripted failure", nil)
			}
			if req.TaskLabel == "requirement analysis" {
				return "Here is the plan:\n" + analysisJSON, nil
			}
			return "def solve():\n    return 42\n", nil
		},
	}
}

func newTestPipeline(t *testing.T, approach Approach, dir string, opts ...PipelineOption) (*PipelineOrchestrator, *TaskRunner) {
	t.Helper()
	racer := NewRacingScheduler(nil)
	if approach != nil {
		racer.Register(approach)
	}
	runner := NewTaskRunner(&mockValidator{}, &mockApplier{}, WithPollInterval(5*time.Millisecond))
	startRunner(t, runner, 2)

	opts = append([]PipelineOption{WithOutputDir(dir), WithIntegrationTimeout(5 * time.Second)}, opts...)
	return NewPipelineOrchestrator(NewSolutionCache(nil), racer, runner, opts...), runner
}

func TestPipeline_RunSucceeds(t *testing.T) {
	dir := t.TempDir()
	rec := &eventRecorder{}
	o, runner := newTestPipeline(t, scriptedApproach(""), dir, WithPipelineProgress(rec.sink))

	run, err := o.Run(context.Background(), "build a calculator", "calculator app")
	if err != nil {
		t.Fatalf("Expected run to succeed: %v", err)
	}

	if run.Status != RunStatusSucceeded || run.Stage != StageFinalized {
		t.Errorf("Expected succeeded/finalized, got %s/%s", run.Status, run.Stage)
	}
	if run.Progress != 100 {
		t.Errorf("Expected progress 100, got %f", run.Progress)
	}
	if len(run.StageResults) != len(PipelineStages) {
		t.Errorf("Expected %d stage results, got %d", len(PipelineStages), len(run.StageResults))
	}

	wantSubtasks := []string{run.ID + "_basic", run.ID + "_advanced", run.ID + "_optimized"}
	if strings.Join(run.SubtaskIDs, ",") != strings.Join(wantSubtasks, ",") {
		t.Errorf("Expected subtasks %v, got %v", wantSubtasks, run.SubtaskIDs)
	}

	analysis := run.StageResults[StageAnalyze].Data
	components, _ := analysis["components"].([]string)
	if strings.Join(components, ",") != "parser,evaluator" {
		t.Errorf("Expected components parsed from analysis, got %v", analysis["components"])
	}

	finalID := "final_" + run.ID
	final, ok := runner.Status(finalID)
	if !ok || final.Status != TaskStatusCompleted || final.Priority != PriorityUrgent {
		t.Fatalf("Expected urgent final task completed, got %+v", final)
	}
	data, err := os.ReadFile(filepath.Join(dir, finalID+DefaultOutputExt))
	if err != nil {
		t.Fatalf("Expected integrated artifact written: %v", err)
	}
	for _, id := range wantSubtasks {
		if !strings.Contains(string(data), "# "+id+"\n") {
			t.Errorf("Expected integrated artifact to contain header for %s", id)
		}
	}
	if strings.Count(string(data), strings.Repeat("=", 50)) != 3 {
		t.Errorf("Expected 3 separators in integrated artifact:\n%s", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "validated_"+run.ID+"_basic.py")); err != nil {
		t.Errorf("Expected validated subtask artifact: %v", err)
	}

	summary := run.StageResults[StageFinalize].Data
	if summary["run_id"] != run.ID || summary["successful_subtasks"] != 3 || summary["final_status"] != "completed" {
		t.Errorf("Unexpected summary: %+v", summary)
	}

	rep, err := o.Report(run.ID)
	if err != nil {
		t.Fatalf("Expected report: %v", err)
	}
	if rep.Status != RunStatusSucceeded || len(rep.Stages) != len(PipelineStages) {
		t.Errorf("Expected succeeded report with %d stages, got %s with %d", len(PipelineStages), rep.Status, len(rep.Stages))
	}
	if rep.Stages[0].Stage != StageInit || rep.Stages[len(rep.Stages)-1].Stage != StageFinalize {
		t.Errorf("Expected stages in pipeline order, got %+v", rep.Stages)
	}
	if rep.SubtasksSucceeded != 3 || len(rep.Subtasks) != 3 {
		t.Errorf("Expected 3 successful subtasks in report, got %d of %d", rep.SubtasksSucceeded, len(rep.Subtasks))
	}
	if rep.TasksCompleted != 4 || rep.TasksFailed != 0 || len(rep.Tasks) != 4 {
		t.Errorf("Expected 4 completed tasks in report, got %+v", rep.Tasks)
	}
	if rep.Duration <= 0 {
		t.Errorf("Expected positive run duration, got %v", rep.Duration)
	}

	last := -1.0
	for _, ev := range rec.snapshot() {
		if ev.Kind != ProgressKindPipeline {
			continue
		}
		if ev.Percent < last {
			t.Errorf("Progress decreased from %f to %f (%s)", last, ev.Percent, ev.Message)
		}
		last = ev.Percent
	}
	if last != 100 {
		t.Errorf("Expected final progress event at 100, got %f", last)
	}
}

func TestPipeline_PartialSubtaskFailure(t *testing.T) {
	o, _ := newTestPipeline(t, scriptedApproach("Optimise"), t.TempDir())

	run, err := o.Run(context.Background(), "build a todo list", "todo")
	if err != nil {
		t.Fatalf("Expected partial success to finish the run: %v", err)
	}
	exec := run.StageResults[StageParallelExecute].Data
	if exec["successful_count"] != 2 || exec["total_count"] != 3 {
		t.Errorf("Expected 2 of 3 subtasks, got %+v", exec)
	}
	if run.StageResults[StageFinalize].Data["successful_subtasks"] != 2 {
		t.Errorf("Expected summary to report 2 successful subtasks")
	}
}

func TestPipeline_AnalysisFailureStopsRun(t *testing.T) {
	failing := &mockApproach{name: "down", fn: failAfter(time.Millisecond)}
	o, _ := newTestPipeline(t, failing, t.TempDir())

	run, err := o.Run(context.Background(), "anything", "")
	if !HasCode(err, ErrCodeAllApproachesFailed) {
		t.Fatalf("Expected ALL_APPROACHES_FAILED, got %v", err)
	}
	if run.Status != RunStatusFailed || run.Stage != StageFailed {
		t.Errorf("Expected failed run, got %s/%s", run.Status, run.Stage)
	}
	if run.Error == nil {
		t.Error("Expected run error to be recorded")
	}
	if _, ok := run.StageResults[StagePlan]; ok {
		t.Error("Expected later stages to be skipped")
	}
	if res := run.StageResults[StageAnalyze]; res.Success {
		t.Error("Expected analyze stage to be recorded as failed")
	}
}

func TestPipeline_InitRequiresApproaches(t *testing.T) {
	o, _ := newTestPipeline(t, nil, "")

	run, err := o.Run(context.Background(), "x", "")
	if err == nil {
		t.Fatal("Expected run without approaches to fail")
	}
	if _, ok := run.StageResults[StageAnalyze]; ok {
		t.Error("Expected run to stop at init")
	}
}

func TestPipeline_ExecuteOnlyOnce(t *testing.T) {
	o, _ := newTestPipeline(t, scriptedApproach(""), "")

	id := o.Create("x", "y")
	if _, err := o.Execute(context.Background(), id); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := o.Execute(context.Background(), id); !IsConflict(err) {
		t.Errorf("Expected conflict re-executing a run, got %v", err)
	}
	if _, err := o.Execute(context.Background(), "missing"); !HasCode(err, ErrCodeNotFound) {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}
}

func TestPipeline_SubmitRunsInBackground(t *testing.T) {
	o, _ := newTestPipeline(t, scriptedApproach(""), "", WithMaxConcurrentRuns(1))

	ids := []string{
		o.Submit(context.Background(), "first request", "one"),
		o.Submit(context.Background(), "second request", "two"),
	}
	o.Wait()

	for _, id := range ids {
		run, ok := o.Status(id)
		if !ok || run.Status != RunStatusSucceeded {
			t.Errorf("Expected run %s to succeed, got %+v", id, run.Status)
		}
	}
	if len(o.Runs()) != 2 {
		t.Errorf("Expected 2 runs listed, got %d", len(o.Runs()))
	}
}

func TestAnalyzeResponse(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		components []string
		raw        bool
	}{
		{name: "plain json", payload: `{"components": ["ui", "storage"]}`, components: []string{"ui", "storage"}},
		{name: "embedded json", payload: "Sure!\n" + analysisJSON + "\nDone.", components: []string{"parser", "evaluator"}},
		{name: "prose", payload: "Just build it.", raw: true},
		{name: "broken json", payload: `{"components": [`, raw: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, components, _ := analyzeResponse(tt.payload)
			if tt.raw {
				m, ok := doc.(map[string]interface{})
				if !ok || m["raw_response"] != tt.payload {
					t.Errorf("Expected raw response, got %#v", doc)
				}
				return
			}
			if strings.Join(components, ",") != strings.Join(tt.components, ",") {
				t.Errorf("Expected components %v, got %v", tt.components, components)
			}
		})
	}
}

// finalFailingApplier fails only the integrated artifact.
type finalFailingApplier struct {
	mockApplier
}

func (a *finalFailingApplier) Apply(ctx context.Context, destination, payload string) (*ApplyOutcome, error) {
	if strings.Contains(filepath.Base(destination), "final_") {
		return nil, errors.New("read-only file system")
	}
	return a.mockApplier.Apply(ctx, destination, payload)
}

func TestPipeline_FailedIntegrationFailsRun(t *testing.T) {
	racer := NewRacingScheduler(nil)
	racer.Register(scriptedApproach(""))
	runner := NewTaskRunner(&mockValidator{}, &finalFailingApplier{}, WithPollInterval(5*time.Millisecond))
	startRunner(t, runner, 2)
	o := NewPipelineOrchestrator(NewSolutionCache(nil), racer, runner,
		WithOutputDir(t.TempDir()), WithIntegrationTimeout(5*time.Second))

	run, err := o.Run(context.Background(), "build a parser", "parser")
	if !HasCode(err, ErrCodeApply) {
		t.Fatalf("Expected APPLY_ERROR from the integrated artifact, got %v", err)
	}
	if run.Status != RunStatusFailed {
		t.Errorf("Expected failed run, got %s", run.Status)
	}
	res := run.StageResults[StageValidateIntegrate]
	if res.Success {
		t.Error("Expected integration stage to fail")
	}
	if res.Data["final_status"] != string(TaskStatusFailed) {
		t.Errorf("Expected final_status failed, got %v", res.Data["final_status"])
	}
	if _, ok := run.StageResults[StageFinalize]; ok {
		t.Error("Expected finalize to be skipped")
	}

	rep, err := o.Report(run.ID)
	if err != nil {
		t.Fatalf("Expected report: %v", err)
	}
	if rep.TasksCompleted != 3 || rep.TasksFailed != 1 {
		t.Errorf("Expected 3 completed and 1 failed task, got %d and %d", rep.TasksCompleted, rep.TasksFailed)
	}
}

func TestPipeline_CancelPendingRun(t *testing.T) {
	o, _ := newTestPipeline(t, scriptedApproach(""), "")

	id := o.Create("x", "y")
	if err := o.Cancel(id); err != nil {
		t.Fatalf("Expected pending run to cancel: %v", err)
	}
	run, _ := o.Status(id)
	if run.Status != RunStatusCancelled || run.Stage != StageFailed || run.CompletedAt == nil {
		t.Errorf("Expected cancelled run, got %s/%s", run.Status, run.Stage)
	}

	if _, err := o.Execute(context.Background(), id); !HasCode(err, ErrCodeCancelled) {
		t.Errorf("Expected CANCELLED executing a cancelled run, got %v", err)
	}
	if err := o.Cancel(id); !IsConflict(err) {
		t.Errorf("Expected conflict cancelling twice, got %v", err)
	}
	if err := o.Cancel("missing"); !HasCode(err, ErrCodeNotFound) {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}
	if _, err := o.Report("missing"); !HasCode(err, ErrCodeNotFound) {
		t.Errorf("Expected NOT_FOUND report, got %v", err)
	}
}

func TestPipeline_CancelExecutingRun(t *testing.T) {
	racer := NewRacingScheduler(nil)
	racer.Register(scriptedApproach(""))
	// One slow worker keeps the later validation tasks pending.
	runner := NewTaskRunner(&mockValidator{delay: 500 * time.Millisecond}, &mockApplier{}, WithPollInterval(5*time.Millisecond))
	startRunner(t, runner, 1)
	o := NewPipelineOrchestrator(NewSolutionCache(nil), racer, runner, WithIntegrationTimeout(5*time.Second))

	id := o.Submit(context.Background(), "build a queue", "queue")
	eventually(t, 2*time.Second, func() bool {
		run, _ := o.Status(id)
		return len(run.TaskIDs) == 3 && len(runner.TasksByStatus(TaskStatusValidating)) == 1
	}, "validation tasks enqueued")

	if err := o.Cancel(id); err != nil {
		t.Fatalf("Expected executing run to cancel: %v", err)
	}
	done := make(chan struct{})
	go func() {
		o.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Cancelled run did not stop")
	}

	run, _ := o.Status(id)
	if run.Status != RunStatusCancelled || run.Error == nil || run.Error.Code != ErrCodeCancelled {
		t.Errorf("Expected cancelled run, got %s (%v)", run.Status, run.Error)
	}
	if _, ok := runner.Status("final_" + id); ok {
		t.Error("Expected no integrated artifact after cancel")
	}

	rep, err := o.Report(id)
	if err != nil {
		t.Fatalf("Expected report: %v", err)
	}
	if rep.TasksCancelled != 2 {
		t.Errorf("Expected 2 pending tasks cancelled, got %+v", rep.Tasks)
	}
	if rep.Status != RunStatusCancelled {
		t.Errorf("Expected cancelled report, got %s", rep.Status)
	}
}
