package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tandem-ai/tandem/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"production needs endpoint", func(c *Config) { *c = *ProductionConfig() }, true},
		{"production with endpoint", func(c *Config) { *c = *ProductionConfig(); c.Tracing.Endpoint = "collector:4317" }, false},
		{"development", func(c *Config) { *c = *DevelopmentConfig() }, false},
		{"no service", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"zero buffer", func(c *Config) { c.Events.BufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.NewComponentLogger("racer").WithApproach("ollama").WithRunID("run-1").Info("race finished")
	logger.Debug("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected 1 line (debug filtered), got %d: %s", len(lines), buf.String())
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Expected JSON log line: %v", err)
	}
	for key, want := range map[string]string{"component": "racer", "approach": "ollama", "run_id": "run-1", "message": "race finished", "level": "info"} {
		if entry[key] != want {
			t.Errorf("Expected %s=%q, got %v", key, want, entry[key])
		}
	}
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	ctx := logger.WithTaskID("t1").WithContext(context.Background())
	FromContext(ctx).Debug("from context")
	if !strings.Contains(buf.String(), `"task_id":"t1"`) {
		t.Errorf("Expected task_id field, got %s", buf.String())
	}

	// Without a logger the fallback is silent.
	FromContext(context.Background()).Error("dropped")
}

func TestLoggerRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "tandem.log")
	logger, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.WithError(errors.New("boom")).Error("apply failed")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected log file: %v", err)
	}
	if !strings.Contains(string(data), `"error":"boom"`) {
		t.Errorf("Unexpected log file content: %s", data)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("warn").String() != "warn" || ParseLevel("nonsense").String() != "info" {
		t.Error("Unexpected level mapping")
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMetrics(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "tandem"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordApproachCall("ultra_fast", "ok", 5*time.Millisecond)
	m.RecordApproachCall("ollama", engine.ErrCodeBackendUnavailable, time.Second)
	m.RecordRace("ultra_fast", 5*time.Millisecond)
	m.RecordRace("", time.Second)
	m.SetPoolInUse(2)
	m.RecordPoolExhausted("ollama")
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.RecordCacheLookup(false)
	m.RecordTask("completed", time.Second)
	m.RecordStage("analyze", "ok", time.Second)

	body := scrape(t, m)
	for _, want := range []string{
		`tandem_approach_calls_total{approach="ultra_fast",outcome="ok"} 1`,
		`tandem_approach_calls_total{approach="ollama",outcome="BACKEND_UNAVAILABLE"} 1`,
		`tandem_race_wins_total{winner="ultra_fast"} 1`,
		`tandem_race_wins_total{winner="none"} 1`,
		`tandem_pool_tokens_in_use 2`,
		`tandem_pool_exhausted_total{approach="ollama"} 1`,
		`tandem_cache_lookups_total{result="miss"} 2`,
		`tandem_tasks_total{status="completed"} 1`,
		`tandem_pipeline_stages_total{outcome="ok",stage="analyze"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected metrics output to contain %q", want)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	// All recorders are no-ops.
	m.RecordApproachCall("a", "ok", time.Second)
	m.RecordRace("a", time.Second)
	m.SetPoolInUse(1)
	m.RecordPoolExhausted("a")
	m.RecordCacheLookup(true)
	m.RecordTask("failed", time.Second)
	m.RecordStage("plan", "error", time.Second)

	if m.Registry() != nil {
		t.Error("Expected no registry when disabled")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("Expected 404 from disabled handler, got %d", rec.Code)
	}

	var nilMetrics *Metrics
	nilMetrics.RecordRace("a", time.Second)
}

func TestFromProgress(t *testing.T) {
	ev := FromProgress(engine.ProgressEvent{
		Kind:     engine.ProgressKindTask,
		Source:   "t1",
		Message:  "failed",
		Percent:  100,
		Metadata: map[string]interface{}{"status": "failed"},
	})
	if ev.Type != EventTypeTask || ev.Level != EventLevelError || ev.Percent != 100 {
		t.Errorf("Unexpected task event: %+v", ev)
	}

	ev = FromProgress(engine.ProgressEvent{Kind: engine.ProgressKindApproach, Metadata: map[string]interface{}{"success": false}})
	if ev.Type != EventTypeApproach || ev.Level != EventLevelWarning {
		t.Errorf("Unexpected approach event: %+v", ev)
	}

	ev = FromProgress(engine.ProgressEvent{Kind: engine.ProgressKindPipeline})
	if ev.Type != EventTypePipeline || ev.Level != EventLevelInfo {
		t.Errorf("Unexpected pipeline event: %+v", ev)
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	defer ep.Shutdown(context.Background())

	var all, errorsOnly []Event
	ep.Subscribe(func(e Event) { all = append(all, e) }, nil)
	ep.Subscribe(func(e Event) { errorsOnly = append(errorsOnly, e) }, FilterByLevel(EventLevelError))
	ep.AddFilter(func(e Event) bool { return e.Source != "ignored" })

	_ = ep.Publish(Event{Type: EventTypeTask, Source: "t1", Message: "running"})
	_ = ep.Publish(Event{Type: EventTypeError, Source: "t1", Level: EventLevelError})
	_ = ep.Publish(Event{Type: EventTypeTask, Source: "ignored"})

	if len(all) != 2 || len(errorsOnly) != 1 {
		t.Fatalf("Expected 2 and 1 events, got %d and %d", len(all), len(errorsOnly))
	}
	if all[0].ID == "" || all[0].Timestamp.IsZero() || all[0].Level != EventLevelInfo {
		t.Errorf("Expected defaults to be filled, got %+v", all[0])
	}
}

func TestEventPublisherAsyncOrder(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 100, MaxBatchSize: 10, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var mu sync.Mutex
	var got []float64
	ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.Percent)
		mu.Unlock()
	}, FilterBySource("run-1"))

	sink := ep.ProgressSink()
	for i := 0; i < 50; i++ {
		sink(engine.ProgressEvent{Kind: engine.ProgressKindPipeline, Source: "run-1", Percent: float64(i)})
	}
	sink(engine.ProgressEvent{Kind: engine.ProgressKindPipeline, Source: "run-2"})

	// Shutdown delivers everything still buffered.
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 50 {
		t.Fatalf("Expected 50 events, got %d", len(got))
	}
	for i, p := range got {
		if p != float64(i) {
			t.Fatalf("Expected in-order delivery, got %v at %d", p, i)
		}
	}

	if err := ep.Publish(Event{Type: EventTypeTask}); err == nil {
		t.Error("Expected publish after shutdown to fail")
	}
}

func TestEventPublisherBufferFull(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1, MaxBatchSize: 1, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	block := make(chan struct{})
	ep.Subscribe(func(Event) { <-block }, nil)

	var failures int
	for i := 0; i < 10; i++ {
		if err := ep.Publish(Event{Type: EventTypeTask}); err != nil {
			failures++
		}
	}
	close(block)
	_ = ep.Shutdown(context.Background())

	if failures == 0 || ep.Dropped() != uint64(failures) {
		t.Errorf("Expected dropped events to be counted, failures=%d dropped=%d", failures, ep.Dropped())
	}
}

func TestEventPublisherDisabled(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: false})
	called := false
	ep.Subscribe(func(Event) { called = true }, nil)
	if err := ep.Publish(Event{}); err != nil {
		t.Errorf("Expected disabled publish to succeed, got %v", err)
	}
	if called {
		t.Error("Expected no delivery when disabled")
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestTracer(t *testing.T) {
	if _, err := NewTracer(TracingConfig{Enabled: true, Exporter: "zipkin"}, "tandem", "test", "test"); err == nil {
		t.Error("Expected unsupported exporter error")
	}

	disabled, err := NewTracer(TracingConfig{}, "tandem", "test", "test")
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	if err := disabled.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown of disabled tracer failed: %v", err)
	}

	tracer, err := NewTracer(TracingConfig{Enabled: true, Exporter: "none", SamplingRate: 1}, "tandem", "test", "test")
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	defer tracer.Shutdown(context.Background())

	ctx, span := tracer.StartCommandSpan(context.Background(), "race")
	if TraceID(ctx) == "" {
		t.Error("Expected a sampled span with a trace id")
	}
	RecordSuccess(span)
	span.End()

	if TraceID(context.Background()) != "" {
		t.Error("Expected no trace id without a span")
	}
}

func TestTelemetryOperation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = filepath.Join(t.TempDir(), "tandem.log")
	cfg.Tracing = TracingConfig{Enabled: true, Exporter: "none", SamplingRate: 1}

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Fatal("Expected telemetry in context")
	}

	op := StartOperation(ctx, "task.apply", AttrTaskID.String("t1"))
	if op.Span == nil || TraceID(op.Ctx) == "" {
		t.Fatal("Expected a traced operation")
	}
	op.End(engine.NewApplyError("disk full", nil))
	if op.Duration() <= 0 {
		t.Error("Expected a positive duration")
	}

	cmd := StartCommand(ctx, "race")
	if cmd.Span == nil || TraceID(cmd.Ctx) == "" {
		t.Fatal("Expected a traced command")
	}
	cmd.End(nil)

	bare := StartOperation(context.Background(), "noop")
	bare.End(nil)
	if bare.Span != nil {
		t.Error("Expected no span without telemetry")
	}
	if c := StartCommand(context.Background(), "stats"); c.Span != nil || c.Ctx == nil {
		t.Error("Expected an untraced command without telemetry")
	}

	if _, err := NewTelemetry(&Config{}); err == nil {
		t.Error("Expected invalid config to fail")
	}
}
