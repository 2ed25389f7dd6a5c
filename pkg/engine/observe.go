package engine

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is resolved through the global provider so that telemetry.NewTracer
// configures it without the engine importing the telemetry package.
var tracer = otel.Tracer("github.com/tandem-ai/tandem/pkg/engine")

// MetricsRecorder receives engine measurements. telemetry.Metrics implements it.
type MetricsRecorder interface {
	// RecordApproachCall records one approach execution and its outcome code.
	RecordApproachCall(approach, outcome string, duration time.Duration)

	// RecordRace records a finished race; winner is empty when all approaches failed.
	RecordRace(winner string, duration time.Duration)

	// SetPoolInUse reports the number of outstanding pool tokens.
	SetPoolInUse(n int)

	// RecordPoolExhausted counts a failed token acquisition.
	RecordPoolExhausted(approach string)

	// RecordCacheLookup counts a solution cache hit or miss.
	RecordCacheLookup(hit bool)

	// RecordTask records a task reaching a terminal status.
	RecordTask(status string, duration time.Duration)

	// RecordStage records a pipeline stage outcome.
	RecordStage(stage, outcome string, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordApproachCall(string, string, time.Duration) {}
func (nopMetrics) RecordRace(string, time.Duration)                 {}
func (nopMetrics) SetPoolInUse(int)                                 {}
func (nopMetrics) RecordPoolExhausted(string)                       {}
func (nopMetrics) RecordCacheLookup(bool)                           {}
func (nopMetrics) RecordTask(string, time.Duration)                 {}
func (nopMetrics) RecordStage(string, string, time.Duration)        {}

// endSpan closes span, marking it failed when err is non-nil.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// emit delivers ev to sink if one is configured.
func emit(sink ProgressSink, ev ProgressEvent) {
	if sink == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	sink(ev)
}
