// Package telemetry wires logging, metrics, tracing and progress events.
//
// Logging goes through zerolog, with optional rotated file output. Metrics
// are Prometheus collectors in a private registry; *Metrics implements
// engine.MetricsRecorder. NewTracer installs an OpenTelemetry provider
// globally so spans started inside the engine are exported (stdout or OTLP
// over gRPC). EventPublisher adapts engine progress events for subscribers
// such as the CLI's progress printer.
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(ctx)
//
//	runner := engine.NewTaskRunner(validator, applier,
//		engine.WithRunnerMetrics(tel.Metrics),
//		engine.WithTaskProgress(tel.Events.ProgressSink()))
package telemetry
