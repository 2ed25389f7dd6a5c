package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tandem-ai/tandem/pkg/engine"
)

// Metrics provides Prometheus metrics for the engine. Every Record method is
// a no-op when metrics are disabled.
type Metrics struct {
	config MetricsConfig

	// Approach metrics
	approachCalls    *prometheus.CounterVec
	approachDuration *prometheus.HistogramVec
	raceWins         *prometheus.CounterVec
	raceDuration     prometheus.Histogram

	// Pool metrics
	poolInUse     prometheus.Gauge
	poolExhausted *prometheus.CounterVec

	// Cache metrics
	cacheLookups *prometheus.CounterVec

	// Task and pipeline metrics
	tasksFinished *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	stages        *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

var _ engine.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		approachCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approach_calls_total",
				Help:      "Total number of approach executions by outcome",
			},
			[]string{"approach", "outcome"},
		),
		approachDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "approach_duration_seconds",
				Help:      "Duration of approach executions in seconds",
				Buckets:   buckets,
			},
			[]string{"approach"},
		),
		raceWins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "race_wins_total",
				Help:      "Races won per approach; winner=none when every approach failed",
			},
			[]string{"winner"},
		),
		raceDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "race_duration_seconds",
				Help:      "Duration of races in seconds",
				Buckets:   buckets,
			},
		),

		poolInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_tokens_in_use",
				Help:      "Current number of backend pool tokens held",
			},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_exhausted_total",
				Help:      "Total number of failed pool token acquisitions",
			},
			[]string{"approach"},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Solution cache lookups by result",
			},
			[]string{"result"},
		),

		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Tasks that reached a terminal status",
			},
			[]string{"status"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Time from task creation to terminal status in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		stages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_stages_total",
				Help:      "Pipeline stage executions by outcome",
			},
			[]string{"stage", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_stage_duration_seconds",
				Help:      "Duration of pipeline stages in seconds",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),
	}

	registry.MustRegister(
		m.approachCalls,
		m.approachDuration,
		m.raceWins,
		m.raceDuration,
		m.poolInUse,
		m.poolExhausted,
		m.cacheLookups,
		m.tasksFinished,
		m.taskDuration,
		m.stages,
		m.stageDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// RecordApproachCall records one approach execution and its outcome code.
func (m *Metrics) RecordApproachCall(approach, outcome string, duration time.Duration) {
	if m == nil || m.approachCalls == nil {
		return
	}
	m.approachCalls.WithLabelValues(approach, outcome).Inc()
	m.approachDuration.WithLabelValues(approach).Observe(duration.Seconds())
}

// RecordRace records a finished race.
func (m *Metrics) RecordRace(winner string, duration time.Duration) {
	if m == nil || m.raceWins == nil {
		return
	}
	if winner == "" {
		winner = "none"
	}
	m.raceWins.WithLabelValues(winner).Inc()
	m.raceDuration.Observe(duration.Seconds())
}

// SetPoolInUse reports the number of outstanding pool tokens.
func (m *Metrics) SetPoolInUse(n int) {
	if m == nil || m.poolInUse == nil {
		return
	}
	m.poolInUse.Set(float64(n))
}

// RecordPoolExhausted counts a failed token acquisition.
func (m *Metrics) RecordPoolExhausted(approach string) {
	if m == nil || m.poolExhausted == nil {
		return
	}
	m.poolExhausted.WithLabelValues(approach).Inc()
}

// RecordCacheLookup counts a solution cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil || m.cacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RecordTask records a task reaching a terminal status.
func (m *Metrics) RecordTask(status string, duration time.Duration) {
	if m == nil || m.tasksFinished == nil {
		return
	}
	m.tasksFinished.WithLabelValues(status).Inc()
	m.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStage records a pipeline stage outcome.
func (m *Metrics) RecordStage(stage, outcome string, duration time.Duration) {
	if m == nil || m.stages == nil {
		return
	}
	m.stages.WithLabelValues(stage, outcome).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// Registry returns the metrics registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
