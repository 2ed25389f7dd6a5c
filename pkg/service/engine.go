package service

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/tandem-ai/tandem/pkg/apply"
	"github.com/tandem-ai/tandem/pkg/approaches"
	"github.com/tandem-ai/tandem/pkg/config"
	"github.com/tandem-ai/tandem/pkg/engine"
	"github.com/tandem-ai/tandem/pkg/stores"
	"github.com/tandem-ai/tandem/pkg/telemetry"
	"github.com/tandem-ai/tandem/pkg/validate"
)

// Engine owns every engine component built from one configuration and
// exposes them through typed commands.
type Engine struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	pool     *engine.ResourcePool
	history  *engine.ExecutionHistory
	cache    *engine.SolutionCache
	racer    *engine.RacingScheduler
	runner   *engine.TaskRunner
	pipeline *engine.PipelineOrchestrator

	validator *validate.Validator
	remote    *apply.RemoteApplier
	set       *approaches.Set

	store *stores.SQLiteStore
	redis *stores.RedisCacheBackend

	ownsTelemetry bool
	started       bool
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	approaches []engine.Approach
	applier    engine.Applier
	validator  engine.Validator
}

// WithApproaches registers as instead of the approaches built from config.
func WithApproaches(as ...engine.Approach) Option {
	return func(o *options) { o.approaches = as }
}

// WithApplier replaces the destination writers.
func WithApplier(a engine.Applier) Option {
	return func(o *options) { o.applier = a }
}

// WithValidator replaces the payload validator.
func WithValidator(v engine.Validator) Option {
	return func(o *options) { o.validator = v }
}

// New builds an engine from cfg. A nil tel creates telemetry from
// cfg.Telemetry, which Close then shuts down.
func New(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, opts ...Option) (_ *Engine, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{cfg: cfg, tel: tel}
	defer func() {
		if err != nil {
			_ = e.Close(context.Background())
		}
	}()

	if e.tel == nil {
		if e.tel, err = telemetry.NewTelemetry(&cfg.Telemetry); err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		e.ownsTelemetry = true
	}
	e.logger = e.tel.Logger.Zerolog().With().Str("component", "service").Logger()
	logger := e.tel.Logger.Zerolog()
	metrics := e.tel.Metrics
	progress := e.tel.Events.ProgressSink()

	if cfg.Storage.Driver == config.DriverSQLite {
		if e.store, err = stores.Open(ctx, *cfg.Storage.SQLite); err != nil {
			return nil, err
		}
	}

	e.history = engine.NewExecutionHistory(cfg.Engine.HistoryCapacity)
	if e.store != nil {
		e.history.SetRecorder(e.store, logger)
	}

	backend, err := e.cacheBackend(ctx)
	if err != nil {
		return nil, err
	}
	e.cache = engine.NewSolutionCache(backend,
		engine.WithMaxEntries(cfg.Engine.CacheMaxEntries),
		engine.WithCacheHistory(e.history),
		engine.WithCacheMetrics(metrics),
		engine.WithCacheLogger(logger),
	)

	e.pool = engine.NewResourcePool(cfg.Pool.Ports)
	e.pool.SetMetrics(metrics)
	e.racer = engine.NewRacingScheduler(e.pool,
		engine.WithTokenRetryDelay(cfg.Pool.TokenRetryDelay),
		engine.WithApproachTimeout(cfg.Pool.ApproachTimeout),
		engine.WithHistory(e.history),
		engine.WithRaceProgress(progress),
		engine.WithRaceMetrics(metrics),
		engine.WithRaceLogger(logger),
	)

	list := o.approaches
	if list == nil {
		if e.set, err = approaches.Build(ctx, cfg.Approaches, logger); err != nil {
			return nil, err
		}
		list = e.set.Approaches()
	}
	for _, a := range list {
		if err := e.racer.Register(a); err != nil {
			return nil, err
		}
	}

	validator := o.validator
	if validator == nil {
		if e.validator, err = e.buildValidator(ctx, logger); err != nil {
			return nil, err
		}
		validator = e.validator
	}

	applier := o.applier
	if applier == nil {
		var remote engine.Applier
		if cfg.Remote.Enabled {
			e.remote = apply.NewRemoteApplier(cfg.Remote.SSH(), apply.WithLogger(logger))
			remote = e.remote
		}
		applier = apply.NewRouter(apply.NewFileApplier(apply.WithLogger(logger)), remote)
	}

	runnerOpts := []engine.RunnerOption{
		engine.WithPollInterval(cfg.Runner.PollInterval),
		engine.WithStrictTiers(cfg.Runner.StrictTiers),
		engine.WithTaskProgress(progress),
		engine.WithRunnerMetrics(metrics),
		engine.WithRunnerLogger(logger),
	}
	pipelineOpts := []engine.PipelineOption{
		engine.WithOutputDir(cfg.Pipeline.OutputDir),
		engine.WithOutputExt(cfg.Pipeline.OutputExt),
		engine.WithIntegrationTimeout(cfg.Pipeline.IntegrationTimeout),
		engine.WithMaxConcurrentRuns(cfg.Pipeline.MaxConcurrentRuns),
		engine.WithPipelineProgress(progress),
		engine.WithPipelineMetrics(metrics),
		engine.WithPipelineLogger(logger),
	}
	if e.store != nil {
		runnerOpts = append(runnerOpts, engine.WithTaskRecorder(e.store))
		pipelineOpts = append(pipelineOpts, engine.WithRunRecorder(e.store))
	}
	e.runner = engine.NewTaskRunner(validator, applier, runnerOpts...)
	e.pipeline = engine.NewPipelineOrchestrator(e.cache, e.racer, e.runner, pipelineOpts...)

	e.logger.Info().
		Int("approaches", len(list)).
		Ints("ports", cfg.Pool.Ports).
		Str("storage", cfg.Storage.Driver).
		Str("cache_backend", cfg.Storage.CacheBackend).
		Msg("Engine initialized")
	return e, nil
}

func (e *Engine) cacheBackend(ctx context.Context) (engine.CacheBackend, error) {
	switch e.cfg.Storage.CacheBackend {
	case config.DriverSQLite:
		if e.store == nil {
			return nil, fmt.Errorf("sqlite cache backend requires the sqlite storage driver")
		}
		return e.store.CacheBackend(), nil
	case config.DriverRedis:
		b, err := stores.NewRedisCacheBackend(ctx, *e.cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		e.redis = b
		return b, nil
	default:
		return engine.NewMemoryCacheBackend(), nil
	}
}

func (e *Engine) buildValidator(ctx context.Context, logger zerolog.Logger) (*validate.Validator, error) {
	v, err := validate.New(
		validate.WithProbe(e.cfg.Validation.Probe),
		validate.WithProbeTimeout(e.cfg.Validation.ProbeTimeout),
		validate.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	if paths := e.cfg.Validation.PolicyPaths; len(paths) > 0 {
		if err := v.Policies().LoadPolicies(ctx, paths); err != nil {
			_ = v.Close()
			return nil, fmt.Errorf("failed to load policies: %w", err)
		}
	}
	return v, nil
}

// Start imports the cache file, starts policy watching and launches the
// runner workers. Workers and watchers stop when ctx is cancelled or on Close.
func (e *Engine) Start(ctx context.Context) error {
	if path := e.cfg.Engine.CacheFile; path != "" {
		if _, err := os.Stat(path); err == nil {
			n, err := e.cache.ImportFile(ctx, path)
			if err != nil {
				return fmt.Errorf("failed to import cache file: %w", err)
			}
			e.logger.Info().Str("path", path).Int("entries", n).Msg("Cache imported")
		}
	}

	if e.validator != nil && e.cfg.Validation.WatchPolicies && len(e.cfg.Validation.PolicyPaths) > 0 {
		if err := e.validator.Policies().Watch(ctx, e.cfg.Validation.PolicyPaths); err != nil {
			return fmt.Errorf("failed to watch policies: %w", err)
		}
	}

	if err := e.runner.Start(ctx, e.cfg.Runner.Workers); err != nil {
		return err
	}
	e.started = true
	return nil
}

// Close waits for submitted runs, stops the workers, exports the cache file
// and releases every owned resource.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error

	if e.pipeline != nil {
		done := make(chan struct{})
		go func() {
			e.pipeline.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("pipeline runs still active: %w", ctx.Err()))
		}
	}
	if e.runner != nil {
		e.runner.Stop()
	}

	if path := e.cfg.Engine.CacheFile; path != "" && e.started {
		if err := e.cache.ExportFile(ctx, path); err != nil {
			errs = append(errs, fmt.Errorf("failed to export cache file: %w", err))
		}
	}

	if e.set != nil {
		errs = append(errs, e.set.Close(ctx))
	}
	if e.remote != nil {
		errs = append(errs, e.remote.Close())
	}
	if e.validator != nil {
		errs = append(errs, e.validator.Close())
	}
	if e.redis != nil {
		errs = append(errs, e.redis.Close())
	}
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	if e.ownsTelemetry && e.tel != nil {
		errs = append(errs, e.tel.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// Config returns the configuration the engine was built from.
func (e *Engine) Config() *config.Config { return e.cfg }

// Telemetry returns the engine telemetry.
func (e *Engine) Telemetry() *telemetry.Telemetry { return e.tel }

// Runner returns the task runner.
func (e *Engine) Runner() *engine.TaskRunner { return e.runner }

// Pipeline returns the pipeline orchestrator.
func (e *Engine) Pipeline() *engine.PipelineOrchestrator { return e.pipeline }

// Cache returns the solution cache.
func (e *Engine) Cache() *engine.SolutionCache { return e.cache }

// Racer returns the racing scheduler.
func (e *Engine) Racer() *engine.RacingScheduler { return e.racer }

// Store returns the persistent store, or nil with the memory driver.
func (e *Engine) Store() stores.Store {
	if e.store == nil {
		return nil
	}
	return e.store
}

// HealthCheck reports whether the persistent store is reachable.
func (e *Engine) HealthCheck(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	return e.store.HealthCheck(ctx)
}
