package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTokenRetryDelay is how long a token-requiring approach waits
	// before its single retry.
	DefaultTokenRetryDelay = 500 * time.Millisecond

	// DefaultApproachTimeout bounds each approach execution.
	DefaultApproachTimeout = 240 * time.Second
)

// RacingScheduler runs every registered approach concurrently and returns
// the first success. Losers are cancelled through their context.
type RacingScheduler struct {
	// mu guards approaches.
	mu sync.RWMutex

	// approaches is the registry, keyed by name.
	approaches map[string]Approach

	// pool guards token-requiring approaches. May be nil.
	pool *ResourcePool

	// history receives every finished execution. May be nil.
	history *ExecutionHistory

	// progress receives start/finish events.
	progress ProgressSink

	metrics MetricsRecorder
	logger  zerolog.Logger

	tokenRetryDelay time.Duration
	approachTimeout time.Duration
}

// RacerOption configures a RacingScheduler.
type RacerOption func(*RacingScheduler)

// WithTokenRetryDelay sets the wait before the single token retry.
func WithTokenRetryDelay(d time.Duration) RacerOption {
	return func(r *RacingScheduler) { r.tokenRetryDelay = d }
}

// WithApproachTimeout bounds every approach execution.
func WithApproachTimeout(d time.Duration) RacerOption {
	return func(r *RacingScheduler) { r.approachTimeout = d }
}

// WithHistory records executions into h.
func WithHistory(h *ExecutionHistory) RacerOption {
	return func(r *RacingScheduler) { r.history = h }
}

// WithRaceProgress sets the progress sink.
func WithRaceProgress(sink ProgressSink) RacerOption {
	return func(r *RacingScheduler) { r.progress = sink }
}

// WithRaceMetrics sets the metrics recorder.
func WithRaceMetrics(m MetricsRecorder) RacerOption {
	return func(r *RacingScheduler) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithRaceLogger sets the logger.
func WithRaceLogger(l zerolog.Logger) RacerOption {
	return func(r *RacingScheduler) { r.logger = l.With().Str("component", "racer").Logger() }
}

// NewRacingScheduler creates a scheduler drawing tokens from pool.
func NewRacingScheduler(pool *ResourcePool, opts ...RacerOption) *RacingScheduler {
	r := &RacingScheduler{
		approaches:      make(map[string]Approach),
		pool:            pool,
		metrics:         nopMetrics{},
		logger:          zerolog.Nop(),
		tokenRetryDelay: DefaultTokenRetryDelay,
		approachTimeout: DefaultApproachTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an approach. Names must be unique.
func (r *RacingScheduler) Register(a Approach) error {
	if a == nil || a.Name() == "" {
		return fmt.Errorf("approach must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.approaches[a.Name()]; exists {
		return fmt.Errorf("approach %s already registered", a.Name())
	}
	r.approaches[a.Name()] = a

	r.logger.Debug().
		Str("approach", a.Name()).
		Int("priority", a.Priority()).
		Bool("requires_token", a.RequiresToken()).
		Msg("Approach registered")
	return nil
}

// Unregister removes an approach by name.
func (r *RacingScheduler) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.approaches[name]; !exists {
		return false
	}
	delete(r.approaches, name)
	return true
}

// Approaches lists the registered approaches by priority, highest first.
func (r *RacingScheduler) Approaches() []ApproachInfo {
	list := r.snapshot()
	out := make([]ApproachInfo, len(list))
	for i, a := range list {
		out[i] = ApproachInfo{Name: a.Name(), Priority: a.Priority(), RequiresToken: a.RequiresToken()}
	}
	return out
}

// Pool returns the resource pool used for token-requiring approaches.
func (r *RacingScheduler) Pool() *ResourcePool {
	return r.pool
}

// History returns the execution history, which may be nil.
func (r *RacingScheduler) History() *ExecutionHistory {
	return r.history
}

func (r *RacingScheduler) snapshot() []Approach {
	r.mu.RLock()
	list := make([]Approach, 0, len(r.approaches))
	for _, a := range r.approaches {
		list = append(list, a)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].Priority() != list[j].Priority() {
			return list[i].Priority() > list[j].Priority()
		}
		return list[i].Name() < list[j].Name()
	})
	return list
}

// outcome is what one approach goroutine reports back to the race.
type outcome struct {
	approach string
	payload  string
	port     int
	err      *EngineError
	elapsed  time.Duration
}

// Run races every registered approach for req. It returns as soon as one
// succeeds; otherwise it waits for all of them and returns one failure per approach.
// The scheduler applies no outer deadline; callers bound the race through ctx.
func (r *RacingScheduler) Run(ctx context.Context, req Request) RaceResult {
	start := time.Now()
	approaches := r.snapshot()
	total := len(approaches)

	ctx, span := tracer.Start(ctx, "race.run", trace.WithAttributes(
		attribute.Int("race.approaches", total),
		attribute.String("race.task_label", req.TaskLabel),
	))

	if total == 0 {
		res := RaceResult{Elapsed: time.Since(start)}
		r.metrics.RecordRace("", res.Elapsed)
		endSpan(span, res.Err())
		return res
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	fingerprint := Fingerprint(req)

	// Buffered so that losers finishing after the race never block.
	results := make(chan outcome, total)
	for _, a := range approaches {
		go r.runApproach(raceCtx, a, req, fingerprint, results)
	}

	failures := make([]ApproachFailure, 0, total)
	for completed := 1; completed <= total; completed++ {
		o := <-results

		emit(r.progress, ProgressEvent{
			Kind:    ProgressKindApproach,
			Source:  o.approach,
			Message: fmt.Sprintf("%d of %d approaches complete", completed, total),
			Percent: float64(completed) / float64(total) * 100,
			Metadata: map[string]interface{}{
				"success":    o.err == nil,
				"elapsed_ms": o.elapsed.Milliseconds(),
				"code":       codeOrEmpty(o.err),
			},
		})

		if o.err == nil {
			cancel()
			res := RaceResult{
				Winner: &Result{
					Success:  true,
					Payload:  o.payload,
					Elapsed:  o.elapsed,
					Approach: o.approach,
					Port:     o.port,
				},
				Failures: failures,
				Elapsed:  time.Since(start),
			}
			r.metrics.RecordRace(o.approach, res.Elapsed)
			span.SetAttributes(attribute.String("race.winner", o.approach))
			endSpan(span, nil)

			r.logger.Info().
				Str("winner", o.approach).
				Dur("elapsed", res.Elapsed).
				Int("failed_before_win", len(failures)).
				Msg("Race won")
			return res
		}

		failures = append(failures, ApproachFailure{Approach: o.approach, Err: o.err, Elapsed: o.elapsed})
	}

	res := RaceResult{Failures: failures, Elapsed: time.Since(start)}
	r.metrics.RecordRace("", res.Elapsed)
	endSpan(span, res.Err())

	r.logger.Warn().
		Int("approaches", total).
		Dur("elapsed", res.Elapsed).
		Msg("All approaches failed")
	return res
}

// runApproach executes a single approach and always reports exactly one outcome.
func (r *RacingScheduler) runApproach(ctx context.Context, a Approach, req Request, fingerprint string, out chan<- outcome) {
	name := a.Name()
	start := time.Now()

	ctx, span := tracer.Start(ctx, "approach."+name, trace.WithAttributes(
		attribute.String("approach.name", name),
		attribute.Bool("approach.requires_token", a.RequiresToken()),
	))

	emit(r.progress, ProgressEvent{
		Kind:    ProgressKindApproach,
		Source:  name,
		Message: fmt.Sprintf("starting %s", name),
		Metadata: map[string]interface{}{
			"priority": a.Priority(),
		},
	})

	o := r.execute(ctx, a, req)
	o.elapsed = time.Since(start)

	outcomeCode := "success"
	if o.err != nil {
		outcomeCode = o.err.Code
		span.SetAttributes(attribute.String("error.code", o.err.Code))
		endSpan(span, o.err)
	} else {
		endSpan(span, nil)
	}
	r.metrics.RecordApproachCall(name, outcomeCode, o.elapsed)
	if r.history != nil {
		r.history.Record(ExecutionRecord{
			Approach:    name,
			Success:     o.err == nil,
			Code:        codeOrEmpty(o.err),
			Elapsed:     o.elapsed,
			Fingerprint: fingerprint,
		})
	}

	out <- o
}

// execute acquires a token if needed, runs the approach under its own
// timeout and releases the token when the approach actually returns.
func (r *RacingScheduler) execute(ctx context.Context, a Approach, req Request) outcome {
	name := a.Name()

	var tok *PoolToken
	if a.RequiresToken() {
		var err *EngineError
		tok, err = r.acquireWithRetry(ctx, name)
		if err != nil {
			return outcome{approach: name, err: err}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.approachTimeout)
	done := make(chan outcome, 1)

	go func() {
		defer cancel()
		defer r.release(tok, name)
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{
					approach: name,
					err: NewPermanentError(fmt.Sprintf("approach panicked: %v", p), nil).
						WithCode(ErrCodeInternal).
						WithApproach(name),
				}
			}
		}()

		payload, err := a.Execute(callCtx, req, tok)
		o := outcome{approach: name, payload: payload}
		if tok != nil {
			o.port = tok.Port
		}
		if err != nil {
			o.err = classify(ctx, callCtx, name, err)
		} else if payload == "" {
			o.err = NewBackendUnavailable("approach returned an empty payload", nil).WithApproach(name)
		}
		done <- o
	}()

	select {
	case o := <-done:
		return o
	case <-callCtx.Done():
		// Prefer a result that raced the deadline.
		select {
		case o := <-done:
			return o
		default:
		}
		o := outcome{approach: name, err: classify(ctx, callCtx, name, callCtx.Err())}
		if tok != nil {
			o.port = tok.Port
		}
		return o
	}
}

func (r *RacingScheduler) acquireWithRetry(ctx context.Context, name string) (*PoolToken, *EngineError) {
	if r.pool == nil {
		return nil, NewPoolExhausted(name).WithDetail("reason", "no resource pool configured")
	}
	if tok, ok := r.pool.Acquire(); ok {
		return tok, nil
	}
	r.metrics.RecordPoolExhausted(name)

	timer := time.NewTimer(r.tokenRetryDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, NewTransientError("race ended while waiting for a pool token", ctx.Err()).
			WithCode(ErrCodeCancelled).
			WithApproach(name)
	case <-timer.C:
	}

	if tok, ok := r.pool.Acquire(); ok {
		return tok, nil
	}
	r.metrics.RecordPoolExhausted(name)
	return nil, NewPoolExhausted(name)
}

func (r *RacingScheduler) release(tok *PoolToken, name string) {
	if tok == nil {
		return
	}
	if err := r.pool.Release(tok); err != nil {
		r.logger.Error().Err(err).Str("approach", name).Int("port", tok.Port).Msg("Failed to release pool token")
	}
}

// classify turns an approach error into an EngineError scoped to the approach.
// raceCtx is the race-wide context, callCtx the per-approach one.
func classify(raceCtx, callCtx context.Context, name string, err error) *EngineError {
	var ee *EngineError
	switch {
	case errors.As(err, &ee):
		cp := *ee
		cp.Approach = name
		return &cp
	case raceCtx.Err() != nil:
		return NewTransientError("approach cancelled", err).WithCode(ErrCodeCancelled).WithApproach(name)
	case errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded:
		return NewBackendTimeout("approach timed out", err).WithApproach(name)
	default:
		return NewBackendUnavailable("approach failed", err).WithApproach(name)
	}
}

func codeOrEmpty(err *EngineError) string {
	if err == nil {
		return ""
	}
	return err.Code
}
