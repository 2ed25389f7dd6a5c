package validate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tandem-ai/tandem/pkg/engine"
	"github.com/tandem-ai/tandem/pkg/policy"
)

// Validator is the engine.Validator used by the task runner. The syntax check
// is the hard gate; the logic check and probe only produce advice.
type Validator struct {
	policies *policy.Engine
	prober   *Prober
	probe    bool
	logger   zerolog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithPolicyEngine uses eng for the logic check instead of a fresh engine.
func WithPolicyEngine(eng *policy.Engine) Option {
	return func(v *Validator) { v.policies = eng }
}

// WithProbeTimeout sets the sandbox probe timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(v *Validator) { v.prober = NewProber(d) }
}

// WithProbe enables or disables the sandbox probe.
func WithProbe(enabled bool) Option {
	return func(v *Validator) { v.probe = enabled }
}

// WithLogger sets the validator logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(v *Validator) { v.logger = logger }
}

// New creates a Validator. Without WithPolicyEngine it builds an engine
// holding only the built-in policies.
func New(opts ...Option) (*Validator, error) {
	v := &Validator{
		prober: NewProber(DefaultProbeTimeout),
		probe:  true,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With().Str("component", "validator").Logger()

	if v.policies == nil {
		eng, err := policy.NewEngine(v.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create policy engine: %w", err)
		}
		v.policies = eng
	}
	return v, nil
}

// Policies returns the policy engine behind the logic check.
func (v *Validator) Policies() *policy.Engine {
	return v.policies
}

// CheckSyntax implements engine.Validator.
func (v *Validator) CheckSyntax(ctx context.Context, in engine.ValidationInput) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lang := Detect(in.Destination, in.Payload)

	err := CheckSyntax(lang, in.Payload)
	if err == nil {
		return nil
	}

	verr := engine.NewValidationError(err.Error(), err).
		WithTask(in.TaskID).
		WithDetail("language", string(lang))
	var serr *SyntaxError
	if errors.As(err, &serr) && serr.Line > 0 {
		verr = verr.WithDetail("line", serr.Line)
	}

	v.logger.Debug().
		Str("task_id", in.TaskID).
		Str("language", string(lang)).
		Err(err).
		Msg("Syntax check failed")
	return verr
}

// Advise implements engine.Validator.
func (v *Validator) Advise(ctx context.Context, in engine.ValidationInput) engine.Advice {
	lang := Detect(in.Destination, in.Payload)
	advice := engine.Advice{Language: string(lang), LogicScore: 100}

	result, err := v.policies.Evaluate(ctx, &policy.Input{
		Payload:     in.Payload,
		Description: in.Description,
		Language:    string(lang),
		Lines:       strings.Split(in.Payload, "\n"),
	})
	if err != nil {
		advice.Findings = append(advice.Findings, engine.Finding{
			Check:    "logic",
			Severity: string(policy.SeverityWarning),
			Message:  fmt.Sprintf("logic check did not run: %v", err),
		})
	} else {
		advice.LogicScore = result.Score
		for _, viol := range result.Violations {
			advice.Findings = append(advice.Findings, engine.Finding{
				Check:    "logic",
				Rule:     viol.Rule,
				Severity: string(viol.Severity),
				Message:  viol.Message,
			})
		}
	}

	advice.Probe = engine.ProbeResult{Status: engine.ProbeStatusSkipped}
	if v.probe {
		advice.Probe = v.prober.Probe(ctx, lang, in.Payload)
	}
	switch advice.Probe.Status {
	case engine.ProbeStatusFailed, engine.ProbeStatusTimeout:
		advice.Findings = append(advice.Findings, engine.Finding{
			Check:    "probe",
			Severity: string(policy.SeverityWarning),
			Message:  advice.Probe.Error,
		})
	}

	v.logger.Debug().
		Str("task_id", in.TaskID).
		Str("language", string(lang)).
		Int("logic_score", advice.LogicScore).
		Str("probe", string(advice.Probe.Status)).
		Msg("Advisory checks completed")
	return advice
}

// Close releases the policy watcher, if any.
func (v *Validator) Close() error {
	return v.policies.Close()
}

var _ engine.Validator = (*Validator)(nil)
