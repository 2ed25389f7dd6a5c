package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockApproach is a configurable Approach for tests.
type mockApproach struct {
	name     string
	priority int
	token    bool
	fn       func(ctx context.Context, req Request, tok *PoolToken) (string, error)
	calls    atomic.Int64
}

func (m *mockApproach) Name() string        { return m.name }
func (m *mockApproach) Priority() int       { return m.priority }
func (m *mockApproach) RequiresToken() bool { return m.token }

func (m *mockApproach) Execute(ctx context.Context, req Request, tok *PoolToken) (string, error) {
	m.calls.Add(1)
	return m.fn(ctx, req, tok)
}

// succeedAfter returns payload after d unless ctx ends first.
func succeedAfter(d time.Duration, payload string) func(context.Context, Request, *PoolToken) (string, error) {
	return func(ctx context.Context, _ Request, _ *PoolToken) (string, error) {
		select {
		case <-time.After(d):
			return payload, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// failAfter fails with a backend error after d unless ctx ends first.
func failAfter(d time.Duration) func(context.Context, Request, *PoolToken) (string, error) {
	return func(ctx context.Context, _ Request, _ *PoolToken) (string, error) {
		select {
		case <-time.After(d):
			return "", NewBackendUnavailable("mock failure", errors.New("boom"))
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// eventRecorder collects progress events.
type eventRecorder struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (r *eventRecorder) sink(ev ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ProgressEvent(nil), r.events...)
}

// statusesOf returns the status sequence reported for a task.
func (r *eventRecorder) statusesOf(id string) []TaskStatus {
	var out []TaskStatus
	for _, ev := range r.snapshot() {
		if ev.Kind != ProgressKindTask || ev.Source != id {
			continue
		}
		s, _ := ev.Metadata["status"].(string)
		st := TaskStatus(s)
		if len(out) > 0 && out[len(out)-1] == st {
			continue
		}
		out = append(out, st)
	}
	return out
}

// mockValidator fails syntax for payloads containing "SYNTAX ERROR".
type mockValidator struct {
	delay time.Duration
}

func (m *mockValidator) CheckSyntax(ctx context.Context, in ValidationInput) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if strings.Contains(in.Payload, "SYNTAX ERROR") {
		return NewValidationError("unbalanced brackets", nil)
	}
	return nil
}

func (m *mockValidator) Advise(_ context.Context, in ValidationInput) Advice {
	score := 100
	var findings []Finding
	if strings.Contains(in.Payload, "eval(") {
		score = 90
		findings = append(findings, Finding{Check: "logic", Rule: "dangerous_call", Severity: "warning", Message: "eval( used"})
	}
	return Advice{Language: "python", LogicScore: score, Findings: findings, Probe: ProbeResult{Status: ProbeStatusSkipped}}
}

// mockApplier writes payloads to files after an optional delay.
type mockApplier struct {
	delay time.Duration
	fail  bool
}

func (m *mockApplier) Apply(ctx context.Context, destination, payload string) (*ApplyOutcome, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.fail {
		return nil, errors.New("disk full")
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(destination, []byte(payload), 0o644); err != nil {
		return nil, err
	}
	return &ApplyOutcome{Destination: destination, Bytes: len(payload)}, nil
}

// eventually polls cond until it holds or timeout elapses.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %v: %s", timeout, msg)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
