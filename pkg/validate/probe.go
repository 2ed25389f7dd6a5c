package validate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/tandem-ai/tandem/pkg/engine"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultProbeTimeout bounds a sandboxed execution probe.
const DefaultProbeTimeout = 5 * time.Second

// maxProbeOutput caps captured print/console output.
const maxProbeOutput = 4096

// Prober executes payloads in an embedded interpreter. Only languages with an
// in-process sandbox are run; everything else is reported as skipped.
type Prober struct {
	timeout time.Duration
}

// NewProber creates a prober with the given timeout.
func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Prober{timeout: timeout}
}

// Probe runs src as lang.
func (p *Prober) Probe(ctx context.Context, lang Language, src string) engine.ProbeResult {
	switch lang {
	case LanguageStarlark:
		return p.probeStarlark(ctx, src)
	case LanguageJavaScript:
		return p.probeJavaScript(ctx, src)
	default:
		return engine.ProbeResult{Status: engine.ProbeStatusSkipped}
	}
}

// outputBuffer collects interpreter output up to maxProbeOutput bytes.
type outputBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (o *outputBuffer) writeLine(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.b.Len() >= maxProbeOutput {
		return
	}
	if room := maxProbeOutput - o.b.Len(); len(s)+1 > room {
		s = s[:room-1]
	}
	o.b.WriteString(s)
	o.b.WriteByte('\n')
}

func (o *outputBuffer) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.b.String()
}

func (p *Prober) probeStarlark(ctx context.Context, src string) engine.ProbeResult {
	start := time.Now()
	out := &outputBuffer{}

	thread := &starlark.Thread{
		Name: "probe",
		Print: func(_ *starlark.Thread, msg string) {
			out.writeLine(msg)
		},
	}
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := starlark.ExecFile(thread, "payload.star", src, predeclared)
		errCh <- err
	}()

	var err error
	select {
	case err = <-errCh:
	case <-probeCtx.Done():
		thread.Cancel("probe timeout")
		<-errCh
		return engine.ProbeResult{
			Status:   engine.ProbeStatusTimeout,
			Output:   out.String(),
			Error:    fmt.Sprintf("execution exceeded %v", p.timeout),
			Duration: time.Since(start),
		}
	}

	return finishProbe(start, out.String(), err)
}

func (p *Prober) probeJavaScript(ctx context.Context, src string) engine.ProbeResult {
	start := time.Now()
	out := &outputBuffer{}

	vm := goja.New()
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, arg.String())
		}
		out.writeLine(strings.Join(parts, " "))
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		select {
		case <-probeCtx.Done():
			vm.Interrupt("probe timeout")
		case <-done:
		}
	}()

	_, err := vm.RunString(src)
	close(done)

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return engine.ProbeResult{
			Status:   engine.ProbeStatusTimeout,
			Output:   out.String(),
			Error:    fmt.Sprintf("execution exceeded %v", p.timeout),
			Duration: time.Since(start),
		}
	}
	return finishProbe(start, out.String(), err)
}

func finishProbe(start time.Time, output string, err error) engine.ProbeResult {
	res := engine.ProbeResult{
		Status:   engine.ProbeStatusPassed,
		Output:   output,
		Duration: time.Since(start),
	}
	if err != nil {
		res.Status = engine.ProbeStatusFailed
		res.Error = err.Error()
	}
	return res
}
