package approaches

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"gopkg.in/yaml.v3"

	"github.com/tandem-ai/tandem/pkg/engine"
)

const (
	// DefaultMemoryLimitPages caps plugin memory at 16MB (64KB pages).
	DefaultMemoryLimitPages = 256

	// maxPluginOutput bounds how much stdout a plugin may produce.
	maxPluginOutput = 1 << 20

	wasmPrefix = "wasm:"
)

// WASMManifest describes a WASI plugin approach.
type WASMManifest struct {
	// Name is the approach name without the "wasm:" prefix.
	Name string `yaml:"name" validate:"required,max=64"`

	// Version is informational.
	Version string `yaml:"version"`

	// Description is informational.
	Description string `yaml:"description"`

	// Module is the .wasm path, relative to the manifest.
	Module string `yaml:"module" validate:"required"`

	// Checksum is the optional sha256 hex digest of the module.
	Checksum string `yaml:"checksum" validate:"omitempty,len=64,hexadecimal"`

	// Priority orders the approach for reporting.
	Priority int `yaml:"priority" validate:"gte=0,lte=100"`

	// RequiresToken makes the engine hand the plugin a pool token.
	RequiresToken bool `yaml:"requires_token"`

	// MemoryLimitPages caps linear memory; 0 means DefaultMemoryLimitPages.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages" validate:"lte=65536"`

	// Args are passed after the program name.
	Args []string `yaml:"args"`

	// Env is the plugin environment.
	Env map[string]string `yaml:"env"`

	// Path is where the manifest was loaded from.
	Path string `yaml:"-"`
}

var manifestValidator = validator.New()

// LoadWASMManifest reads and validates a manifest file.
func LoadWASMManifest(path string) (*WASMManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	m, err := ParseWASMManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// ParseWASMManifest parses and validates manifest YAML.
func ParseWASMManifest(data []byte) (*WASMManifest, error) {
	var m WASMManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := manifestValidator.Struct(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if strings.ContainsAny(m.Name, " \t\n") {
		return nil, fmt.Errorf("invalid manifest: name %q contains whitespace", m.Name)
	}
	return &m, nil
}

// ModulePath resolves the module path against the manifest location.
func (m *WASMManifest) ModulePath() string {
	if filepath.IsAbs(m.Module) || m.Path == "" {
		return m.Module
	}
	return filepath.Join(filepath.Dir(m.Path), m.Module)
}

// VerifyChecksum checks module against the manifest checksum, if any.
func (m *WASMManifest) VerifyChecksum(module []byte) error {
	if m.Checksum == "" {
		return nil
	}
	sum := sha256.Sum256(module)
	if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, m.Checksum) {
		return fmt.Errorf("WASM module checksum mismatch: expected %s, got %s", m.Checksum, got)
	}
	return nil
}

// pluginInput is written to the plugin's stdin as JSON.
type pluginInput struct {
	Prompt    string            `json:"prompt"`
	TaskLabel string            `json:"task_label"`
	Model     string            `json:"model,omitempty"`
	Port      int               `json:"port,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// WASM runs a WASI command module per request: the request as JSON on stdin,
// the payload read from stdout. Each execution gets a fresh instance.
type WASM struct {
	base
	manifest *WASMManifest
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	logger   zerolog.Logger
}

// NewWASM compiles module for the manifest.
func NewWASM(ctx context.Context, manifest *WASMManifest, module []byte, logger zerolog.Logger) (*WASM, error) {
	if manifest == nil {
		return nil, fmt.Errorf("manifest is required")
	}
	if err := manifest.VerifyChecksum(module); err != nil {
		return nil, err
	}

	pages := manifest.MemoryLimitPages
	if pages == 0 {
		pages = DefaultMemoryLimitPages
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, module)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to compile WASM module: %w", err)
	}

	name := wasmPrefix + manifest.Name
	return &WASM{
		base:     base{name: name, priority: manifest.Priority, token: manifest.RequiresToken},
		manifest: manifest,
		runtime:  rt,
		compiled: compiled,
		logger:   logger.With().Str("approach", name).Logger(),
	}, nil
}

// LoadWASM loads a manifest and its module from disk.
func LoadWASM(ctx context.Context, manifestPath string, logger zerolog.Logger) (*WASM, error) {
	m, err := LoadWASMManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	module, err := os.ReadFile(m.ModulePath())
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM module: %w", err)
	}
	return NewWASM(ctx, m, module, logger)
}

// Manifest returns the plugin manifest.
func (w *WASM) Manifest() *WASMManifest {
	return w.manifest
}

// Execute implements engine.Approach.
func (w *WASM) Execute(ctx context.Context, req engine.Request, token *engine.PoolToken) (string, error) {
	in := pluginInput{Prompt: req.Prompt, TaskLabel: req.TaskLabel, Model: req.Model, Metadata: req.Metadata}
	if token != nil {
		in.Port = token.Port
	}
	input, err := json.Marshal(in)
	if err != nil {
		return "", engine.NewPermanentError("failed to encode plugin input", err).WithCode(engine.ErrCodeInternal)
	}

	stdout := &cappedBuffer{limit: maxPluginOutput}
	var stderr bytes.Buffer

	config := wazero.NewModuleConfig().
		WithName("").
		WithArgs(append([]string{w.manifest.Name}, w.manifest.Args...)...).
		WithStdin(bytes.NewReader(input)).
		WithStdout(stdout).
		WithStderr(&stderr)
	keys := make([]string, 0, len(w.manifest.Env))
	for k := range w.manifest.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		config = config.WithEnv(k, w.manifest.Env[k])
	}

	mod, err := w.runtime.InstantiateModule(ctx, w.compiled, config)
	if mod != nil {
		_ = mod.Close(ctx)
	}
	if err != nil {
		var exitErr *sys.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
			err = nil
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", engine.NewBackendUnavailable("plugin failed", err).
			WithDetail("stderr", strings.TrimSpace(stderr.String()))
	}
	if stdout.overflow {
		return "", engine.NewBackendUnavailable(fmt.Sprintf("plugin output exceeds %d bytes", maxPluginOutput), nil)
	}

	w.logger.Debug().Int("bytes", stdout.buf.Len()).Msg("Plugin finished")
	return stdout.buf.String(), nil
}

// Close releases the runtime.
func (w *WASM) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

// cappedBuffer keeps at most limit bytes and remembers whether more arrived.
type cappedBuffer struct {
	buf      bytes.Buffer
	limit    int
	overflow bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if len(p) > room {
		c.overflow = true
		if room > 0 {
			c.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return c.buf.Write(p)
}

var _ engine.Approach = (*WASM)(nil)
