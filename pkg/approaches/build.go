package approaches

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/tandem-ai/tandem/pkg/engine"
)

// Config selects and configures approaches.
type Config struct {
	Offline      OfflineConfig      `yaml:"offline" json:"offline"`
	Ollama       OllamaConfig       `yaml:"ollama" json:"ollama"`
	OpenAICompat OpenAICompatConfig `yaml:"openai_compat" json:"openai_compat"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" json:"anthropic"`
	WASM         WASMConfig         `yaml:"wasm" json:"wasm"`
}

// OfflineConfig toggles the approaches that need no backend.
type OfflineConfig struct {
	UltraFast       bool `yaml:"ultra_fast" json:"ultra_fast"`
	StaticKnowledge bool `yaml:"static_knowledge" json:"static_knowledge"`
	Template        bool `yaml:"template" json:"template"`
	Heuristic       bool `yaml:"heuristic" json:"heuristic"`

	// KnowledgeFile replaces the embedded knowledge base.
	KnowledgeFile string `yaml:"knowledge_file" json:"knowledge_file,omitempty"`
}

// OllamaConfig configures the ollama approach.
type OllamaConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Host        string  `yaml:"host" json:"host" validate:"omitempty,hostname|ip"`
	Model       string  `yaml:"model" json:"model" validate:"required_if=Enabled true"`
	Temperature float64 `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`
	TopP        float64 `yaml:"top_p" json:"top_p" validate:"gte=0,lte=1"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens" validate:"gte=0"`
}

// OpenAICompatConfig configures the openai_compat approach.
type OpenAICompatConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Host        string  `yaml:"host" json:"host" validate:"omitempty,hostname|ip"`
	Model       string  `yaml:"model" json:"model" validate:"required_if=Enabled true"`
	APIKey      string  `yaml:"api_key" json:"-"`
	Temperature float64 `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int64   `yaml:"max_tokens" json:"max_tokens" validate:"gte=0"`
}

// AnthropicConfig configures the anthropic approach. It is only built when
// an API key is available.
type AnthropicConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	APIKey    string `yaml:"api_key" json:"-"`
	Model     string `yaml:"model" json:"model"`
	MaxTokens int64  `yaml:"max_tokens" json:"max_tokens" validate:"gte=0"`
	BaseURL   string `yaml:"base_url" json:"base_url,omitempty" validate:"omitempty,url"`
}

// WASMConfig lists plugin manifests.
type WASMConfig struct {
	// Manifests are manifest file paths.
	Manifests []string `yaml:"manifests" json:"manifests,omitempty"`

	// Dir is scanned for *.yaml and *.yml manifests.
	Dir string `yaml:"dir" json:"dir,omitempty"`
}

// DefaultConfig enables the offline approaches and a local Ollama.
func DefaultConfig() Config {
	return Config{
		Offline: OfflineConfig{UltraFast: true, StaticKnowledge: true, Template: true, Heuristic: true},
		Ollama: OllamaConfig{
			Enabled:     true,
			Host:        "localhost",
			Model:       "llama3",
			Temperature: 0.7,
			TopP:        0.9,
			MaxTokens:   2048,
		},
		OpenAICompat: OpenAICompatConfig{Host: "localhost", Model: "local-model", Temperature: 0.7, MaxTokens: 2048},
		Anthropic:    AnthropicConfig{Enabled: true, Model: "claude-3-5-haiku-latest", MaxTokens: 2048},
	}
}

// Set is a built group of approaches.
type Set struct {
	approaches []engine.Approach
	plugins    []*WASM
}

// Approaches returns the approaches in registration order.
func (s *Set) Approaches() []engine.Approach {
	return append([]engine.Approach(nil), s.approaches...)
}

// Close releases plugin runtimes.
func (s *Set) Close(ctx context.Context) error {
	var errs []error
	for _, p := range s.plugins {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.plugins = nil
	return errors.Join(errs...)
}

// Build constructs the approaches enabled in cfg. The anthropic API key falls
// back to ANTHROPIC_API_KEY.
func Build(ctx context.Context, cfg Config, logger zerolog.Logger) (*Set, error) {
	set := &Set{}

	kb := BuiltinKnowledge()
	if cfg.Offline.KnowledgeFile != "" {
		data, err := os.ReadFile(cfg.Offline.KnowledgeFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read knowledge file: %w", err)
		}
		if kb, err = ParseKnowledge(data); err != nil {
			return nil, err
		}
	}

	if cfg.Offline.UltraFast {
		set.approaches = append(set.approaches, NewUltraFast(kb))
	}
	if cfg.Anthropic.Enabled {
		ac := cfg.Anthropic
		if ac.APIKey == "" {
			ac.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if ac.APIKey == "" {
			logger.Info().Msg("Anthropic approach skipped: no API key")
		} else {
			a, err := NewAnthropic(ac, logger)
			if err != nil {
				return nil, err
			}
			set.approaches = append(set.approaches, a)
		}
	}
	if cfg.Offline.StaticKnowledge {
		set.approaches = append(set.approaches, NewStaticKnowledge(kb))
	}
	if cfg.Ollama.Enabled {
		set.approaches = append(set.approaches, NewOllama(cfg.Ollama, logger))
	}
	if cfg.OpenAICompat.Enabled {
		set.approaches = append(set.approaches, NewOpenAICompat(cfg.OpenAICompat, logger))
	}
	if cfg.Offline.Template {
		set.approaches = append(set.approaches, NewTemplate())
	}
	if cfg.Offline.Heuristic {
		set.approaches = append(set.approaches, NewHeuristic())
	}

	manifests, err := manifestPaths(cfg.WASM)
	if err != nil {
		return nil, err
	}
	for _, path := range manifests {
		plugin, err := LoadWASM(ctx, path, logger)
		if err != nil {
			_ = set.Close(ctx)
			return nil, fmt.Errorf("failed to load plugin %s: %w", path, err)
		}
		set.plugins = append(set.plugins, plugin)
		set.approaches = append(set.approaches, plugin)
		logger.Info().Str("approach", plugin.Name()).Str("manifest", path).Msg("Loaded WASM approach")
	}

	seen := make(map[string]bool, len(set.approaches))
	for _, a := range set.approaches {
		if seen[a.Name()] {
			_ = set.Close(ctx)
			return nil, fmt.Errorf("duplicate approach name %q", a.Name())
		}
		seen[a.Name()] = true
	}
	if len(set.approaches) == 0 {
		return nil, fmt.Errorf("no approaches enabled")
	}
	return set, nil
}

func manifestPaths(cfg WASMConfig) ([]string, error) {
	paths := append([]string(nil), cfg.Manifests...)
	if cfg.Dir == "" {
		return paths, nil
	}
	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory: %w", err)
	}
	var found []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			found = append(found, filepath.Join(cfg.Dir, e.Name()))
		}
	}
	sort.Strings(found)
	return append(paths, found...), nil
}
