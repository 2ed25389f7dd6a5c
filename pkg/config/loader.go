package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueformat "cuelang.org/go/cue/format"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"
)

// Format is a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatCUE  Format = "cue"
)

// DetectFormat picks the syntax from the file extension. JSON is read as YAML.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported config file extension %q", filepath.Ext(path))
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data, format, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, or returns validated defaults when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return Load(path)
}

// Parse decodes data over the defaults and validates the result. name is
// used in error positions.
func Parse(data []byte, format Format, name string) (*Config, error) {
	if format == FormatCUE {
		out, err := cueToYAML(data, name)
		if err != nil {
			return nil, err
		}
		data = out
	}

	cfg := Default()
	if err := decodeYAML(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeYAML decodes into cfg, rejecting keys that map to no field.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

// cueToYAML evaluates a CUE config against the schema and exports it.
func cueToYAML(data []byte, name string) ([]byte, error) {
	ctx := cuecontext.New()
	schema, err := schemaValue(ctx)
	if err != nil {
		return nil, err
	}

	val := ctx.CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, &SchemaError{Errors: convertCUEErrors(err)}
	}

	val = schema.Unify(val)
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, &SchemaError{Errors: convertCUEErrors(err)}
	}

	out, err := cueyaml.Encode(val)
	if err != nil {
		return nil, fmt.Errorf("failed to export CUE config: %w", err)
	}
	return out, nil
}

// Marshal renders cfg in format with secrets removed.
func Marshal(cfg *Config, format Format) ([]byte, error) {
	data, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if format != FormatCUE {
		return data, nil
	}

	file, err := cueyaml.Extract("config.yaml", data)
	if err != nil {
		return nil, fmt.Errorf("failed to convert config: %w", err)
	}
	val := cuecontext.New().BuildFile(file)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to convert config: %w", err)
	}
	return cueformat.Node(val.Syntax(cue.Final(), cue.Concrete(true)))
}
