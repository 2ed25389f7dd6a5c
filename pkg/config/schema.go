package config

import (
	_ "embed"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// FieldError is one schema or syntax violation.
type FieldError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e FieldError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// SchemaError collects the violations found in one configuration.
type SchemaError struct {
	Errors []FieldError
}

func (e *SchemaError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		msgs[i] = fe.String()
	}
	return "configuration does not match schema: " + strings.Join(msgs, "; ")
}

// schemaValue compiles the embedded schema in ctx and returns #Config.
func schemaValue(ctx *cue.Context) (cue.Value, error) {
	v := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile config schema: %w", err)
	}
	return v.LookupPath(cue.ParsePath("#Config")), nil
}

// checkSchema validates a fully populated configuration against the schema.
func checkSchema(c *Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}

	ctx := cuecontext.New()
	schema, err := schemaValue(ctx)
	if err != nil {
		return err
	}

	file, err := cueyaml.Extract("config.yaml", data)
	if err != nil {
		return fmt.Errorf("failed to read configuration: %w", err)
	}
	val := ctx.BuildFile(file)
	if err := val.Err(); err != nil {
		return &SchemaError{Errors: convertCUEErrors(err)}
	}

	if err := schema.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{Errors: convertCUEErrors(err)}
	}
	return nil
}

// convertCUEErrors flattens a CUE error list into FieldErrors.
func convertCUEErrors(err error) []FieldError {
	var out []FieldError
	for _, e := range cueerrors.Errors(err) {
		fe := FieldError{
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(cueerrors.Details(e, nil)),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			fe.File = pos[0].Filename()
			fe.Line = pos[0].Line()
			fe.Column = pos[0].Column()
		}
		out = append(out, fe)
	}
	if len(out) == 0 {
		out = append(out, FieldError{Message: err.Error()})
	}
	return out
}
