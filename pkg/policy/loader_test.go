package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const todoPolicy = `# Flags leftover TODO markers
# in generated payloads.
package custom.todo

import rego.v1

deny contains "payload contains TODO markers" if {
	contains(input.payload, "TODO")
}
`

const fixmePolicy = `package custom.todo

import rego.v1

deny contains "payload contains FIXME markers" if {
	contains(input.payload, "FIXME")
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "todo.rego")
	writeFile(t, path, todoPolicy)

	p, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if p.Name != "todo" {
		t.Errorf("Expected name 'todo', got '%s'", p.Name)
	}
	if p.Description != "Flags leftover TODO markers in generated payloads." {
		t.Errorf("Unexpected description: %q", p.Description)
	}
	if p.Source != path || p.Severity != SeverityWarning || !p.Enabled {
		t.Errorf("Unexpected defaults: %+v", p)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "fixme.json")

	data, _ := json.Marshal(Policy{Description: "fixme", Rego: fixmePolicy, Severity: SeverityError, Enabled: true})
	writeFile(t, path, string(data))

	p, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if p.Name != "fixme" {
		t.Errorf("Expected name derived from file, got %q", p.Name)
	}
	if p.Severity != SeverityError {
		t.Errorf("Expected severity error, got %s", p.Severity)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	txt := filepath.Join(dir, "notes.txt")
	writeFile(t, txt, "hello")
	if _, err := loader.loadFromFile(txt); err == nil {
		t.Error("Expected error for unsupported file type")
	}

	bad := filepath.Join(dir, "bad.json")
	writeFile(t, bad, "{not json")
	if _, err := loader.loadFromFile(bad); err == nil {
		t.Error("Expected error for invalid JSON")
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestLoadFromPaths_Recursive(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), todoPolicy)
	writeFile(t, filepath.Join(dir, "nested", "deep", "b.rego"), fixmePolicy)
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")
	writeFile(t, filepath.Join(dir, "broken.json"), "{")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}
}

func TestLoadBundle(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "bundle.json")

	data, _ := json.Marshal(PolicyBundle{
		Name:     "hygiene",
		Version:  "1.0.0",
		Policies: []Policy{{Name: "todo", Rego: todoPolicy}, {Name: "fixme", Rego: fixmePolicy}},
	})
	writeFile(t, path, string(data))

	bundle, err := loader.LoadBundle(path)
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if bundle.Name != "hygiene" || len(bundle.Policies) != 2 {
		t.Errorf("Unexpected bundle: %+v", bundle)
	}
}

func TestEngine_LoadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "todo.rego"), todoPolicy)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	result, err := eng.Evaluate(context.Background(), &Input{Payload: "x = 1  # TODO"})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(result.Violations) != 1 || result.Violations[0].Policy != "todo" {
		t.Fatalf("Expected one violation from the loaded policy, got %+v", result.Violations)
	}
	if result.Violations[0].Message != "payload contains TODO markers" {
		t.Errorf("Unexpected message: %q", result.Violations[0].Message)
	}

	if err := eng.Reset(context.Background()); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if len(eng.ListPolicies()) != 2 {
		t.Errorf("Expected only built-ins after reset")
	}
}

func TestEngine_LoadPoliciesRejectsBrokenRego(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "good.rego"), todoPolicy)
	writeFile(t, filepath.Join(dir, "bad.rego"), "package bad\n\ndeny contains x if {")

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("good"); err == nil {
		t.Error("Expected no policy to be registered when one fails to compile")
	}
}

func TestEngine_WatchReloads(t *testing.T) {
	eng := newTestEngine(t)
	eng.loader.SetReloadDelay(20 * time.Millisecond)

	dir := t.TempDir()
	path := filepath.Join(dir, "todo.rego")
	writeFile(t, path, todoPolicy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}
	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}

	writeFile(t, path, fixmePolicy)

	input := &Input{Payload: "FIXME later"}
	deadline := time.Now().Add(5 * time.Second)
	for {
		result, err := eng.Evaluate(ctx, input)
		if err != nil {
			t.Fatalf("Evaluation failed: %v", err)
		}
		if len(result.Violations) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected the rewritten policy to be reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestLeadingComment(t *testing.T) {
	tests := []struct {
		content string
		want    string
	}{
		{content: "# One\n# Two\npackage x", want: "One Two"},
		{content: "package x\n# late", want: ""},
		{content: "\n#\n# Spaced\n\npackage x", want: "Spaced"},
		{content: "# Head\npackage x\n# body", want: "Head"},
		{content: "import rego.v1\n\n# after import\npackage x", want: ""},
	}
	for _, tt := range tests {
		if got := leadingComment(tt.content); got != tt.want {
			t.Errorf("leadingComment(%q): expected %q, got %q", tt.content, tt.want, got)
		}
	}
}
