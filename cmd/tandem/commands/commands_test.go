package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tandem-ai/tandem/pkg/engine"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, verbose, jsonOutput = "", false, false

	root := newRootCommand("1.2.3", "abc", "today")
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// writeConfig writes a config that only uses the offline approaches.
func writeConfig(t *testing.T) string {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("LOG_LEVEL", "")
	dir := t.TempDir()
	body := `approaches:
  offline:
    ultra_fast: false
    static_knowledge: false
    template: true
    heuristic: true
  ollama:
    enabled: false
  anthropic:
    enabled: false
pipeline:
  output_dir: ` + filepath.Join(dir, "out") + `
validation:
  probe: false
telemetry:
  logging:
    level: error
`
	path := filepath.Join(dir, "tandem.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.HasPrefix(out, "tandem 1.2.3 (commit: abc, built: today") {
		t.Errorf("Unexpected version output: %q", out)
	}

	out, err = execute(t, "version", "--json")
	if err != nil {
		t.Fatalf("version --json failed: %v", err)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("Expected JSON, got %q: %v", out, err)
	}
	if info.Commit != "abc" {
		t.Errorf("Expected commit abc, got %s", info.Commit)
	}
}

func TestConfigInitShowValidate(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"tandem.yaml", "tandem.cue"} {
		path := filepath.Join(dir, "conf", name)
		if _, err := execute(t, "config", "init", path); err != nil {
			t.Fatalf("config init %s failed: %v", name, err)
		}
		if _, err := execute(t, "config", "init", path); err == nil {
			t.Errorf("Expected config init to refuse overwriting %s", name)
		}
		out, err := execute(t, "config", "validate", path)
		if err != nil {
			t.Fatalf("config validate %s failed: %v", name, err)
		}
		if !strings.Contains(out, "is valid") {
			t.Errorf("Unexpected validate output: %q", out)
		}
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("runner:\n  workers: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "config", "validate", bad); err == nil {
		t.Error("Expected invalid config to fail validation")
	}

	out, err := execute(t, "config", "show", "--config", filepath.Join(dir, "conf", "tandem.yaml"))
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, "workers: 2") {
		t.Errorf("Expected default workers in output, got:\n%s", out)
	}
}

func TestRaceCommand(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "race", "--config", cfg, "--json", "write a function that adds numbers")
	if err != nil {
		t.Fatalf("race failed: %v", err)
	}
	var rr engine.RaceResult
	if err := json.Unmarshal([]byte(out), &rr); err != nil {
		t.Fatalf("Expected race JSON, got %q: %v", out, err)
	}
	if rr.Winner == nil || rr.Winner.Payload == "" {
		t.Fatalf("Expected a winner, got %+v", rr)
	}

	out, err = execute(t, "race", "--config", cfg, "--prompt", "count to ten")
	if err != nil {
		t.Fatalf("race failed: %v", err)
	}
	if !strings.HasPrefix(out, "winner: ") {
		t.Errorf("Unexpected race output: %q", out)
	}

	if _, err := execute(t, "race", "--config", cfg); !engine.HasCode(err, engine.ErrCodeInvalidTask) {
		t.Errorf("Expected INVALID_TASK without a prompt, got %v", err)
	}
}

func TestTaskApplyCommand(t *testing.T) {
	cfg := writeConfig(t)
	dir := t.TempDir()

	payload := filepath.Join(dir, "solve.py")
	if err := os.WriteFile(payload, []byte("def solve():\n    return 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(dir, "out", "solve.py")

	out, err := execute(t, "task", "apply", "--config", cfg, "--file", payload, "--dest", dest, "--priority", "high")
	if err != nil {
		t.Fatalf("task apply failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "completed") {
		t.Errorf("Expected completed task, got %q", out)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Errorf("Expected destination written: %v", err)
	}

	broken := filepath.Join(dir, "broken.py")
	if err := os.WriteFile(broken, []byte("def broken(:\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "task", "apply", "--config", cfg, "--file", broken, "--dest", filepath.Join(dir, "out", "broken.py")); err == nil {
		t.Error("Expected failed task to return an error")
	}

	if _, err := execute(t, "task", "apply", "--config", cfg, "--file", payload, "--priority", "whenever"); err == nil {
		t.Error("Expected unknown priority to fail")
	}
}

func TestCacheCommands(t *testing.T) {
	cfg := writeConfig(t)
	file := filepath.Join(t.TempDir(), "cache.json")

	out, err := execute(t, "cache", "export", "--config", cfg, "--file", file)
	if err != nil {
		t.Fatalf("cache export failed: %v", err)
	}
	if !strings.Contains(out, "exported 0 entries") {
		t.Errorf("Unexpected export output: %q", out)
	}

	out, err = execute(t, "cache", "import", "--config", cfg, "--file", file)
	if err != nil {
		t.Fatalf("cache import failed: %v", err)
	}
	if !strings.Contains(out, "imported 0 entries") {
		t.Errorf("Unexpected import output: %q", out)
	}

	if _, err := execute(t, "cache", "clear", "--config", cfg); err != nil {
		t.Fatalf("cache clear failed: %v", err)
	}
	if _, err := execute(t, "cache", "export", "--config", cfg); err == nil {
		t.Error("Expected export without --file to fail")
	}
}

func TestStatsCommand(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "stats", "--config", cfg)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if !strings.Contains(out, "pool: 0/3 tokens in use") {
		t.Errorf("Unexpected stats output: %q", out)
	}
}

func TestRunCommandReport(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "run", "--config", cfg, "--json", "--report", "a unit converter")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	var result struct {
		Run    engine.PipelineRun `json:"run"`
		Report engine.RunReport   `json:"report"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("Expected run JSON, got %q: %v", out, err)
	}
	if result.Run.Status != engine.RunStatusSucceeded {
		t.Errorf("Expected succeeded run, got %s", result.Run.Status)
	}
	if result.Report.RunID != result.Run.ID || len(result.Report.Stages) != len(engine.PipelineStages) {
		t.Errorf("Expected report of %d stages for %s, got %+v", len(engine.PipelineStages), result.Run.ID, result.Report)
	}

	out, err = execute(t, "run", "--config", cfg, "--report", "a stopwatch")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out, "stage finalize") || !strings.Contains(out, "0 failed, 0 cancelled") {
		t.Errorf("Unexpected report output: %q", out)
	}
}
