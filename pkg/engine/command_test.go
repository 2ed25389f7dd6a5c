package engine

import (
	"encoding/json"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input   string
		want    Command
		wantErr bool
	}{
		{input: "race", want: CommandRace},
		{input: " RUN ", want: CommandRun},
		{input: "cache.clear", want: CommandCacheClear},
		{input: "cache-export", want: CommandCacheExport},
		{input: "cache_import", want: CommandCacheImport},
		{input: "approaches", want: CommandApproaches},
		{input: "delete everything", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCommand(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestCommand_JSON(t *testing.T) {
	var payload struct {
		Command Command `json:"command"`
	}
	if err := json.Unmarshal([]byte(`{"command": "Cache-Clear"}`), &payload); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if payload.Command != CommandCacheClear {
		t.Errorf("Expected cache.clear, got %s", payload.Command)
	}

	if err := json.Unmarshal([]byte(`{"command": "shutdown"}`), &payload); err == nil {
		t.Error("Expected unknown command to be rejected")
	}

	data, _ := json.Marshal(CommandStats)
	if string(data) != `"stats"` {
		t.Errorf("Expected \"stats\", got %s", data)
	}
}
