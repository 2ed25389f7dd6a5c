package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Command identifies an operation exposed by the engine facade.
type Command string

const (
	// CommandRace races a single request through the cache and approaches.
	CommandRace Command = "race"

	// CommandSubmit enqueues a task on the runner.
	CommandSubmit Command = "submit"

	// CommandRun starts a pipeline run.
	CommandRun Command = "run"

	// CommandStatus returns a task or run by ID.
	CommandStatus Command = "status"

	// CommandCancel cancels a pending task or a pipeline run.
	CommandCancel Command = "cancel"

	// CommandReport aggregates the outcome of a pipeline run.
	CommandReport Command = "report"

	// CommandList lists tasks, optionally filtered by status.
	CommandList Command = "list"

	// CommandStats returns runner, cache and approach statistics.
	CommandStats Command = "stats"

	// CommandCacheClear empties the solution cache.
	CommandCacheClear Command = "cache.clear"

	// CommandCacheExport writes the solution cache to a file.
	CommandCacheExport Command = "cache.export"

	// CommandCacheImport loads the solution cache from a file.
	CommandCacheImport Command = "cache.import"

	// CommandApproaches lists the registered approaches.
	CommandApproaches Command = "approaches"
)

// Commands lists every supported command.
var Commands = []Command{
	CommandRace,
	CommandSubmit,
	CommandRun,
	CommandStatus,
	CommandCancel,
	CommandReport,
	CommandList,
	CommandStats,
	CommandCacheClear,
	CommandCacheExport,
	CommandCacheImport,
	CommandApproaches,
}

// Validate checks if the command is supported.
func (c Command) Validate() error {
	for _, known := range Commands {
		if c == known {
			return nil
		}
	}
	return NewPermanentError(fmt.Sprintf("unknown command: %q", string(c)), nil).WithCode(ErrCodeInvalidTask)
}

// ParseCommand converts a name into a Command. Matching ignores case and
// surrounding whitespace; "cache-clear" style names are accepted.
func ParseCommand(s string) (Command, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.ReplaceAll(name, "-", ".")
	name = strings.ReplaceAll(name, "_", ".")
	c := Command(name)
	if err := c.Validate(); err != nil {
		return "", err
	}
	return c, nil
}

// MarshalJSON implements json.Marshaler.
func (c Command) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(c))
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Command) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseCommand(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
