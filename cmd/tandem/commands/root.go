package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tandem-ai/tandem/pkg/config"
	"github.com/tandem-ai/tandem/pkg/service"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tandem",
		Short: "Tandem - multi-backend task orchestration engine",
		Long: `Tandem races several solution approaches against each other for every
request and keeps the first valid answer.

Features:
  - Racing scheduler over local model backends, hosted APIs and offline generators
  - Shared backend token pool
  - Solution cache (memory, SQLite or Redis)
  - Dependency-aware task runner with validation and safe writes
  - Multi-stage pipelines that split a request into tiered subtasks`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (.yaml, .json or .cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRaceCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newTaskCommand())
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newStatsCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// loadConfig reads --config, or the defaults, and applies the log flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Telemetry.Logging.Level = level
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// openEngine loads the config and builds an engine. mutate may adjust the
// config first; the result is validated again.
func openEngine(ctx context.Context, mutate func(*config.Config)) (*service.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	e, err := service.New(ctx, cfg, nil)
	if err != nil {
		return nil, err
	}
	e.Telemetry().Logger.SetGlobal()
	return e, nil
}

// closeEngine closes e with a fresh context so an interrupted command still
// flushes the cache file and the store.
func closeEngine(e *service.Engine) error {
	return e.Close(context.Background())
}

// output prints v as indented JSON with --json, otherwise calls human.
func output(w io.Writer, v interface{}, human func(io.Writer)) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(w)
	return nil
}
