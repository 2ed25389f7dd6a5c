package commands

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tandem-ai/tandem/pkg/api"
	"github.com/tandem-ai/tandem/pkg/config"
	"github.com/tandem-ai/tandem/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var (
		addr    string
		workers int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run task workers",
		Long: `Start the task runner workers and serve the engine over HTTP until
interrupted. Prometheus metrics are exposed on /metrics.

When --config is given the file is watched; edits to the log level apply
without a restart. Other settings need a restart.`,
		Example: `  # Serve on the default address
  tandem serve

  # Serve on all interfaces with four workers
  tandem serve --addr 0.0.0.0:9090 --workers 4 --config tandem.yaml`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()

			e, err := openEngine(ctx, func(cfg *config.Config) {
				if addr != "" {
					cfg.API.Addr = addr
				}
				if workers > 0 {
					cfg.Runner.Workers = workers
				}
			})
			if err != nil {
				return err
			}
			defer func() {
				if cerr := closeEngine(e); err == nil {
					err = cerr
				}
			}()
			if err := e.Start(ctx); err != nil {
				return err
			}

			if configPath != "" {
				w, err := config.Watch(ctx, configPath, applyLogLevel,
					config.WithWatchLogger(e.Telemetry().Logger.Zerolog()))
				if err != nil {
					return err
				}
				defer w.Close()
			}

			return api.NewServer(e, e.Config().API).Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides api.addr)")
	cmd.Flags().IntVar(&workers, "workers", 0, "number of task workers (overrides runner.workers)")

	return cmd
}

// applyLogLevel moves the global log level to the reloaded configuration.
// Loggers never log below the level they were created with.
func applyLogLevel(cfg *config.Config) {
	level := telemetry.ParseLevel(cfg.Telemetry.Logging.Level)
	if verbose {
		level = zerolog.DebugLevel
	}
	if level == zerolog.GlobalLevel() {
		return
	}
	zerolog.SetGlobalLevel(level)
	log.Info().Str("level", level.String()).Msg("Log level changed")
}
