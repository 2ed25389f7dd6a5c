package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tandem-ai/tandem/pkg/engine"
	"github.com/tandem-ai/tandem/pkg/service"
)

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show approach, cache and task statistics",
		Long: `Show engine statistics. With the sqlite storage driver the approach and
task figures cover every earlier process as well.`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			e, err := openEngine(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := closeEngine(e); err == nil {
					err = cerr
				}
			}()

			resp, err := e.Do(cmd.Context(), service.CommandRequest{Command: engine.CommandStats})
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), resp.Stats, func(w io.Writer) { printStats(w, resp.Stats) })
		},
	}
}

func printStats(w io.Writer, s *service.Stats) {
	fmt.Fprintf(w, "pool: %d/%d tokens in use, ports %v\n", s.Pool.InUse, s.Pool.Size, s.Pool.Ports)
	fmt.Fprintf(w, "cache: %d entries (max %d), %d hits, %d misses (%.1f%% hit rate)\n",
		s.Cache.Entries, s.Cache.MaxEntries, s.Cache.Hits, s.Cache.Misses, s.Cache.HitRate*100)

	approaches := s.Approaches
	if len(s.PersistedApproaches) > 0 {
		approaches = s.PersistedApproaches
	}
	if len(approaches) > 0 {
		fmt.Fprintln(w, "approaches:")
		for _, a := range approaches {
			fmt.Fprintf(w, "  %-20s %5d runs %6.1f%% success avg %s\n",
				a.Name, a.TotalExecutions, a.SuccessRate*100, a.AverageTime)
		}
	}

	if len(s.PersistedTasks) > 0 {
		fmt.Fprintln(w, "tasks:")
		for _, status := range []engine.TaskStatus{
			engine.TaskStatusCompleted, engine.TaskStatusFailed, engine.TaskStatusCancelled,
		} {
			fmt.Fprintf(w, "  %-10s %d\n", status, s.PersistedTasks[status])
		}
	}
}
