package commands

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tandem-ai/tandem/pkg/config"
	"github.com/tandem-ai/tandem/pkg/engine"
	"github.com/tandem-ai/tandem/pkg/service"
	"github.com/tandem-ai/tandem/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		request     string
		description string
		outputDir   string
		report      bool
	)

	cmd := &cobra.Command{
		Use:   "run [request]",
		Short: "Run the full pipeline for a request",
		Long: `Analyse a request, race a basic, advanced and optimized implementation,
validate them through the task runner and write the final artifact.

Progress is printed as the stages advance. Interrupting the command cancels
the run; pending validation tasks are cancelled with it.`,
		Example: `  # Build a project into ./output
  tandem run "a command line todo list"

  # Pick the output directory
  tandem run --request "snake game" --description "terminal snake" --output-dir ./snake

  # Print the stage and task report when done
  tandem run --report "a unit converter"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if len(args) > 0 {
				request = args[0]
			}

			e, err := openEngine(cmd.Context(), func(cfg *config.Config) {
				if outputDir != "" {
					cfg.Pipeline.OutputDir = outputDir
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
			if err := e.Start(cmd.Context()); err != nil {
				return err
			}

			if !jsonOutput {
				w := cmd.ErrOrStderr()
				e.Telemetry().Events.Subscribe(func(ev telemetry.Event) {
					fmt.Fprintf(w, "[%5.1f%%] %s\n", ev.Percent, ev.Message)
				}, telemetry.FilterByType(telemetry.EventTypePipeline))
			}

			resp, err := e.Do(cmd.Context(), service.CommandRequest{
				Command:     engine.CommandRun,
				Request:     request,
				Description: description,
				Async:       true,
			})
			if err != nil {
				return err
			}
			id := resp.Run.ID

			done := make(chan struct{})
			go func() {
				e.Pipeline().Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-cmd.Context().Done():
				// Interrupted: cancel the run and let its current stage unwind.
				if _, cerr := e.Do(context.Background(), service.CommandRequest{Command: engine.CommandCancel, ID: id}); cerr != nil && !engine.IsConflict(cerr) {
					return cerr
				}
				<-done
			}

			result := runResult{}
			status, err := e.Do(context.Background(), service.CommandRequest{Command: engine.CommandStatus, ID: id})
			if err != nil {
				return err
			}
			result.Run = status.Run
			if report {
				rep, err := e.Do(context.Background(), service.CommandRequest{Command: engine.CommandReport, ID: id})
				if err != nil {
					return err
				}
				result.Report = rep.Report
			}

			run := result.Run
			if err := output(cmd.OutOrStdout(), result, func(w io.Writer) {
				fmt.Fprintf(w, "run %s: %s\n", run.ID, run.Status)
				for _, id := range run.SubtaskIDs {
					fmt.Fprintf(w, "  subtask %s\n", id)
				}
				if run.Status == engine.RunStatusSucceeded {
					final := filepath.Join(e.Config().Pipeline.OutputDir, "final_"+run.ID+e.Config().Pipeline.OutputExt)
					fmt.Fprintf(w, "final artifact: %s\n", final)
				}
				if run.Error != nil {
					fmt.Fprintf(w, "error: %s\n", run.Error.Message)
				}
				if result.Report != nil {
					printReport(w, result.Report)
				}
			}); err != nil {
				return err
			}
			if run.Error != nil {
				return run.Error
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&request, "request", "r", "", "what to build")
	cmd.Flags().StringVarP(&description, "description", "d", "", "short project description")
	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "directory for generated artifacts")
	cmd.Flags().BoolVar(&report, "report", false, "print per-stage results and task outcomes")

	return cmd
}

// runResult is the --json shape of the run command.
type runResult struct {
	Run    *engine.PipelineRun `json:"run"`
	Report *engine.RunReport   `json:"report,omitempty"`
}

func printReport(w io.Writer, rep *engine.RunReport) {
	fmt.Fprintf(w, "report (%s):\n", rep.Duration.Round(time.Millisecond))
	for _, st := range rep.Stages {
		mark := "ok"
		if !st.Success {
			mark = "FAILED"
		}
		fmt.Fprintf(w, "  stage %-18s %-6s %s\n", st.Stage, mark, st.Message)
	}
	fmt.Fprintf(w, "  subtasks: %d of %d succeeded\n", rep.SubtasksSucceeded, len(rep.Subtasks))
	for _, t := range rep.Tasks {
		fmt.Fprintf(w, "  task %s: %s", t.ID, t.Status)
		if t.Destination != "" {
			fmt.Fprintf(w, " -> %s", t.Destination)
		}
		if t.Error != nil {
			fmt.Fprintf(w, " (%s)", t.Error.Message)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "  tasks: %d completed, %d failed, %d cancelled\n", rep.TasksCompleted, rep.TasksFailed, rep.TasksCancelled)
}
