package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tandem-ai/tandem/pkg/engine"
	"github.com/tandem-ai/tandem/pkg/service"
)

func newTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Validate and apply payloads through the task runner",
	}

	cmd.AddCommand(newTaskApplyCommand())
	cmd.AddCommand(newTaskListCommand())
	cmd.AddCommand(newTaskStatusCommand())

	return cmd
}

func newTaskApplyCommand() *cobra.Command {
	var (
		file        string
		dest        string
		id          string
		description string
		priority    string
		depends     []string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Validate a payload file and write it to a destination",
		Long: `Submit one payload to the task runner and wait for it to finish.

The payload is syntax checked for the language implied by the destination.
Existing destinations are backed up before they are replaced. Destinations of
the form sftp://user@host/path are written over SSH when remote apply is enabled.`,
		Example: `  # Validate and write a script
  tandem task apply --file solve.py --dest ./out/solve.py

  # Urgent task
  tandem task apply --file main.py --dest ./out/main.py --priority urgent`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			payload, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read payload: %w", err)
			}
			prio := engine.PriorityMedium
			if priority != "" {
				if prio, err = engine.ParsePriority(priority); err != nil {
					return err
				}
			}

			e, err := openEngine(cmd.Context(), nil)
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

			resp, err := e.Do(cmd.Context(), service.CommandRequest{
				Command: engine.CommandSubmit,
				Task: &engine.TaskSpec{
					ID:           id,
					Description:  description,
					Payload:      string(payload),
					Destination:  dest,
					Priority:     prio,
					Dependencies: depends,
				},
			})
			if err != nil {
				return err
			}

			done := e.Runner().WaitFor(cmd.Context(), []string{resp.TaskID}, timeout)
			task, ok := done[resp.TaskID]
			if !ok || !task.Status.IsTerminal() {
				return fmt.Errorf("task %s did not finish within %s", resp.TaskID, timeout)
			}

			if err := output(cmd.OutOrStdout(), task, func(w io.Writer) { printTask(w, task) }); err != nil {
				return err
			}
			if task.Status != engine.TaskStatusCompleted {
				return fmt.Errorf("task %s %s", task.ID, task.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "payload file")
	cmd.Flags().StringVarP(&dest, "dest", "d", "", "destination path or sftp:// URL")
	cmd.Flags().StringVar(&id, "id", "", "task ID (generated when empty)")
	cmd.Flags().StringVar(&description, "description", "", "what the payload does")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "low, medium, high or urgent")
	cmd.Flags().StringSliceVar(&depends, "depends", nil, "task IDs that must complete first")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for the task")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newTaskListCommand() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List tasks recorded in the store",
		Example: `  tandem task list --status failed --limit 10`,
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

			resp, err := e.Do(cmd.Context(), service.CommandRequest{
				Command: engine.CommandList,
				Status:  engine.TaskStatus(status),
				Limit:   limit,
			})
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), resp.Tasks, func(w io.Writer) {
				if len(resp.Tasks) == 0 {
					fmt.Fprintln(w, "no tasks")
				}
				for _, t := range resp.Tasks {
					fmt.Fprintf(w, "%-40s %-10s %-8s %s\n", t.ID, t.Status, t.Priority, t.Destination)
				}
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only tasks with this status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of tasks")

	return cmd
}

func newTaskStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show a task or pipeline run",
		Args:  cobra.ExactArgs(1),
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

			resp, err := e.Do(cmd.Context(), service.CommandRequest{Command: engine.CommandStatus, ID: args[0]})
			if err != nil {
				return err
			}
			if resp.Run != nil {
				run := resp.Run
				return output(cmd.OutOrStdout(), run, func(w io.Writer) {
					fmt.Fprintf(w, "run %s: %s at %s (%.0f%%)\n", run.ID, run.Status, run.Stage, run.Progress)
				})
			}
			return output(cmd.OutOrStdout(), resp.Task, func(w io.Writer) { printTask(w, *resp.Task) })
		},
	}
}

func printTask(w io.Writer, t engine.Task) {
	fmt.Fprintf(w, "task %s: %s\n", t.ID, t.Status)
	if t.Destination != "" {
		fmt.Fprintf(w, "  destination: %s\n", t.Destination)
	}
	if t.BackupPath != "" {
		fmt.Fprintf(w, "  backup: %s\n", t.BackupPath)
	}
	fmt.Fprintf(w, "  logic score: %d\n", t.LogicScore)
	for _, f := range t.Findings {
		fmt.Fprintf(w, "  %s/%s: %s\n", f.Check, f.Severity, f.Message)
	}
	if t.Error != nil {
		fmt.Fprintf(w, "  error: %s\n", t.Error.Message)
	}
}
