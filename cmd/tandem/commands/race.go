package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tandem-ai/tandem/pkg/engine"
	"github.com/tandem-ai/tandem/pkg/service"
)

func newRaceCommand() *cobra.Command {
	var (
		prompt  string
		label   string
		model   string
		noCache bool
	)

	cmd := &cobra.Command{
		Use:   "race [prompt]",
		Short: "Race every approach on one prompt",
		Long: `Run all registered approaches concurrently on one prompt and print the
first successful payload. Results are served from the solution cache unless
--no-cache is given.`,
		Example: `  # Race a prompt
  tandem race "write a function that reverses a string"

  # Label the request and bypass the cache
  tandem race --prompt "snake game" --label "basic implementation" --no-cache

  # Print the full race result as JSON
  tandem race --json "fizzbuzz"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if len(args) > 0 {
				prompt = args[0]
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

			resp, err := e.Do(cmd.Context(), service.CommandRequest{
				Command: engine.CommandRace,
				Prompt:  prompt,
				Label:   label,
				Model:   model,
				NoCache: noCache,
			})
			if err != nil {
				return err
			}

			return output(cmd.OutOrStdout(), resp.Race, func(w io.Writer) {
				printRace(w, resp.Race)
			})
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "prompt to race")
	cmd.Flags().StringVarP(&label, "label", "l", "", "task label passed to the approaches")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model override for model-backed approaches")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "skip the solution cache")

	return cmd
}

func printRace(w io.Writer, rr *engine.RaceResult) {
	source := ""
	if rr.Winner.Cached {
		source = " (cached)"
	}
	fmt.Fprintf(w, "winner: %s%s in %s\n", rr.Winner.Approach, source, rr.Elapsed)
	for _, f := range rr.Failures {
		msg := ""
		if f.Err != nil {
			msg = f.Err.Message
		}
		fmt.Fprintf(w, "  failed: %s: %s\n", f.Approach, msg)
	}
	fmt.Fprintln(w, strings.Repeat("-", 40))
	fmt.Fprint(w, rr.Winner.Payload)
	if !strings.HasSuffix(rr.Winner.Payload, "\n") {
		fmt.Fprintln(w)
	}
}
