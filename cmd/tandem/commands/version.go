package commands

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
)

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

func newVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := versionInfo{Version: version, Commit: commit, BuildDate: buildDate, GoVersion: runtime.Version()}
			return output(cmd.OutOrStdout(), info, func(w io.Writer) {
				fmt.Fprintf(w, "tandem %s (commit: %s, built: %s, %s)\n", info.Version, info.Commit, info.BuildDate, info.GoVersion)
			})
		},
	}
}
