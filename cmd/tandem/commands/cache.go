package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tandem-ai/tandem/pkg/engine"
	"github.com/tandem-ai/tandem/pkg/service"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the solution cache",
		Long: `Export, import or clear the solution cache of the configured backend.

Exports are JSON files that can be moved between machines or backends.`,
	}

	cmd.AddCommand(newCacheFileCommand(engine.CommandCacheExport, "export", "Write every cache entry to a file"))
	cmd.AddCommand(newCacheFileCommand(engine.CommandCacheImport, "import", "Load cache entries from a file"))
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cache entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cacheCommand(cmd, service.CommandRequest{Command: engine.CommandCacheClear})
		},
	})

	return cmd
}

func newCacheFileCommand(command engine.Command, use, short string) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:     use,
		Short:   short,
		Example: fmt.Sprintf("  tandem cache %s --file cache.json", use),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cacheCommand(cmd, service.CommandRequest{Command: command, Path: file})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "cache file path")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func cacheCommand(cmd *cobra.Command, req service.CommandRequest) (err error) {
	e, err := openEngine(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeEngine(e); err == nil {
			err = cerr
		}
	}()

	resp, err := e.Do(cmd.Context(), req)
	if err != nil {
		return err
	}
	return output(cmd.OutOrStdout(), resp, func(w io.Writer) {
		switch req.Command {
		case engine.CommandCacheExport:
			fmt.Fprintf(w, "exported %d entries to %s\n", resp.Cache.Entries, req.Path)
		case engine.CommandCacheImport:
			fmt.Fprintf(w, "imported %d entries from %s (%d cached)\n", resp.Imported, req.Path, resp.Cache.Entries)
		default:
			fmt.Fprintln(w, "cache cleared")
		}
	})
}
