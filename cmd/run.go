package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-ingest/internal/server"
)

// newRunCmd builds one of the long-running subcommands. They share the
// wiring and differ only in which halves of the service they start.
func newRunCmd(use, short string, mode server.Mode) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), rt.cfg, mode, version, rt.logger)
			if err != nil {
				return fmt.Errorf("build %s: %w", mode, err)
			}
			return app.Run(cmd.Context())
		},
	}
}
