package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawl-ingest/internal/server"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Wait for Postgres and create the records and jobs tables",
		Long: `migrate waits for the database to accept connections (db.wait_attempts
tries, db.wait_interval apart) and then creates the quotes and crawl_jobs
tables. It is safe to run concurrently and repeatedly.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			return server.Migrate(cmd.Context(), rt.cfg, rt.logger.Named("migrate"))
		},
	}
}
