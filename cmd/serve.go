package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the worker pool, and the region scheduler",
		Long: `Starts the HTTP surface (/scrape, /scrape_status/{job_id}, /ping), launches
the configured number of workers, and ticks the region lifecycle manager until
SIGINT or SIGTERM. Workers drain the jobs queued ahead of shutdown before they
release their browser sessions.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}
