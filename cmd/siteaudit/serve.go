package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rankwell/siteaudit/internal/app"
	"github.com/rankwell/siteaudit/internal/config"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the audit API server, job queue, and schedule poller",
		Long: `Starts the HTTP API, the background job queue that executes audits,
and the poller that queues recurring audits when their schedules come
due. Blocks until SIGINT or SIGTERM, then drains gracefully.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			a, err := app.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
}
