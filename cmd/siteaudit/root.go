// Command siteaudit runs the site-audit service or a one-shot crawl.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "siteaudit",
		Short: "Crawl websites and detect SEO issues",
		Long: `siteaudit crawls a site under depth and page bounds, extracts SEO
signals from each page, classifies issues by severity, and stores the
results. Audits run asynchronously in a background job queue; schedules
queue recurring runs at a canonical hour.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (YAML); SITEAUDIT_* environment variables override")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newAuditCmd())

	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
