package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rankwell/siteaudit/internal/app"
	"github.com/rankwell/siteaudit/internal/audit"
	"github.com/rankwell/siteaudit/internal/config"
)

func newAuditCmd() *cobra.Command {
	var (
		siteURL        string
		maxPages       int
		maxDepth       int
		maxConcurrency int
		renderJS       bool
		screenshots    bool
		sitemap        bool
		outDir         string
		timeout        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Run a single audit and write the report locally",
		Long: `Crawls the given site synchronously, prints a summary of the pages
and issues found, and writes the HTML report (plus screenshots when
enabled) under the output directory.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg.Scheduler.Enabled = false
			if outDir != "" {
				cfg.Storage.Backend = config.StorageLocal
				cfg.Storage.BaseDir = outDir
			}
			if renderJS || screenshots {
				cfg.Headless.Enabled = true
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			a, err := app.Build(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			rec, runErr := a.RunOnce(ctx, siteURL, audit.CrawlOptions{
				MaxPages:           maxPages,
				MaxDepth:           maxDepth,
				MaxConcurrency:     maxConcurrency,
				RenderJS:           renderJS || screenshots,
				IncludeScreenshots: screenshots,
				IncludeSitemap:     sitemap,
			})
			if rec.ID != "" {
				printSummary(cmd, rec)
			}
			if runErr != nil {
				return runErr
			}
			if rec.Status != audit.StatusCompleted {
				return fmt.Errorf("audit finished %s: %s", rec.Status, rec.ErrorMessage)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&siteURL, "url", "", "site URL to audit (required)")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "page cap (0 uses the configured default)")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "link depth cap (0 uses the configured default)")
	cmd.Flags().IntVar(&maxConcurrency, "max-concurrency", 0, "in-flight fetch cap (0 uses the configured default)")
	cmd.Flags().BoolVar(&renderJS, "render-js", false, "render pages with headless Chrome")
	cmd.Flags().BoolVar(&screenshots, "screenshots", false, "capture page screenshots (implies --render-js)")
	cmd.Flags().BoolVar(&sitemap, "sitemap", false, "seed the crawl from sitemap.xml")
	cmd.Flags().StringVar(&outDir, "out", "siteaudit-out", "directory for the report and screenshots (empty keeps configured storage)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort the audit after this duration (0 means no limit)")
	_ = cmd.MarkFlagRequired("url")

	return cmd
}

func printSummary(cmd *cobra.Command, rec audit.Audit) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Audit %s %s\n", rec.ID, rec.Status)
	fmt.Fprintf(out, "  Site:   %s\n", rec.SiteURL)
	fmt.Fprintf(out, "  Pages:  %d\n", rec.TotalPages)
	fmt.Fprintf(out, "  Issues: %d (critical %d, error %d, warning %d, info %d)\n",
		rec.Issues.Total, rec.Issues.Critical, rec.Issues.Error, rec.Issues.Warning, rec.Issues.Info)
	if rec.ReportRef != "" {
		fmt.Fprintf(out, "  Report: %s\n", rec.ReportRef)
	}
	if rec.StartedAt != nil && rec.CompletedAt != nil {
		fmt.Fprintf(out, "  Took:   %s\n", rec.CompletedAt.Sub(*rec.StartedAt).Round(time.Millisecond))
	}
	if rec.ErrorMessage != "" {
		fmt.Fprintf(out, "  Error:  %s\n", rec.ErrorMessage)
	}
}
