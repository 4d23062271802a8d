package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/stockwatch/internal/restock"
)

func newScrapeCmd() *cobra.Command {
	var (
		regions []string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Run one scrape cycle for the given regions and print the job results",
		Example: `  stockwatch scrape --region 110001 --region 560001
  stockwatch scrape -r 400001 --timeout 2m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(regions) == 0 {
				return errors.New("at least one --region is required")
			}
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			jobs, err := app.ScrapeOnce(ctx, regions)
			printJobs(cmd.OutOrStdout(), jobs)
			if err != nil {
				return fmt.Errorf("scrape: %w", err)
			}
			for _, job := range jobs {
				if job.State == restock.JobStateFailed {
					return fmt.Errorf("job %s for region %s failed: %s", job.ID, job.Region, job.Reason)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&regions, "region", "r", nil, "region code to scrape (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up waiting for jobs after this long")
	return cmd
}

func printJobs(out io.Writer, jobs []restock.Job) {
	if len(jobs) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "JOB ID\tREGION\tSTATUS\tPRODUCTS\tRESTOCKED\tNOTIFIED\tREASON")
	for _, job := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			job.ID,
			job.Region,
			job.State,
			job.Counters.Products,
			job.Counters.Restocked,
			job.Counters.Notified,
			job.Reason,
		)
	}
	_ = w.Flush()
}
