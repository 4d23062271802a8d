package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newRegionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regions",
		Short: "Inspect and manage the regions being watched",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List every region with the last time someone showed interest in it",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				app, err := resolveApp(cmd.Context())
				if err != nil {
					return err
				}
				regions, err := app.Regions(cmd.Context())
				if err != nil {
					return err
				}
				if len(regions) == 0 {
					cmd.Println("No regions are being watched.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
				_, _ = fmt.Fprintln(w, "REGION\tLAST INTERACTED")
				for _, r := range regions {
					_, _ = fmt.Fprintf(w, "%s\t%s\n", r.Code, r.LastInteractedAt.Format(time.RFC3339))
				}
				return w.Flush()
			},
		},
		&cobra.Command{
			Use:   "add [region]",
			Short: "Start watching a region, or refresh its last-interacted time",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				app, err := resolveApp(cmd.Context())
				if err != nil {
					return err
				}
				if err := app.ValidateRegion(args[0]); err != nil {
					return err
				}
				if err := app.TouchRegion(cmd.Context(), args[0]); err != nil {
					return err
				}
				cmd.Printf("Region %s is being watched.\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove [region]",
			Short: "Stop watching a region and drop its stored stock state",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				app, err := resolveApp(cmd.Context())
				if err != nil {
					return err
				}
				if err := app.RetireRegion(cmd.Context(), args[0]); err != nil {
					return err
				}
				cmd.Printf("Region %s retired.\n", args[0])
				return nil
			},
		},
	)
	return cmd
}
