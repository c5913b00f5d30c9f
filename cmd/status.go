package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
	"github.com/JakeFAU/novel-batch-crawler/internal/server"
)

type statusReport struct {
	Pending  []crawler.Job `json:"pending"`
	Failures []crawler.Job `json:"failures"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pending jobs and failures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			store, err := server.OpenStore(cmd.Context(), e.cfg, true, e.logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			var report statusReport
			if report.Pending, err = store.PendingSnapshot(cmd.Context()); err != nil {
				return fmt.Errorf("pending snapshot: %w", err)
			}
			if report.Failures, err = store.Failures(cmd.Context()); err != nil {
				return fmt.Errorf("list failures: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return writeStatus(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func writeStatus(w io.Writer, report statusReport) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "PENDING (%d)\n", len(report.Pending))
	fmt.Fprintln(tw, "STATUS\tATTEMPTS\tORIGIN\tURL")
	for _, j := range report.Pending {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", j.Status, j.Attempts, j.Origin, j.ID)
	}
	fmt.Fprintf(tw, "\nFAILED (%d)\n", len(report.Failures))
	fmt.Fprintln(tw, "ORIGIN\tURL\tREASON")
	for _, j := range report.Failures {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", j.Origin, j.ID, j.Reason)
	}
	return tw.Flush()
}
