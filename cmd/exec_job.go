package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/novel-batch-crawler/internal/dispatcher"
	"github.com/JakeFAU/novel-batch-crawler/internal/server"
)

// newExecJobCmd is the child side of subprocess isolation. It reads one job
// as JSON on stdin and writes progress and the result as JSON lines on
// stdout. Logs go to stderr.
func newExecJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "exec-job",
		Short:  "Run a single job read from stdin",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			executor, err := server.BuildExecutor(e.cfg, e.logger.Named("child"))
			if err != nil {
				return err
			}
			return dispatcher.RunChild(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), executor)
		},
	}
}
