package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/novel-batch-crawler/internal/server"
)

func newRunCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Resume the queue and process jobs",
		Long: `Requeues jobs left in progress by an interrupted run, then processes
pending jobs until none remain. With --watch the process keeps running,
accepting new jobs from the inbox directory and the HTTP API.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), e.cfg, server.Options{
				ConfigPath: e.cfgPath,
				Watch:      watch,
			}, e.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep running after the queue drains")
	return cmd
}
