package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
	"github.com/JakeFAU/novel-batch-crawler/internal/intake"
	"github.com/JakeFAU/novel-batch-crawler/internal/server"
)

func newEnqueueCmd() *cobra.Command {
	var origin string
	cmd := &cobra.Command{
		Use:   "enqueue [file.json|url]...",
		Short: "Add jobs to the queue",
		Long: `Adds URLs to the job queue. Each argument is either a URL or a JSON file
holding a list of URLs. URLs already pending or completed are skipped.

If another process holds the file store, the list is dropped into the
inbox directory for that process to pick up instead.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			urls, err := collectURLs(args)
			if err != nil {
				return err
			}
			req := intake.Request{Origin: origin, URLs: urls}
			if err := req.Validate(); err != nil {
				return fmt.Errorf("invalid request: %w", err)
			}

			store, err := server.OpenStore(cmd.Context(), e.cfg, false, e.logger)
			if errors.Is(err, crawler.ErrStoreLocked) && e.cfg.Intake.InboxDir != "" {
				path, dropErr := dropInInbox(e.cfg.Intake.InboxDir, req)
				if dropErr != nil {
					return dropErr
				}
				e.logger.Info("store busy; list handed to running process via inbox", zap.String("file", path))
				fmt.Fprintf(cmd.OutOrStdout(), "queued %d urls via inbox %s\n", len(urls), path)
				return nil
			}
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			res, err := intake.Submit(cmd.Context(), store, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %d, duplicates %d, rejected %d\n",
				res.Added, res.Duplicates, len(res.Rejected))
			for _, raw := range res.Rejected {
				fmt.Fprintf(cmd.OutOrStdout(), "  rejected: %s\n", raw)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&origin, "origin", "cli", "origin (destination) that receives the finished artifacts")
	return cmd
}

// collectURLs expands file arguments into their URL lists.
func collectURLs(args []string) ([]string, error) {
	var urls []string
	for _, arg := range args {
		if strings.HasSuffix(strings.ToLower(arg), ".json") {
			list, err := intake.ReadList(arg)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", arg, err)
			}
			urls = append(urls, list...)
			continue
		}
		urls = append(urls, arg)
	}
	return urls, nil
}

// dropInInbox writes req as an inbox file, staging it under a dot name so
// the watcher never sees a partial file.
func dropInInbox(dir string, req intake.Request) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create inbox: %w", err)
	}
	data, err := json.Marshal(req.URLs)
	if err != nil {
		return "", fmt.Errorf("encode job list: %w", err)
	}
	name := fmt.Sprintf("%s__%s.json", req.Origin, uuid.NewString()[:8])
	tmp := filepath.Join(dir, "."+name)
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("write inbox file: %w", err)
	}
	final := filepath.Join(dir, name)
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("publish inbox file: %w", err)
	}
	return final, nil
}
