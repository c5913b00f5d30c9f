// Package resume reconciles persisted job state at startup so an interrupted
// run continues where it stopped.
package resume

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
	"github.com/JakeFAU/novel-batch-crawler/internal/logging"
)

// Report summarizes a reconciliation pass.
type Report struct {
	// Requeued counts jobs found in progress and returned to pending.
	Requeued int
	// Pending is the number of jobs waiting after reconciliation.
	Pending int
	// Failed is the number of recorded failures carried over.
	Failed int
}

// Controller prepares the job store before the dispatcher starts.
type Controller struct {
	store  crawler.JobStore
	logger *zap.Logger
}

// New builds a Controller.
func New(store crawler.JobStore, logger *zap.Logger) *Controller {
	return &Controller{store: store, logger: logging.OrNop(logger).Named("resume")}
}

// Reconcile treats every in-progress job as abandoned by a previous run and
// makes it pending again. Jobs already in the completed index are dropped
// by the store during the requeue.
func (c *Controller) Reconcile(ctx context.Context) (Report, error) {
	requeued, err := c.store.RequeueInProgress(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("requeue in-progress jobs: %w", err)
	}
	pending, err := c.store.PendingSnapshot(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("pending snapshot: %w", err)
	}
	failures, err := c.store.Failures(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list failures: %w", err)
	}

	report := Report{Requeued: requeued, Pending: len(pending), Failed: len(failures)}
	for _, job := range pending {
		if job.Attempts > 0 {
			c.logger.Info("resuming job",
				zap.String("job_id", job.ID),
				zap.String("origin", job.Origin),
				zap.Int("attempt", job.Attempts+1),
			)
		}
	}
	c.logger.Info("job store reconciled",
		zap.Int("requeued", report.Requeued),
		zap.Int("pending", report.Pending),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}
