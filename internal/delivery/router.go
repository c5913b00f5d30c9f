// Package delivery routes finished artifacts to a channel chosen by size and
// records the outcome in the job store.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
	"github.com/JakeFAU/novel-batch-crawler/internal/logging"
	"github.com/JakeFAU/novel-batch-crawler/internal/metrics"
)

// Config controls routing.
type Config struct {
	// Threshold is the largest artifact, in bytes, sent directly on the
	// primary channel.
	Threshold int64
	// RelayTimeout bounds the whole secondary path: upload plus link
	// delivery on the primary channel.
	RelayTimeout time.Duration
}

// Router sends artifacts and writes Completed or Failed back to the store.
// It is called only from the supervising loop, so channel I/O is never
// concurrent.
type Router struct {
	cfg       Config
	primary   crawler.Channel
	secondary crawler.Channel
	store     crawler.JobStore
	announcer crawler.Announcer
	logger    *zap.Logger
	now       func() time.Time
}

// Option customizes a Router.
type Option func(*Router)

// WithSecondary enables relaying oversized artifacts through ch.
func WithSecondary(ch crawler.Channel) Option {
	return func(r *Router) { r.secondary = ch }
}

// WithAnnouncer publishes an announcement after each successful delivery.
func WithAnnouncer(a crawler.Announcer) Option {
	return func(r *Router) { r.announcer = a }
}

// Result is the outcome of one delivery attempt.
type Result struct {
	Job       crawler.Job
	Channel   string
	Reference string
	Caption   string
	// Reason is the failure reason recorded in the store; empty on success.
	Reason string
}

// Failed reports whether the delivery ended in failure.
func (r Result) Failed() bool {
	return r.Reason != ""
}

// NewRouter wires the primary channel and the job store.
func NewRouter(cfg Config, primary crawler.Channel, store crawler.JobStore, logger *zap.Logger, opts ...Option) (*Router, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary channel is required")
	}
	if store == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("size threshold must be positive")
	}
	if cfg.RelayTimeout <= 0 {
		cfg.RelayTimeout = 2 * time.Minute
	}
	r := &Router{
		cfg:     cfg,
		primary: primary,
		store:   store,
		logger:  logging.OrNop(logger).Named("delivery"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Deliver sends art for job, removes the artifact file, and records the
// outcome. The returned error is non-nil only when the store could not be
// updated; delivery failures are reported through Result.Reason.
func (r *Router) Deliver(ctx context.Context, job crawler.Job, art crawler.Artifact) (Result, error) {
	res := Result{Job: job, Caption: Caption(art)}
	defer r.discard(art.Path)

	channel, ref, err := r.route(ctx, job, art, res.Caption)
	res.Channel = channel
	if err != nil {
		res.Reason = crawler.DeliveryReason(err)
		metrics.ObserveDelivery(channel, "failed", art.SizeBytes)
		r.logger.Warn("delivery failed",
			zap.String("job_id", job.ID),
			zap.String("origin", job.Origin),
			zap.String("channel", channel),
			zap.Int64("size_bytes", art.SizeBytes),
			zap.Error(err),
		)
		if storeErr := r.store.MarkFailed(ctx, job.ID, res.Reason); storeErr != nil {
			return res, fmt.Errorf("record delivery failure: %w", storeErr)
		}
		return res, nil
	}

	res.Reference = ref
	metrics.ObserveDelivery(channel, "delivered", art.SizeBytes)
	r.logger.Info("artifact delivered",
		zap.String("job_id", job.ID),
		zap.String("origin", job.Origin),
		zap.String("channel", channel),
		zap.Int64("size_bytes", art.SizeBytes),
		zap.String("reference", ref),
	)
	if err := r.store.MarkCompleted(ctx, job.ID); err != nil {
		return res, fmt.Errorf("record completion: %w", err)
	}
	r.announce(ctx, job, res, art.SizeBytes)
	return res, nil
}

// route picks the channel by size. Artifacts at the threshold go direct.
func (r *Router) route(ctx context.Context, job crawler.Job, art crawler.Artifact, caption string) (string, string, error) {
	d := crawler.Delivery{Path: art.Path, SizeBytes: art.SizeBytes}
	if art.SizeBytes <= r.cfg.Threshold {
		ref, err := r.primary.Send(ctx, job.Origin, d, caption)
		return r.primary.Name(), ref, err
	}
	if r.secondary == nil {
		return r.primary.Name(), "", crawler.ErrOversized
	}

	relayCtx, cancel := context.WithTimeout(ctx, r.cfg.RelayTimeout)
	defer cancel()
	ref, err := r.secondary.Send(relayCtx, job.Origin, d, caption)
	if err == nil {
		_, err = r.primary.Send(relayCtx, job.Origin, crawler.Delivery{Reference: ref, SizeBytes: art.SizeBytes}, caption)
	}
	if err != nil && ctx.Err() == nil && errors.Is(relayCtx.Err(), context.DeadlineExceeded) {
		err = crawler.ErrRelayTimeout
	}
	return r.secondary.Name(), ref, err
}

func (r *Router) announce(ctx context.Context, job crawler.Job, res Result, size int64) {
	if r.announcer == nil {
		return
	}
	err := r.announcer.Announce(ctx, crawler.Announcement{
		JobID:       job.ID,
		Origin:      job.Origin,
		Channel:     res.Channel,
		Reference:   res.Reference,
		SizeBytes:   size,
		DeliveredAt: r.now().UTC(),
	})
	if err != nil {
		r.logger.Warn("delivery announcement failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (r *Router) discard(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("remove artifact", zap.String("path", path), zap.Error(err))
	}
}

// Caption is the human-readable label sent alongside an artifact.
func Caption(art crawler.Artifact) string {
	title := art.Title
	if title == "" {
		title = "Untitled"
	}
	if art.Placeholders > 0 {
		return fmt.Sprintf("%s (%d chapters, %d unavailable)", title, art.Chapters, art.Placeholders)
	}
	return fmt.Sprintf("%s (%d chapters)", title, art.Chapters)
}
