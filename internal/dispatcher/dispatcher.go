// Package dispatcher owns the supervising loop: it claims jobs from the
// store into a fixed number of slots, consumes executor progress, and hands
// finished artifacts to the delivery router. Store mutations after the claim
// and all channel I/O happen on the loop goroutine only.
package dispatcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
	"github.com/JakeFAU/novel-batch-crawler/internal/delivery"
	"github.com/JakeFAU/novel-batch-crawler/internal/logging"
	"github.com/JakeFAU/novel-batch-crawler/internal/metrics"
	"github.com/JakeFAU/novel-batch-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/novel-batch-crawler/internal/progress"
)

// Runner executes one job's pipeline, in this process or elsewhere.
type Runner interface {
	Run(ctx context.Context, job crawler.Job, emit progress.Emitter) (crawler.Artifact, error)
}

// Deliverer sends an artifact and records the outcome in the store.
type Deliverer interface {
	Deliver(ctx context.Context, job crawler.Job, art crawler.Artifact) (delivery.Result, error)
}

// Config controls the supervising loop.
type Config struct {
	// JobConcurrency is the number of job slots.
	JobConcurrency int
	// PollInterval is how often the store is polled for new work when idle.
	PollInterval time.Duration
	// ProgressInterval is the minimum gap between forwarded counter updates
	// for one job. Checkpoints are always forwarded.
	ProgressInterval time.Duration
	// NotifyProgress posts checkpoints and throttled updates to the notifier.
	// Terminal outcomes are always posted.
	NotifyProgress bool
	// ExitWhenIdle makes Run return once no job is pending or running.
	ExitWhenIdle bool
}

// Dispatcher is the supervising loop.
type Dispatcher struct {
	cfg      Config
	store    crawler.JobStore
	runner   Runner
	router   Deliverer
	notifier crawler.Notifier
	observer progress.Emitter
	channel  *progress.Channel
	throttle *ratelimit.Limiter
	logger   *zap.Logger
	wake     chan struct{}
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithNotifier posts progress and terminal outcomes to n.
func WithNotifier(n crawler.Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

// WithObserver forwards every consumed event to e, typically a progress.Hub.
func WithObserver(e progress.Emitter) Option {
	return func(d *Dispatcher) { d.observer = e }
}

type completion struct {
	job     crawler.Job
	art     crawler.Artifact
	err     error
	started time.Time
}

// New wires the loop.
func New(cfg Config, store crawler.JobStore, runner Runner, router Deliverer, logger *zap.Logger, opts ...Option) (*Dispatcher, error) {
	if store == nil || runner == nil || router == nil {
		return nil, fmt.Errorf("store, runner, and router are required")
	}
	if cfg.JobConcurrency <= 0 {
		cfg.JobConcurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	d := &Dispatcher{
		cfg:      cfg,
		store:    store,
		runner:   runner,
		router:   router,
		observer: progress.Discard,
		channel:  progress.NewChannel(),
		throttle: ratelimit.Every(cfg.ProgressInterval),
		logger:   logging.OrNop(logger).Named("dispatcher"),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.observer == nil {
		d.observer = progress.Discard
	}
	return d, nil
}

// Enqueue adds ids to the store and wakes the loop.
func (d *Dispatcher) Enqueue(ctx context.Context, origin string, ids []string) (int, error) {
	n, err := d.store.Enqueue(ctx, origin, ids)
	if err != nil {
		return 0, fmt.Errorf("store enqueue: %w", err)
	}
	if n > 0 {
		d.Kick()
	}
	return n, nil
}

// Kick wakes the loop so it checks the store before the next poll tick.
func (d *Dispatcher) Kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run supervises jobs until ctx ends, or until idle when ExitWhenIdle is
// set. On cancellation in-flight jobs are abandoned; they stay in progress
// in the store and are requeued on the next start. A claim error is retried
// on the next poll, except when it would end an ExitWhenIdle run early; then
// Run returns it.
func (d *Dispatcher) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan completion, d.cfg.JobConcurrency)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	active := 0

	d.logger.Info("dispatcher started",
		zap.Int("job_concurrency", d.cfg.JobConcurrency),
		zap.Bool("exit_when_idle", d.cfg.ExitWhenIdle),
	)
	for {
		started, err := d.fill(ctx, runCtx, done, d.cfg.JobConcurrency-active)
		active += started
		switch {
		case ctx.Err() != nil:
		case err != nil && active == 0 && d.cfg.ExitWhenIdle:
			d.forward(ctx, d.channel.Drain())
			return fmt.Errorf("claim next job: %w", err)
		case err != nil:
			d.logger.Error("claim next job; retrying", zap.Error(err))
		case active == 0 && d.cfg.ExitWhenIdle:
			d.forward(ctx, d.channel.Drain())
			d.logger.Info("no pending jobs; dispatcher exiting")
			return nil
		}

		select {
		case <-ctx.Done():
			d.logger.Warn("dispatcher stopping; abandoning in-flight jobs", zap.Int("in_flight", active))
			return nil
		case <-d.channel.Ready():
			d.forward(ctx, d.channel.Drain())
		case c := <-done:
			active--
			d.forward(ctx, d.channel.Drain())
			d.finish(ctx, c)
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// fill claims up to free jobs and starts them. It returns how many started
// and the claim error that stopped it, if any.
func (d *Dispatcher) fill(ctx, runCtx context.Context, done chan<- completion, free int) (int, error) {
	started := 0
	for started < free {
		job, ok, err := d.store.NextPending(ctx)
		if err != nil {
			return started, err
		}
		if !ok {
			return started, nil
		}
		started++
		d.start(runCtx, job, done)
	}
	return started, nil
}

func (d *Dispatcher) start(ctx context.Context, job crawler.Job, done chan<- completion) {
	metrics.IncActiveJobs()
	d.logger.Info("job started",
		zap.String("job_id", job.ID),
		zap.String("origin", job.Origin),
		zap.Int("attempt", job.Attempts),
	)
	go func() {
		c := completion{job: job, started: time.Now()}
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("job panicked",
					zap.String("job_id", job.ID),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				c.err = fmt.Errorf("panic: %v", r)
			}
			done <- c
		}()
		c.art, c.err = d.runner.Run(ctx, job, d.channel)
	}()
}

// finish records the outcome of one job and posts its single terminal
// notification.
func (d *Dispatcher) finish(ctx context.Context, c completion) {
	metrics.DecActiveJobs()
	defer d.throttle.Forget(c.job.ID)
	logger := d.logger.With(
		zap.String("job_id", c.job.ID),
		zap.String("origin", c.job.Origin),
		zap.Duration("elapsed", time.Since(c.started)),
	)
	if ctx.Err() != nil {
		logger.Warn("job abandoned at shutdown")
		return
	}

	if c.err != nil {
		reason := crawler.PipelineReason(c.err)
		logger.Warn("job failed", zap.String("reason", reason))
		if err := d.store.MarkFailed(ctx, c.job.ID, reason); err != nil {
			logger.Error("record job failure", zap.Error(err))
		}
		metrics.ObserveJob("failed")
		d.terminal(ctx, c.job, fmt.Sprintf("Failed %s: %s", c.job.ID, reason), true)
		return
	}

	res, err := d.router.Deliver(ctx, c.job, c.art)
	if err != nil {
		logger.Error("record delivery outcome", zap.Error(err))
	}
	if res.Failed() {
		metrics.ObserveJob("failed")
		d.terminal(ctx, c.job, fmt.Sprintf("Failed %s: %s", c.job.ID, res.Reason), true)
		return
	}
	metrics.ObserveJob("completed")
	text := "Delivered " + res.Caption
	if res.Reference != "" {
		text += ": " + res.Reference
	}
	d.terminal(ctx, c.job, text, false)
}

func (d *Dispatcher) terminal(ctx context.Context, job crawler.Job, text string, failed bool) {
	d.observer.Emit(progress.Final(job, text, failed))
	d.notify(ctx, job.Origin, text)
}

// forward passes drained events to the observer and, when enabled, to the
// notifier. Counter updates are throttled per job; checkpoints are not.
func (d *Dispatcher) forward(ctx context.Context, events []progress.Event) {
	for _, evt := range events {
		if !evt.Checkpoint && !d.throttle.Allow(evt.JobID) {
			continue
		}
		d.observer.Emit(evt)
		if d.cfg.NotifyProgress {
			d.notify(ctx, evt.Origin, progressText(evt))
		}
	}
}

func (d *Dispatcher) notify(ctx context.Context, destination, text string) {
	if d.notifier == nil {
		return
	}
	if err := d.notifier.Notify(ctx, destination, text); err != nil {
		d.logger.Warn("notification failed", zap.String("origin", destination), zap.Error(err))
	}
}

func progressText(evt progress.Event) string {
	if pct := evt.Percent(); pct >= 0 {
		return fmt.Sprintf("%s: %s (%d%%)", evt.JobID, evt.Text, pct)
	}
	return fmt.Sprintf("%s: %s", evt.JobID, evt.Text)
}
