// Package server provides the composition root: it builds every component
// from configuration and runs the supervisor until the batch is drained or
// the process is signaled.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/novel-batch-crawler/internal/api"
	"github.com/JakeFAU/novel-batch-crawler/internal/binder/epub"
	"github.com/JakeFAU/novel-batch-crawler/internal/config"
	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
	"github.com/JakeFAU/novel-batch-crawler/internal/delivery"
	"github.com/JakeFAU/novel-batch-crawler/internal/delivery/webhook"
	"github.com/JakeFAU/novel-batch-crawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/novel-batch-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/novel-batch-crawler/internal/intake"
	"github.com/JakeFAU/novel-batch-crawler/internal/logging"
	"github.com/JakeFAU/novel-batch-crawler/internal/metrics"
	"github.com/JakeFAU/novel-batch-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/novel-batch-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/novel-batch-crawler/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/novel-batch-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/novel-batch-crawler/internal/resume"
	"github.com/JakeFAU/novel-batch-crawler/internal/source"
	"github.com/JakeFAU/novel-batch-crawler/internal/source/fanmtl"
	filestore "github.com/JakeFAU/novel-batch-crawler/internal/storage/file"
	gcsrelay "github.com/JakeFAU/novel-batch-crawler/internal/storage/gcs"
	"github.com/JakeFAU/novel-batch-crawler/internal/storage/local"
	memorystore "github.com/JakeFAU/novel-batch-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/novel-batch-crawler/internal/storage/postgres"
	"github.com/JakeFAU/novel-batch-crawler/internal/worker"
)

// Options are run-time switches that come from the command line rather than
// the config file.
type Options struct {
	// ConfigPath is forwarded to child workers in subprocess isolation.
	ConfigPath string
	// Watch keeps the supervisor running after the queue drains.
	Watch bool
}

// primaryChannel is a delivery channel that can also post notifications.
type primaryChannel interface {
	crawler.Channel
	crawler.Notifier
}

// App contains the application's dependencies.
type App struct {
	cfg             config.Config
	opts            Options
	logger          *zap.Logger
	store           crawler.JobStore
	resume          *resume.Controller
	dispatch        *dispatcher.Dispatcher
	watcher         *intake.Watcher
	apiServer       *api.Server
	progressHub     *progress.Hub
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
}

// Build creates the application's dependencies. The caller owns logger.
func Build(ctx context.Context, cfg config.Config, opts Options, logger *zap.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	app := &App{cfg: cfg, opts: opts, logger: logger}
	logger.Info("building application dependencies",
		zap.String("store", cfg.Store.Backend),
		zap.String("isolation", cfg.Scheduler.Isolation),
		zap.String("primary", cfg.Delivery.Primary),
		zap.String("secondary", cfg.Delivery.Secondary),
		zap.Int("job_concurrency", cfg.Scheduler.JobConcurrency),
	)
	metrics.Init()

	var err error
	app.store, err = OpenStore(ctx, cfg, false, logger)
	if err != nil {
		return nil, err
	}
	// Everything below may fail; release the store lock if it does.
	ok := false
	defer func() {
		if !ok {
			app.Close(context.Background())
		}
	}()

	runner, err := setupRunner(cfg, opts, logger)
	if err != nil {
		return nil, err
	}
	primary, err := setupPrimary(cfg)
	if err != nil {
		return nil, err
	}
	routerOpts, err := setupRelay(ctx, app)
	if err != nil {
		return nil, err
	}
	router, err := delivery.NewRouter(delivery.Config{
		Threshold:    cfg.Delivery.SizeThresholdBytes,
		RelayTimeout: cfg.RelayTimeout(),
	}, primary, app.store, logger, routerOpts...)
	if err != nil {
		return nil, fmt.Errorf("delivery router init failed: %w", err)
	}

	hub, err := setupProgress(ctx, app)
	if err != nil {
		return nil, err
	}

	app.dispatch, err = dispatcher.New(dispatcher.Config{
		JobConcurrency:   cfg.Scheduler.JobConcurrency,
		PollInterval:     cfg.PollInterval(),
		ProgressInterval: cfg.ProgressInterval(),
		NotifyProgress:   cfg.Progress.Notify,
		ExitWhenIdle:     !opts.Watch,
	}, app.store, runner, router, logger,
		dispatcher.WithNotifier(primary),
		dispatcher.WithObserver(hub),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}
	app.resume = resume.New(app.store, logger)

	if cfg.Intake.InboxDir != "" {
		app.watcher, err = intake.NewWatcher(cfg.Intake.InboxDir, app.dispatch, logger)
		if err != nil {
			return nil, fmt.Errorf("intake watcher init failed: %w", err)
		}
	}
	if cfg.Server.Enabled {
		app.apiServer = api.NewServer(app.store, app.dispatch, api.Config{APIKey: cfg.Server.APIKey}, logger)
	}

	ok = true
	return app, nil
}

// Run reconciles the store and supervises jobs until the queue drains (or,
// with Watch, until ctx ends or the process is signaled).
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer a.Close(context.Background())

	if _, err := a.resume.Reconcile(ctx); err != nil {
		return fmt.Errorf("resume: %w", err)
	}

	if a.watcher != nil {
		if a.opts.Watch || a.cfg.Intake.Watch {
			go func() {
				if err := a.watcher.Run(ctx); err != nil {
					a.logger.Error("intake watcher stopped", zap.Error(err))
				}
			}()
		} else if err := a.watcher.Scan(ctx); err != nil {
			a.logger.Warn("inbox scan failed", zap.Error(err))
		}
	}

	var srv *http.Server
	if a.apiServer != nil {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	err := a.dispatch.Run(ctx)
	a.logger.Info("shutdown initiated")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			a.logger.Error("server shutdown error", zap.Error(shutdownErr))
		}
	}
	return err
}

// Close releases infrastructure. It is safe to call more than once.
func (a *App) Close(ctx context.Context) {
	if a.progressHub != nil {
		closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := a.progressHub.Close(closeCtx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		cancel()
		if dropped := a.progressHub.Dropped(); dropped > 0 {
			a.logger.Warn("progress events dropped", zap.Int64("count", dropped))
		}
		a.progressHub = nil
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
		a.pubsubPublisher = nil
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsubClient = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storage = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("job store close failed", zap.Error(err))
		}
		a.store = nil
	}
}

// OpenStore opens the configured job store backend. readOnly skips the run
// lock on the file backend so status queries work while a run is active.
func OpenStore(ctx context.Context, cfg config.Config, readOnly bool, logger *zap.Logger) (crawler.JobStore, error) {
	logger = logging.OrNop(logger)
	switch cfg.Store.Backend {
	case "file":
		st, err := filestore.Open(cfg.Store.Dir, filestore.Options{ReadOnly: readOnly, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("file store init failed: %w", err)
		}
		logger.Debug("file job store", zap.String("dir", cfg.Store.Dir), zap.Bool("read_only", readOnly))
		return st, nil
	case "postgres":
		st, err := pgstore.New(ctx, pgstore.Config{DSN: cfg.Store.DSN, MaxConns: cfg.Store.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		logger.Debug("postgres job store", zap.Int32("max_conns", cfg.Store.MaxConns))
		return st, nil
	default:
		logger.Warn("using in-memory job store; state will not survive a restart")
		return memorystore.NewJobStore(), nil
	}
}

// BuildExecutor assembles the per-job pipeline: limiter, fetcher, source
// registry, and binder. Child workers call it directly.
func BuildExecutor(cfg config.Config, logger *zap.Logger) (*worker.Executor, error) {
	logger = logging.OrNop(logger)
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.HTTP.PerHostRPS,
		DefaultBurst: cfg.HTTP.PerHostBurst,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:        cfg.HTTP.UserAgent,
		Timeout:          cfg.FetchTimeout(),
		MaxRetries:       cfg.HTTP.MaxRetries,
		BackoffInitial:   time.Duration(cfg.HTTP.BackoffInitialMs) * time.Millisecond,
		BackoffMax:       time.Duration(cfg.HTTP.BackoffMaxMs) * time.Millisecond,
		RetryStatusCodes: cfg.HTTP.RetryStatusCodes,
		MaxConnsPerHost:  cfg.Pipeline.SubfetchConcurrency,
	}, limiter, logger)

	registry := source.NewRegistry()
	if err := fanmtl.Register(registry); err != nil {
		return nil, err
	}

	binder, err := epub.New(epub.Config{WorkDir: cfg.Pipeline.WorkDir}, logger)
	if err != nil {
		return nil, fmt.Errorf("binder init failed: %w", err)
	}

	executor, err := worker.NewExecutor(worker.Config{
		SubfetchConcurrency: cfg.Pipeline.SubfetchConcurrency,
		MinChapterBytes:     cfg.Pipeline.MinChapterBytes,
		RepairRounds:        cfg.Pipeline.RepairRounds,
		ProgressEvery:       cfg.Pipeline.ProgressEvery,
		Strict:              cfg.Pipeline.IntegrityPolicy == config.IntegrityStrict,
	}, fetcher, registry, binder, logger)
	if err != nil {
		return nil, fmt.Errorf("executor init failed: %w", err)
	}
	logger.Debug("executor ready",
		zap.Strings("sources", registry.Hosts()),
		zap.Int("subfetch_concurrency", cfg.Pipeline.SubfetchConcurrency),
		zap.String("integrity_policy", cfg.Pipeline.IntegrityPolicy),
	)
	return executor, nil
}

func setupRunner(cfg config.Config, opts Options, logger *zap.Logger) (dispatcher.Runner, error) {
	if cfg.Scheduler.Isolation == config.IsolationSubprocess {
		args := []string{"exec-job"}
		if opts.ConfigPath != "" {
			args = append(args, "--config", opts.ConfigPath)
		}
		logger.Info("running jobs in child processes", zap.Strings("args", args))
		return dispatcher.Subprocess{Args: args}, nil
	}
	executor, err := BuildExecutor(cfg, logger)
	if err != nil {
		return nil, err
	}
	return dispatcher.InProcess{Executor: executor}, nil
}

func setupPrimary(cfg config.Config) (primaryChannel, error) {
	switch cfg.Delivery.Primary {
	case "webhook":
		ch, err := webhook.New(webhook.Config{
			URL:     cfg.Delivery.Webhook.URL,
			Timeout: time.Duration(cfg.Delivery.Webhook.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("webhook channel init failed: %w", err)
		}
		return ch, nil
	default:
		ch, err := local.New(local.Config{BaseDir: cfg.Delivery.Local.Dir})
		if err != nil {
			return nil, fmt.Errorf("local outbox init failed: %w", err)
		}
		return ch, nil
	}
}

func setupRelay(ctx context.Context, app *App) ([]delivery.Option, error) {
	var opts []delivery.Option
	if app.cfg.Delivery.Secondary == "gcs" {
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		relay, err := gcsrelay.New(app.storage, gcsrelay.Config{
			Bucket:        app.cfg.Delivery.GCS.Bucket,
			Prefix:        app.cfg.Delivery.GCS.Prefix,
			PublicBaseURL: app.cfg.Delivery.GCS.PublicBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs relay init failed: %w", err)
		}
		app.logger.Info("gcs relay enabled", zap.String("bucket", app.cfg.Delivery.GCS.Bucket))
		opts = append(opts, delivery.WithSecondary(relay))
	}

	ps := app.cfg.Delivery.PubSub
	if ps.ProjectID == "" || ps.TopicName == "" {
		app.logger.Debug("no pub/sub topic configured; delivery announcements disabled")
		return opts, nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, ps.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(ps.TopicName)
	app.logger.Info("pub/sub announcer initialized",
		zap.String("project", ps.ProjectID),
		zap.String("topic", ps.TopicName),
	)
	return append(opts, delivery.WithAnnouncer(gcppublisher.New(app.pubsubPublisher))), nil
}

func setupProgress(ctx context.Context, app *App) (*progress.Hub, error) {
	promSink, err := progresssinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("prometheus progress sink init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	app.progressHub = progress.NewHub(progress.Config{
		BaseContext: ctx,
		Logger:      app.logger.Named("progress_hub"),
	}, sinkList...)
	return app.progressHub, nil
}
