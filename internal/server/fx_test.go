package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/novel-batch-crawler/internal/config"
	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
	"github.com/JakeFAU/novel-batch-crawler/internal/dispatcher"
	filestore "github.com/JakeFAU/novel-batch-crawler/internal/storage/file"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.Backend = "memory"
	cfg.Delivery.Primary = "local"
	cfg.Delivery.Secondary = "none"
	cfg.Delivery.Local.Dir = t.TempDir()
	cfg.Delivery.PubSub = config.PubSubConfig{}
	cfg.Pipeline.WorkDir = t.TempDir()
	cfg.Intake.InboxDir = ""
	cfg.Server.Enabled = false
	cfg.Scheduler.Isolation = config.IsolationInProcess
	cfg.Scheduler.PollIntervalMs = 10
	return cfg
}

// Build registers the progress collectors on the default registry, so the
// whole pipeline is exercised from a single test.
func TestBuildRunsBatchToCompletion(t *testing.T) {
	cfg := testConfig(t)

	app, err := Build(context.Background(), cfg, Options{}, zap.NewNop())
	require.NoError(t, err)
	store := app.store

	_, err = store.Enqueue(context.Background(), "chat-1", []string{"https://unknown.test/novel/x"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- app.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}

	failures, err := store.Failures(context.Background())
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, "pipeline: no source for host: unknown.test", failures[0].Reason)
	require.Equal(t, crawler.KindPipeline, crawler.ReasonKind(failures[0].Reason))
}

func TestOpenStoreFileReadOnlyCoexistsWithWriter(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Store.Backend = "file"
	cfg.Store.Dir = t.TempDir()
	ctx := context.Background()

	writer, err := OpenStore(ctx, cfg, false, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })
	_, err = writer.Enqueue(ctx, "o", []string{"https://a.test/1"})
	require.NoError(t, err)

	_, err = OpenStore(ctx, cfg, false, zap.NewNop())
	require.ErrorIs(t, err, crawler.ErrStoreLocked)

	reader, err := OpenStore(ctx, cfg, true, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })
	pending, err := reader.PendingSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	_, err = reader.Enqueue(ctx, "o", []string{"https://a.test/2"})
	require.ErrorIs(t, err, filestore.ErrReadOnly)
}

func TestSetupRunnerFollowsIsolation(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	runner, err := setupRunner(cfg, Options{}, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, dispatcher.InProcess{}, runner)

	cfg.Scheduler.Isolation = config.IsolationSubprocess
	runner, err = setupRunner(cfg, Options{ConfigPath: "/etc/batch.yaml"}, zap.NewNop())
	require.NoError(t, err)
	sub, ok := runner.(dispatcher.Subprocess)
	require.True(t, ok)
	require.Equal(t, []string{"exec-job", "--config", "/etc/batch.yaml"}, sub.Args)
}

func TestSetupPrimaryWebhook(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Delivery.Primary = "webhook"
	cfg.Delivery.Webhook.URL = "http://127.0.0.1:1/hook"

	ch, err := setupPrimary(cfg)
	require.NoError(t, err)
	require.Equal(t, "webhook", ch.Name())

	cfg.Delivery.Primary = "local"
	ch, err = setupPrimary(cfg)
	require.NoError(t, err)
	require.Equal(t, "local", ch.Name())
}
