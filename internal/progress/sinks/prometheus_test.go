package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
	"github.com/JakeFAU/novel-batch-crawler/internal/progress"
)

// TestPrometheusSinkRecordsPhases ensures phase counters, durations, and job
// runtime are derived from checkpoints.
func TestPrometheusSinkRecordsPhases(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	start := time.Now()
	ev := func(phase crawler.Phase, offset time.Duration, checkpoint, terminal bool) progress.Event {
		return progress.Event{
			JobID:      "job-1",
			Phase:      phase,
			Checkpoint: checkpoint,
			Terminal:   terminal,
			TS:         start.Add(offset),
		}
	}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		ev(crawler.PhaseInit, 0, true, false),
		ev(crawler.PhaseMetadataFetch, time.Second, true, false),
	}))
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.jobsRunning), 1e-9)

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		ev(crawler.PhaseChapterFetch, 2*time.Second, false, false),
		ev(crawler.PhaseDelivered, 10*time.Second, true, true),
	}))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.phaseEntries.WithLabelValues("init")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.phaseEntries.WithLabelValues("delivered")), 1e-9)
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.phaseEntries.WithLabelValues("chapter_fetch")), 1e-9)
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.jobsRunning), 1e-9)
	require.Equal(t, 2, testutil.CollectAndCount(sink.phaseDuration, "batchcrawl_phase_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.jobRuntime, "batchcrawl_job_runtime_seconds"))
}

func TestPrometheusSinkTerminalWithoutPriorCheckpoint(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{{
		JobID: "job-2", Phase: crawler.PhaseFailed, Checkpoint: true, Terminal: true, TS: time.Now(),
	}}))
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.jobsRunning), 1e-9)
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
