package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
	"github.com/JakeFAU/novel-batch-crawler/internal/progress"
)

// PrometheusSink exports per-phase pipeline timings derived from the
// checkpoint stream.
type PrometheusSink struct {
	phaseEntries  *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		phaseEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batchcrawl_phase_entries_total",
			Help: "Pipeline phase checkpoints observed, partitioned by phase.",
		}, []string{"phase"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchcrawl_phase_duration_seconds",
			Help:    "Time spent in each pipeline phase.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"phase"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "batchcrawl_jobs_running",
			Help: "Jobs that have reported a checkpoint but not yet finished.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "batchcrawl_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"outcome"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.phaseEntries,
		s.phaseDuration,
		s.jobsRunning,
		s.jobRuntime,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from checkpoint events. Counter updates
// carry no timing information and are ignored.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if evt.Checkpoint {
			s.consumeCheckpoint(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) consumeCheckpoint(evt progress.Event) {
	s.phaseEntries.WithLabelValues(string(evt.Phase)).Inc()
	prev, started, isNew := s.tracker.enter(evt.JobID, evt.Phase, evt.TS, evt.Terminal)
	if isNew && !evt.Terminal {
		s.jobsRunning.Inc()
	}
	if prev.phase != "" {
		if d := evt.TS.Sub(prev.at); d >= 0 {
			s.phaseDuration.WithLabelValues(string(prev.phase)).Observe(d.Seconds())
		}
	}
	if !evt.Terminal {
		return
	}
	if !isNew {
		s.jobsRunning.Dec()
	}
	outcome := "delivered"
	if evt.Phase == crawler.PhaseFailed {
		outcome = "failed"
	}
	if d := evt.TS.Sub(started); !started.IsZero() && d >= 0 {
		s.jobRuntime.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type phaseMark struct {
	phase crawler.Phase
	at    time.Time
}

type jobState struct {
	started time.Time
	current phaseMark
}

type jobTracker struct {
	mu   sync.Mutex
	jobs map[string]*jobState
}

func newJobTracker() *jobTracker {
	return &jobTracker{jobs: make(map[string]*jobState)}
}

// enter records phase entry and returns the phase being left, the job's start
// time, and whether the job was unknown until now. Terminal entries forget
// the job.
func (t *jobTracker) enter(id string, phase crawler.Phase, at time.Time, terminal bool) (phaseMark, time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.jobs[id]
	if !ok {
		st = &jobState{started: at}
		t.jobs[id] = st
	}
	prev := st.current
	st.current = phaseMark{phase: phase, at: at}
	if terminal {
		delete(t.jobs, id)
	}
	return prev, st.started, !ok
}
