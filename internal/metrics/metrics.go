// Package metrics exposes Prometheus collectors for the batch orchestrator.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchTotal                 *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	activeJobs                 prometheus.Gauge
	placeholdersTotal          prometheus.Counter
	deliveriesTotal            *prometheus.CounterVec
	artifactBytes              prometheus.Histogram
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchcrawl_fetch_total",
				Help: "Total fetches, labeled by host and status class.",
			},
			[]string{"host", "status_class"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchcrawl_fetch_bytes_total",
				Help: "Total bytes fetched, labeled by host.",
			},
			[]string{"host"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchcrawl_fetch_retries_total",
				Help: "Fetch attempts retried after a transient failure, labeled by host.",
			},
			[]string{"host"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchcrawl_jobs_total",
				Help: "Jobs reaching a terminal state, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "batchcrawl_active_jobs",
				Help: "Number of jobs currently occupying a pool slot.",
			},
		)

		placeholdersTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "batchcrawl_placeholder_chapters_total",
				Help: "Chapters replaced by placeholders after repair was exhausted.",
			},
		)

		deliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchcrawl_deliveries_total",
				Help: "Delivery attempts, labeled by channel and result.",
			},
			[]string{"channel", "result"},
		)

		artifactBytes = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "batchcrawl_artifact_bytes",
				Help:    "Size of bound artifacts.",
				Buckets: prometheus.ExponentialBuckets(64*1024, 4, 8),
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batchcrawl_rate_limit_delay_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one completed fetch.
func ObserveFetch(rawURL string, statusClass string, bytesFetched int) {
	Init()
	host := SanitizeHost(rawURL)
	fetchTotal.WithLabelValues(host, statusClass).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(host).Add(float64(bytesFetched))
	}
}

// ObserveFetchRetry records a retried fetch attempt.
func ObserveFetchRetry(rawURL string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SanitizeHost(rawURL)).Inc()
}

// ObserveJob increments the terminal job counter for the given outcome.
func ObserveJob(outcome string) {
	Init()
	jobsTotal.WithLabelValues(outcome).Inc()
}

// ObservePlaceholders adds to the placeholder chapter counter.
func ObservePlaceholders(n int) {
	Init()
	if n > 0 {
		placeholdersTotal.Add(float64(n))
	}
}

// ObserveDelivery records a delivery attempt and the artifact size.
func ObserveDelivery(channel string, result string, sizeBytes int64) {
	Init()
	deliveriesTotal.WithLabelValues(channel, result).Inc()
	if sizeBytes > 0 {
		artifactBytes.Observe(float64(sizeBytes))
	}
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	Init()
	activeJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	Init()
	activeJobs.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
