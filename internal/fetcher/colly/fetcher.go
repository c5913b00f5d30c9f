// Package collyfetcher implements crawler.Fetcher using gocolly, with
// retry-with-backoff on transient status codes and per-host politeness.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
	"github.com/JakeFAU/novel-batch-crawler/internal/logging"
	"github.com/JakeFAU/novel-batch-crawler/internal/metrics"
)

// Config controls collector behavior.
type Config struct {
	UserAgent        string
	Timeout          time.Duration
	MaxRetries       int
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
	RetryStatusCodes []int
	// MaxConnsPerHost sizes the idle connection pool; callers set it to the
	// sub-fetch concurrency so parallel chapter fetches reuse connections.
	MaxConnsPerHost int
}

// Waiter blocks until a request to rawURL may proceed.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	limiter       Waiter
	detector      *crawler.ChallengeDetector
	retryable     map[int]struct{}
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 8 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	codes := cfg.RetryStatusCodes
	if codes == nil {
		codes = crawler.DefaultTransientStatusCodes
	}
	retryable := make(map[int]struct{}, len(codes))
	for _, code := range codes {
		retryable[code] = struct{}{}
	}

	// Clones share the visited store, so revisits must be allowed for
	// retries and repair rounds to refetch the same URL.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	transport := newHTTPTransport(cfg.MaxConnsPerHost)
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		limiter:       limiter,
		detector:      crawler.NewChallengeDetector(crawler.DefaultChallengeKeywords),
		retryable:     retryable,
		logger:        logging.OrNop(logger),
	}
}

// Fetch executes an HTTP GET, retrying transient failures with exponential
// backoff. Access blocks and non-transient statuses fail immediately.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		attempts int
	)
	err := retry.Do(
		func() error {
			attempts++
			if f.limiter != nil {
				if err := f.limiter.Wait(ctx, request.URL); err != nil {
					return err
				}
			}
			resp, err := f.fetchOnce(ctx, request)
			if err != nil {
				return err
			}
			result = resp
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(f.cfg.MaxRetries)+1),
		retry.Delay(f.cfg.BackoffInitial),
		retry.MaxDelay(f.cfg.BackoffMax),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(f.isTransient),
		retry.OnRetry(func(n uint, err error) {
			metrics.ObserveFetchRetry(request.URL)
			f.logger.Debug("retrying fetch",
				zap.String("url", request.URL),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	result.Attempts = attempts
	return result, nil
}

func (f *Fetcher) isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, crawler.ErrAccessBlocked) {
		return false
	}
	var fe *crawler.FetchError
	if errors.As(err, &fe) && fe.StatusCode != 0 {
		_, ok := f.retryable[fe.StatusCode]
		return ok
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Transport failures that carry no status are retried.
	return fe != nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(request, start, &result, &fetchErr)

	visitErr := f.runCollector(ctx, collector, request.URL)
	if ctx.Err() != nil {
		return crawler.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	}
	metrics.ObserveFetch(request.URL, crawler.StatusClass(result.StatusCode), len(result.Body))

	if f.detector.IsChallenge(result.StatusCode, result.Headers, result.Body) {
		return crawler.FetchResponse{}, &crawler.FetchError{
			URL:        request.URL,
			StatusCode: result.StatusCode,
			Cause:      crawler.ErrAccessBlocked,
		}
	}
	if fetchErr == nil {
		fetchErr = visitErr
	}
	if fetchErr != nil || result.StatusCode >= http.StatusBadRequest {
		return crawler.FetchResponse{}, &crawler.FetchError{
			URL:        request.URL,
			StatusCode: result.StatusCode,
			Cause:      fetchErr,
		}
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = toFetchResponse(r, start)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*result = toFetchResponse(r, start)
		}
		*fetchErr = err
	})
}

func toFetchResponse(r *colly.Response, start time.Time) crawler.FetchResponse {
	resp := crawler.FetchResponse{
		StatusCode: r.StatusCode,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(start),
	}
	if r.Request != nil && r.Request.URL != nil {
		resp.URL = r.Request.URL.String()
	}
	if r.Headers != nil {
		resp.Headers = r.Headers.Clone()
	}
	return resp
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request crawler.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport(maxConnsPerHost int) *http.Transport {
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = http.DefaultMaxIdleConnsPerHost
	}
	maxIdle := 100
	if maxConnsPerHost*2 > maxIdle {
		maxIdle = maxConnsPerHost * 2
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
	}
}
