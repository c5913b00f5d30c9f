// Package webhook implements a primary delivery channel that POSTs artifacts
// and notifications to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
)

const maxResponseBytes = 64 << 10

// Config controls the endpoint and client.
type Config struct {
	URL     string
	Timeout time.Duration
	// Attempts bounds retries on 5xx and transport errors. Zero means 3.
	Attempts uint
	Client   *http.Client
}

// Channel posts deliveries to a webhook.
type Channel struct {
	cfg    Config
	client *http.Client
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("webhook status %d: %s", e.code, e.body)
}

// New validates cfg and returns a Channel.
func New(cfg Config) (*Channel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Channel{cfg: cfg, client: client}, nil
}

// Name implements crawler.Channel.
func (c *Channel) Name() string {
	return "webhook"
}

// Send uploads the artifact as multipart form data, or posts the reference
// as JSON. The endpoint may answer with {"reference": "..."}; otherwise the
// webhook URL is returned.
func (c *Channel) Send(ctx context.Context, destination string, d crawler.Delivery, caption string) (string, error) {
	var build func() (io.Reader, string, error)
	switch {
	case d.Path != "":
		build = func() (io.Reader, string, error) { return multipartBody(destination, caption, d.Path) }
	case d.Reference != "":
		payload, err := json.Marshal(map[string]any{
			"destination": destination,
			"caption":     caption,
			"reference":   d.Reference,
			"size_bytes":  d.SizeBytes,
		})
		if err != nil {
			return "", fmt.Errorf("marshal reference: %w", err)
		}
		build = func() (io.Reader, string, error) { return bytes.NewReader(payload), "application/json", nil }
	default:
		return "", fmt.Errorf("%w: delivery has neither file nor reference", crawler.ErrChannelRejects)
	}

	body, err := c.post(ctx, build)
	if err != nil {
		return "", err
	}
	var resp struct {
		Reference string `json:"reference"`
	}
	if json.Unmarshal(body, &resp) == nil && resp.Reference != "" {
		return resp.Reference, nil
	}
	return c.cfg.URL, nil
}

// Notify posts {"destination", "text"} as JSON.
func (c *Channel) Notify(ctx context.Context, destination, text string) error {
	payload, err := json.Marshal(map[string]string{"destination": destination, "text": text})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = c.post(ctx, func() (io.Reader, string, error) {
		return bytes.NewReader(payload), "application/json", nil
	})
	return err
}

func (c *Channel) post(ctx context.Context, build func() (io.Reader, string, error)) ([]byte, error) {
	var out []byte
	err := retry.Do(
		func() error {
			body, contentType, err := build()
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, body)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("build request: %w", err))
			}
			req.Header.Set("Content-Type", contentType)
			resp, err := c.client.Do(req)
			if err != nil {
				return fmt.Errorf("post webhook: %w", err)
			}
			defer resp.Body.Close()
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
			if resp.StatusCode >= 300 {
				return &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(data))}
			}
			out = data
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
	)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func isRetryable(err error) bool {
	if !retry.IsRecoverable(err) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func classify(err error) error {
	var se *statusError
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.code == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %v", crawler.ErrOversized, err)
	case se.code >= 400 && se.code < 500:
		return fmt.Errorf("%w: %v", crawler.ErrChannelRejects, err)
	default:
		return err
	}
}

func multipartBody(destination, caption, path string) (io.Reader, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("destination", destination); err != nil {
		return nil, "", fmt.Errorf("write field: %w", err)
	}
	if err := w.WriteField("caption", caption); err != nil {
		return nil, "", fmt.Errorf("write field: %w", err)
	}
	part, err := w.CreateFormFile("document", filepath.Base(path))
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("copy artifact: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
