// Package gcs provides the secondary delivery relay: artifacts too large for
// the primary channel are uploaded to a Cloud Storage bucket and the
// resulting URL is handed back for delivery as a link.
package gcs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
)

const epubContentType = "application/epub+zip"

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Config captures the bucket layout.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
	// PublicBaseURL replaces https://storage.googleapis.com/<bucket> in the
	// returned reference, e.g. for a CDN in front of the bucket.
	PublicBaseURL string
}

type uploader interface {
	Upload(ctx context.Context, bucket, object, contentType string, r io.Reader) error
}

type clientUploader struct {
	client *storage.Client
}

func (u clientUploader) Upload(ctx context.Context, bucket, object, contentType string, r io.Reader) error {
	writer := u.client.Bucket(bucket).Object(object).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Relay uploads artifacts to GCS.
type Relay struct {
	up  uploader
	cfg Config
}

// New creates a relay backed by client.
func New(client *storage.Client, cfg Config) (*Relay, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return newWithUploader(clientUploader{client: client}, cfg)
}

func newWithUploader(up uploader, cfg Config) (*Relay, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &Relay{up: up, cfg: cfg}, nil
}

// Name implements crawler.Channel.
func (r *Relay) Name() string {
	return "gcs"
}

// Send uploads the artifact file and returns its HTTPS URL. The upload is
// bounded by ctx.
func (r *Relay) Send(ctx context.Context, destination string, d crawler.Delivery, _ string) (string, error) {
	if d.Path == "" {
		return "", fmt.Errorf("%w: relay needs an artifact file", crawler.ErrChannelRejects)
	}
	f, err := os.Open(d.Path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	object := r.objectName(destination, filepath.Base(d.Path))
	if err := r.up.Upload(ctx, r.cfg.Bucket, object, epubContentType, f); err != nil {
		return "", fmt.Errorf("upload %s: %w", object, err)
	}
	return r.referenceFor(object), nil
}

func (r *Relay) objectName(destination, file string) string {
	segment := strings.Trim(unsafeSegment.ReplaceAllString(destination, "_"), "._")
	if segment == "" {
		segment = "default"
	}
	return path.Join(r.cfg.Prefix, segment, file)
}

func (r *Relay) referenceFor(object string) string {
	if r.cfg.PublicBaseURL != "" {
		return r.cfg.PublicBaseURL + "/" + object
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", r.cfg.Bucket, object)
}
