// Package local implements a filesystem outbox that acts as the primary
// delivery channel: artifacts and relay links land in one directory per
// origin.
package local

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
)

const notificationsFile = "notifications.log"

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Config captures the parameters for the outbox.
type Config struct {
	// BaseDir is the root directory where deliveries are written.
	BaseDir string `mapstructure:"base_dir"`
}

// Outbox writes deliveries and notifications under BaseDir/<origin>/.
type Outbox struct {
	baseDir string
	now     func() time.Time
	mu      sync.Mutex
}

// New creates the outbox, checking that BaseDir is a writable directory.
func New(cfg Config) (*Outbox, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	probe := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}
	return &Outbox{baseDir: cfg.BaseDir, now: time.Now}, nil
}

// Name implements crawler.Channel.
func (o *Outbox) Name() string {
	return "local"
}

// Send copies the artifact file into the destination directory, or records
// a relay reference in a .link.txt file. It returns a file:// URI.
func (o *Outbox) Send(ctx context.Context, destination string, d crawler.Delivery, caption string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir, err := o.destDir(destination)
	if err != nil {
		return "", err
	}
	switch {
	case d.Path != "":
		return o.copyArtifact(dir, d.Path)
	case d.Reference != "":
		return o.writeLink(dir, d.Reference, caption)
	default:
		return "", fmt.Errorf("%w: delivery has neither file nor reference", crawler.ErrChannelRejects)
	}
}

// Notify appends a timestamped line to the destination's notifications.log.
func (o *Outbox) Notify(_ context.Context, destination, text string) error {
	dir, err := o.destDir(destination)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(dir, notificationsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open notifications log: %w", err)
	}
	line := fmt.Sprintf("%s %s\n", o.now().UTC().Format(time.RFC3339), strings.ReplaceAll(text, "\n", " "))
	if _, err := f.WriteString(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("write notification: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close notifications log: %w", err)
	}
	return nil
}

func (o *Outbox) destDir(destination string) (string, error) {
	segment := strings.Trim(unsafeSegment.ReplaceAllString(destination, "_"), "._")
	if segment == "" {
		segment = "default"
	}
	dir := filepath.Join(o.baseDir, segment)
	cleanBase := filepath.Clean(o.baseDir)
	if !strings.HasPrefix(filepath.Clean(dir), cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create destination directory: %w", err)
	}
	return dir, nil
}

func (o *Outbox) copyArtifact(dir, src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer in.Close()

	target := filepath.Join(dir, filepath.Base(src))
	tmp, err := os.CreateTemp(dir, ".outbox-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("copy artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("move artifact: %w", err)
	}
	return "file://" + target, nil
}

func (o *Outbox) writeLink(dir, reference, caption string) (string, error) {
	name := "delivery"
	if u, err := url.Parse(reference); err == nil && u.Path != "" {
		name = path.Base(u.Path)
	}
	name = strings.Trim(unsafeSegment.ReplaceAllString(name, "_"), "._")
	if name == "" {
		name = "delivery"
	}
	target := filepath.Join(dir, name+".link.txt")
	body := reference + "\n"
	if caption != "" {
		body = caption + "\n" + body
	}
	if err := os.WriteFile(target, []byte(body), 0o600); err != nil {
		return "", fmt.Errorf("write link: %w", err)
	}
	return "file://" + target, nil
}
