package epub

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
	"github.com/JakeFAU/novel-batch-crawler/internal/logging"
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Config controls where artifacts are written.
type Config struct {
	WorkDir string
}

// Binder implements crawler.Binder by writing EPUB files into WorkDir.
type Binder struct {
	workDir string
	now     func() time.Time
	logger  *zap.Logger
}

// New creates the work directory if needed and returns a Binder.
func New(cfg Config, logger *zap.Logger) (*Binder, error) {
	if strings.TrimSpace(cfg.WorkDir) == "" {
		return nil, fmt.Errorf("work directory is required")
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o750); err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}
	return &Binder{
		workDir: cfg.WorkDir,
		now:     time.Now,
		logger:  logging.OrNop(logger),
	}, nil
}

// Bind writes chapters into a new EPUB in sequence order. Placeholder
// chapters are bound like any other; only an empty chapter list is rejected.
func (b *Binder) Bind(ctx context.Context, meta crawler.Metadata, chapters []crawler.Chapter) (crawler.Artifact, error) {
	if len(chapters) == 0 {
		return crawler.Artifact{}, fmt.Errorf("bind: %w", crawler.ErrNoContent)
	}
	if err := ctx.Err(); err != nil {
		return crawler.Artifact{}, fmt.Errorf("bind: %w", err)
	}

	ordered := make([]crawler.Chapter, len(chapters))
	copy(ordered, chapters)
	crawler.SortChapters(ordered)

	id := uuid.New()
	path := filepath.Join(b.workDir, fileName(meta.Title, id))
	f, err := os.Create(path)
	if err != nil {
		return crawler.Artifact{}, fmt.Errorf("create artifact: %w", err)
	}
	bld := newBuilder("urn:uuid:"+id.String(), meta, ordered, b.now())
	if err := bld.writeTo(f); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return crawler.Artifact{}, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return crawler.Artifact{}, fmt.Errorf("close artifact: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return crawler.Artifact{}, fmt.Errorf("stat artifact: %w", err)
	}

	placeholders := 0
	for _, ch := range chapters {
		if ch.State == crawler.BodyPlaceholder {
			placeholders++
		}
	}
	b.logger.Debug("artifact bound",
		zap.String("path", path),
		zap.Int64("size_bytes", info.Size()),
		zap.Int("chapters", len(chapters)),
	)
	return crawler.Artifact{
		Path:         path,
		SizeBytes:    info.Size(),
		Title:        meta.Title,
		Chapters:     len(chapters),
		Placeholders: placeholders,
	}, nil
}

func fileName(title string, id uuid.UUID) string {
	base := strings.Trim(unsafeFileChars.ReplaceAllString(title, "_"), "_.")
	if base == "" {
		base = "book"
	}
	if len(base) > 80 {
		base = base[:80]
	}
	return fmt.Sprintf("%s-%s.epub", base, id.String()[:8])
}
