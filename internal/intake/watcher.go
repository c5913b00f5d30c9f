package intake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/JakeFAU/novel-batch-crawler/internal/logging"
)

const listSuffix = ".json"

// Watcher enqueues job lists dropped into an inbox directory. A file named
// "<origin>.json" or "<origin>__<anything>.json" is submitted for origin and
// removed once enqueued. Producers should write elsewhere and rename into
// the inbox so a partial file is never read.
type Watcher struct {
	dir    string
	enq    Enqueuer
	logger *zap.Logger
}

// NewWatcher builds a Watcher over dir.
func NewWatcher(dir string, enq Enqueuer, logger *zap.Logger) (*Watcher, error) {
	if dir == "" {
		return nil, errors.New("inbox dir is required")
	}
	if enq == nil {
		return nil, errors.New("enqueuer is required")
	}
	return &Watcher{dir: dir, enq: enq, logger: logging.OrNop(logger).Named("intake")}, nil
}

// OriginFromFile derives the origin from an inbox file name. ok is false for
// files the watcher ignores.
func OriginFromFile(name string) (string, bool) {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, listSuffix) {
		return "", false
	}
	origin := strings.TrimSuffix(base, listSuffix)
	origin, _, _ = strings.Cut(origin, "__")
	if origin == "" {
		return "", false
	}
	return origin, true
}

// Run processes files already in the inbox, then watches for new ones until
// ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch inbox: %w", err)
	}

	if err := w.Scan(ctx); err != nil {
		return err
	}
	w.logger.Info("watching inbox", zap.String("dir", w.dir))
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if evt.Has(fsnotify.Create) || evt.Has(fsnotify.Write) || evt.Has(fsnotify.Rename) {
				w.process(ctx, evt.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("inbox watcher error", zap.Error(err))
		}
	}
}

// Scan submits every list currently in the inbox.
func (w *Watcher) Scan(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read inbox: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		w.process(ctx, filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

func (w *Watcher) process(ctx context.Context, path string) {
	origin, ok := OriginFromFile(path)
	if !ok {
		return
	}
	logger := w.logger.With(zap.String("file", path), zap.String("origin", origin))
	urls, err := ReadList(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("skipping unreadable job list", zap.Error(err))
		}
		return
	}
	res, err := Submit(ctx, w.enq, Request{Origin: origin, URLs: urls})
	if err != nil {
		logger.Error("submit job list", zap.Error(err))
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("remove processed job list", zap.Error(err))
	}
	logger.Info("job list enqueued",
		zap.Int("added", res.Added),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("rejected", len(res.Rejected)),
	)
}
