// Package worker runs the per-job fetch-and-assemble pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
	"github.com/JakeFAU/novel-batch-crawler/internal/logging"
	"github.com/JakeFAU/novel-batch-crawler/internal/metrics"
	"github.com/JakeFAU/novel-batch-crawler/internal/progress"
)

// PlaceholderBody replaces chapters that could not be recovered.
const PlaceholderBody = "This chapter could not be retrieved from the source."

// Config controls pipeline behavior.
type Config struct {
	// SubfetchConcurrency bounds concurrent page fetches within one job.
	SubfetchConcurrency int
	// MinChapterBytes is the shortest body accepted as intact.
	MinChapterBytes int
	// RepairRounds bounds how many times degraded chapters are refetched.
	RepairRounds int
	// ProgressEvery emits a chapter counter update every N chapters.
	ProgressEvery int
	// Strict fails the job when any chapter ends as a placeholder.
	Strict bool
}

// Executor drives a job through metadata, table of contents, chapter fetch,
// integrity repair, and bind. It holds no per-job state and may run many
// jobs concurrently.
type Executor struct {
	cfg     Config
	fetcher crawler.Fetcher
	sources crawler.SourceResolver
	binder  crawler.Binder
	logger  *zap.Logger
}

// NewExecutor validates cfg and wires the collaborators.
func NewExecutor(
	cfg Config,
	fetcher crawler.Fetcher,
	sources crawler.SourceResolver,
	binder crawler.Binder,
	logger *zap.Logger,
) (*Executor, error) {
	if fetcher == nil || sources == nil || binder == nil {
		return nil, fmt.Errorf("fetcher, sources, and binder are required")
	}
	if cfg.SubfetchConcurrency <= 0 {
		cfg.SubfetchConcurrency = 1
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 1
	}
	if cfg.RepairRounds < 0 {
		cfg.RepairRounds = 0
	}
	return &Executor{
		cfg:     cfg,
		fetcher: fetcher,
		sources: sources,
		binder:  binder,
		logger:  logging.OrNop(logger).Named("executor"),
	}, nil
}

// Execute runs the pipeline for job and returns the bound artifact. Phase
// entries are emitted as checkpoints. A returned error aborts only this job.
func (e *Executor) Execute(ctx context.Context, job crawler.Job, emit progress.Emitter) (crawler.Artifact, error) {
	if emit == nil {
		emit = progress.Discard
	}
	logger := e.logger.With(zap.String("job_id", job.ID), zap.String("origin", job.Origin))
	emit.Emit(progress.Checkpoint(job, crawler.PhaseInit, "Starting "+job.ID))

	src, err := e.sources.Resolve(job.ID)
	if err != nil {
		return crawler.Artifact{}, err
	}

	emit.Emit(progress.Checkpoint(job, crawler.PhaseMetadataFetch, "Fetching novel details"))
	page, err := e.fetch(ctx, job.ID)
	if err != nil {
		return crawler.Artifact{}, fmt.Errorf("metadata: %w", err)
	}
	meta, err := src.ParseMetadata(page.URL, page.Body)
	if err != nil {
		return crawler.Artifact{}, fmt.Errorf("metadata: %w", err)
	}
	meta.SourceURL = job.ID
	e.fetchCover(ctx, logger, &meta)
	logger.Debug("metadata parsed", zap.String("title", meta.Title), zap.Bool("cover", meta.Cover != nil))

	emit.Emit(progress.Checkpoint(job, crawler.PhaseTocFetch, "Reading chapter list for "+meta.Title))
	chapters, err := e.tableOfContents(ctx, job, src, page, emit)
	if err != nil {
		return crawler.Artifact{}, fmt.Errorf("toc: %w", err)
	}

	if len(chapters) > 0 {
		emit.Emit(progress.Checkpoint(job, crawler.PhaseChapterFetch,
			fmt.Sprintf("Downloading %d chapters", len(chapters))))
		all := make([]int, len(chapters))
		for i := range all {
			all[i] = i
		}
		if err := e.fetchChapters(ctx, job, src, chapters, all, crawler.PhaseChapterFetch, emit); err != nil {
			return crawler.Artifact{}, fmt.Errorf("chapters: %w", err)
		}

		placeholders, err := e.repair(ctx, job, src, chapters, emit)
		if err != nil {
			return crawler.Artifact{}, fmt.Errorf("repair: %w", err)
		}
		if placeholders > 0 {
			metrics.ObservePlaceholders(placeholders)
			logger.Warn("chapters unavailable after repair",
				zap.Int("placeholders", placeholders),
				zap.Int("chapters", len(chapters)),
			)
			if e.cfg.Strict {
				return crawler.Artifact{}, fmt.Errorf("%w: %d chapters unavailable", crawler.ErrIntegrity, placeholders)
			}
		}
	}

	emit.Emit(progress.Checkpoint(job, crawler.PhaseBind, "Building EPUB"))
	art, err := e.binder.Bind(ctx, meta, chapters)
	if err != nil {
		return crawler.Artifact{}, err
	}
	art.SourceJobID = job.ID
	logger.Info("artifact bound",
		zap.String("path", art.Path),
		zap.Int64("size_bytes", art.SizeBytes),
		zap.Int("chapters", art.Chapters),
	)
	return art, nil
}

// tableOfContents fetches every listing page and assigns sequence numbers by
// (page index, position) once all pages are in, so concurrent page fetches
// cannot reorder chapters.
func (e *Executor) tableOfContents(
	ctx context.Context,
	job crawler.Job,
	src crawler.Source,
	first crawler.FetchResponse,
	emit progress.Emitter,
) ([]crawler.Chapter, error) {
	urls := src.TocPages(first.URL, first.Body)
	pages := make([]crawler.TocPage, max(len(urls), 1))

	if len(urls) == 0 {
		toc, err := src.ParseToc(first.URL, first.Body)
		if err != nil {
			return nil, err
		}
		pages[0] = toc
	} else {
		var done atomic.Int32
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.SubfetchConcurrency)
		for i, u := range urls {
			g.Go(func() error {
				resp, err := e.fetch(gctx, u)
				if err != nil {
					return err
				}
				toc, err := src.ParseToc(resp.URL, resp.Body)
				if err != nil {
					return fmt.Errorf("parse %s: %w", u, err)
				}
				pages[i] = toc
				emit.Emit(progress.Update(job, crawler.PhaseTocFetch, int(done.Add(1)), len(urls)))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	var (
		chapters []crawler.Chapter
		seen     = make(map[string]struct{})
		marker   bool
	)
	for _, p := range pages {
		marker = marker || p.EmptyMarker
		for _, entry := range p.Entries {
			if _, dup := seen[entry.URL]; dup {
				continue
			}
			seen[entry.URL] = struct{}{}
			chapters = append(chapters, crawler.Chapter{
				Sequence: len(chapters) + 1,
				Title:    entry.Title,
				URL:      entry.URL,
				State:    crawler.BodyAbsent,
			})
		}
	}
	if len(chapters) == 0 && !marker {
		return nil, fmt.Errorf("no chapter list found: %w", crawler.ErrLayoutChanged)
	}
	return chapters, nil
}

// fetchChapters fills the chapters at indices. Each goroutine writes only its
// own slice element. Individual failures leave the chapter absent or
// degraded for repair; an access block aborts the job.
func (e *Executor) fetchChapters(
	ctx context.Context,
	job crawler.Job,
	src crawler.Source,
	chapters []crawler.Chapter,
	indices []int,
	phase crawler.Phase,
	emit progress.Emitter,
) error {
	var done atomic.Int32
	total := len(indices)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.SubfetchConcurrency)
	for _, idx := range indices {
		g.Go(func() error {
			err := e.fetchChapter(gctx, src, &chapters[idx])
			n := int(done.Add(1))
			if n%e.cfg.ProgressEvery == 0 || n == total {
				emit.Emit(progress.Update(job, phase, n, total))
			}
			if errors.Is(err, crawler.ErrAccessBlocked) {
				return err
			}
			if err != nil {
				e.logger.Debug("chapter fetch failed",
					zap.String("job_id", job.ID),
					zap.String("url", chapters[idx].URL),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (e *Executor) fetchChapter(ctx context.Context, src crawler.Source, ch *crawler.Chapter) error {
	resp, err := e.fetch(ctx, ch.URL)
	if err != nil {
		return err
	}
	body, err := src.ParseChapter(resp.URL, resp.Body)
	if err != nil {
		return err
	}
	body = strings.TrimSpace(body)
	ch.Body = body
	if len(body) < e.cfg.MinChapterBytes {
		ch.State = crawler.BodyDegraded
		return nil
	}
	ch.State = crawler.BodyOK
	return nil
}

// repair refetches chapters that are not intact for a bounded number of
// rounds, then replaces what is left with placeholders.
func (e *Executor) repair(
	ctx context.Context,
	job crawler.Job,
	src crawler.Source,
	chapters []crawler.Chapter,
	emit progress.Emitter,
) (int, error) {
	pending := notIntact(chapters)
	if len(pending) == 0 {
		emit.Emit(progress.Checkpoint(job, crawler.PhaseIntegrityRepair, "All chapters intact"))
		return 0, nil
	}
	emit.Emit(progress.Checkpoint(job, crawler.PhaseIntegrityRepair,
		fmt.Sprintf("Repairing %d chapters", len(pending))))

	for round := 1; round <= e.cfg.RepairRounds && len(pending) > 0; round++ {
		e.logger.Debug("repair round",
			zap.String("job_id", job.ID),
			zap.Int("round", round),
			zap.Int("chapters", len(pending)),
		)
		if err := e.fetchChapters(ctx, job, src, chapters, pending, crawler.PhaseIntegrityRepair, emit); err != nil {
			return 0, err
		}
		pending = notIntact(chapters)
	}

	for _, idx := range pending {
		chapters[idx].Body = PlaceholderBody
		chapters[idx].State = crawler.BodyPlaceholder
	}
	return len(pending), nil
}

func notIntact(chapters []crawler.Chapter) []int {
	var out []int
	for i, ch := range chapters {
		if ch.State != crawler.BodyOK {
			out = append(out, i)
		}
	}
	return out
}

// fetchCover attaches the cover image to meta. A missing or unusable cover
// never fails the job.
func (e *Executor) fetchCover(ctx context.Context, logger *zap.Logger, meta *crawler.Metadata) {
	if meta.CoverURL == "" {
		return
	}
	resp, err := e.fetch(ctx, meta.CoverURL)
	if err != nil {
		logger.Warn("cover unavailable", zap.String("url", meta.CoverURL), zap.Error(err))
		return
	}
	mediaType := imageType(resp)
	if mediaType == "" {
		logger.Warn("cover is not a supported image", zap.String("url", meta.CoverURL))
		return
	}
	meta.Cover = &crawler.Image{MediaType: mediaType, Data: resp.Body}
}

var imageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// imageType sniffs the body first and falls back to the declared type.
func imageType(resp crawler.FetchResponse) string {
	if len(resp.Body) == 0 {
		return ""
	}
	if sniffed := http.DetectContentType(resp.Body); imageTypes[sniffed] {
		return sniffed
	}
	declared, _, err := mime.ParseMediaType(resp.Headers.Get("Content-Type"))
	if err == nil && imageTypes[declared] {
		return declared
	}
	return ""
}

func (e *Executor) fetch(ctx context.Context, url string) (crawler.FetchResponse, error) {
	resp, err := e.fetcher.Fetch(ctx, crawler.FetchRequest{URL: url})
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if resp.URL == "" {
		resp.URL = url
	}
	return resp, nil
}
