package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
	"github.com/JakeFAU/novel-batch-crawler/internal/progress"
)

const novelURL = "https://example.com/novel/demo.html"

var longBody = strings.Repeat("Intact chapter text. ", 20)

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string][]string
	errs      map[string]error
	delays    map[string]time.Duration
	calls     map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: map[string][]string{},
		errs:      map[string]error{},
		delays:    map[string]time.Duration{},
		calls:     map[string]int{},
	}
}

// set queues bodies for url; the last one repeats.
func (f *fakeFetcher) set(url string, bodies ...string) {
	f.responses[url] = bodies
}

func (f *fakeFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	n := f.calls[req.URL]
	f.calls[req.URL]++
	bodies := f.responses[req.URL]
	err := f.errs[req.URL]
	delay := f.delays[req.URL]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return crawler.FetchResponse{}, ctx.Err()
		}
	}
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if len(bodies) == 0 {
		return crawler.FetchResponse{}, &crawler.FetchError{URL: req.URL, StatusCode: 404}
	}
	if n >= len(bodies) {
		n = len(bodies) - 1
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(bodies[n])}, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type fakeSource struct {
	cover    string
	tocPages []string
	tocs     map[string]crawler.TocPage
}

func (s *fakeSource) Name() string { return "fake" }

func (s *fakeSource) ParseMetadata(_ string, body []byte) (crawler.Metadata, error) {
	if string(body) == "" {
		return crawler.Metadata{}, crawler.ErrLayoutChanged
	}
	return crawler.Metadata{Title: string(body), Author: "A", CoverURL: s.cover}, nil
}

func (s *fakeSource) TocPages(string, []byte) []string { return s.tocPages }

func (s *fakeSource) ParseToc(pageURL string, _ []byte) (crawler.TocPage, error) {
	return s.tocs[pageURL], nil
}

func (s *fakeSource) ParseChapter(_ string, body []byte) (string, error) {
	return string(body), nil
}

type resolverFunc func(string) (crawler.Source, error)

func (f resolverFunc) Resolve(u string) (crawler.Source, error) { return f(u) }

type fakeBinder struct {
	mu       sync.Mutex
	meta     crawler.Metadata
	chapters []crawler.Chapter
	called   bool
}

func (b *fakeBinder) Bind(_ context.Context, meta crawler.Metadata, chapters []crawler.Chapter) (crawler.Artifact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.called = true
	b.meta = meta
	b.chapters = append([]crawler.Chapter(nil), chapters...)
	if len(chapters) == 0 {
		return crawler.Artifact{}, fmt.Errorf("bind: %w", crawler.ErrNoContent)
	}
	placeholders := 0
	for _, ch := range chapters {
		if ch.State == crawler.BodyPlaceholder {
			placeholders++
		}
	}
	return crawler.Artifact{Path: "/tmp/x.epub", Title: meta.Title, Chapters: len(chapters), Placeholders: placeholders}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) checkpoints() []crawler.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []crawler.Phase
	for _, e := range r.events {
		if e.Checkpoint {
			out = append(out, e.Phase)
		}
	}
	return out
}

type harness struct {
	fetcher *fakeFetcher
	source  *fakeSource
	binder  *fakeBinder
	rec     *recorder
	exec    *Executor
	job     crawler.Job
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		fetcher: newFakeFetcher(),
		source:  &fakeSource{tocs: map[string]crawler.TocPage{}},
		binder:  &fakeBinder{},
		rec:     &recorder{},
		job:     crawler.Job{ID: novelURL, Origin: "chat-1"},
	}
	h.fetcher.set(novelURL, "Demo Novel")
	resolver := resolverFunc(func(string) (crawler.Source, error) { return h.source, nil })
	exec, err := NewExecutor(cfg, h.fetcher, resolver, h.binder, nil)
	require.NoError(t, err)
	h.exec = exec
	return h
}

func chapterURL(i int) string {
	return fmt.Sprintf("https://example.com/novel/demo/%d.html", i)
}

func defaultConfig() Config {
	return Config{SubfetchConcurrency: 4, MinChapterBytes: 100, RepairRounds: 2, ProgressEvery: 2}
}

func TestExecuteOrdersBySequenceNotCompletion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultConfig())
	page0, page1 := novelURL+"?page=0", novelURL+"?page=1"
	h.source.tocPages = []string{page0, page1}
	h.source.tocs[page0] = crawler.TocPage{Entries: []crawler.TocEntry{
		{Title: "One", URL: chapterURL(1)}, {Title: "Two", URL: chapterURL(2)},
	}}
	h.source.tocs[page1] = crawler.TocPage{Entries: []crawler.TocEntry{
		{Title: "Three", URL: chapterURL(3)}, {Title: "Two again", URL: chapterURL(2)},
	}}
	h.fetcher.set(page0, "toc")
	h.fetcher.set(page1, "toc")
	h.fetcher.delays[page0] = 30 * time.Millisecond
	h.fetcher.delays[chapterURL(1)] = 30 * time.Millisecond
	for i := 1; i <= 3; i++ {
		h.fetcher.set(chapterURL(i), longBody)
	}

	art, err := h.exec.Execute(context.Background(), h.job, h.rec)
	require.NoError(t, err)
	require.Equal(t, novelURL, art.SourceJobID)
	require.Equal(t, 3, art.Chapters)

	require.Len(t, h.binder.chapters, 3)
	for i, ch := range h.binder.chapters {
		require.Equal(t, i+1, ch.Sequence)
		require.Equal(t, chapterURL(i+1), ch.URL)
		require.Equal(t, crawler.BodyOK, ch.State)
	}
	require.Equal(t, "Three", h.binder.chapters[2].Title)

	require.Equal(t, []crawler.Phase{
		crawler.PhaseInit,
		crawler.PhaseMetadataFetch,
		crawler.PhaseTocFetch,
		crawler.PhaseChapterFetch,
		crawler.PhaseIntegrityRepair,
		crawler.PhaseBind,
	}, h.rec.checkpoints())
}

func TestExecuteSinglePageToc(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultConfig())
	h.source.tocs[novelURL] = crawler.TocPage{Entries: []crawler.TocEntry{{Title: "Only", URL: chapterURL(1)}}}
	h.fetcher.set(chapterURL(1), longBody)

	art, err := h.exec.Execute(context.Background(), h.job, nil)
	require.NoError(t, err)
	require.Equal(t, 1, art.Chapters)
	require.Equal(t, 1, h.fetcher.callCount(novelURL))
}

func TestExecuteRepairsDegradedChapters(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultConfig())
	h.source.tocs[novelURL] = crawler.TocPage{Entries: []crawler.TocEntry{
		{URL: chapterURL(1)}, {URL: chapterURL(2)},
	}}
	h.fetcher.set(chapterURL(1), longBody)
	h.fetcher.set(chapterURL(2), "short", longBody)

	art, err := h.exec.Execute(context.Background(), h.job, h.rec)
	require.NoError(t, err)
	require.Zero(t, art.Placeholders)
	require.Equal(t, 1, h.fetcher.callCount(chapterURL(1)))
	require.Equal(t, 2, h.fetcher.callCount(chapterURL(2)))
	require.Equal(t, crawler.BodyOK, h.binder.chapters[1].State)
}

func TestExecuteRepairIsBoundedThenPlaceholders(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultConfig())
	h.source.tocs[novelURL] = crawler.TocPage{Entries: []crawler.TocEntry{
		{URL: chapterURL(1)}, {URL: chapterURL(2)}, {URL: chapterURL(3)},
	}}
	h.fetcher.set(chapterURL(1), longBody)
	h.fetcher.set(chapterURL(2), "tiny")
	// chapter 3 always 404s

	art, err := h.exec.Execute(context.Background(), h.job, h.rec)
	require.NoError(t, err)
	require.Equal(t, 2, art.Placeholders)
	require.Equal(t, 3, h.fetcher.callCount(chapterURL(2)))
	require.Equal(t, 3, h.fetcher.callCount(chapterURL(3)))
	require.Equal(t, PlaceholderBody, h.binder.chapters[1].Body)
	require.Equal(t, crawler.BodyPlaceholder, h.binder.chapters[2].State)
}

func TestExecuteZeroRepairRounds(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.RepairRounds = 0
	h := newHarness(t, cfg)
	h.source.tocs[novelURL] = crawler.TocPage{Entries: []crawler.TocEntry{{URL: chapterURL(1)}}}
	h.fetcher.set(chapterURL(1), "tiny", longBody)

	art, err := h.exec.Execute(context.Background(), h.job, nil)
	require.NoError(t, err)
	require.Equal(t, 1, art.Placeholders)
	require.Equal(t, 1, h.fetcher.callCount(chapterURL(1)))
}

func TestExecuteStrictPolicyFailsOnPlaceholders(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.Strict = true
	h := newHarness(t, cfg)
	h.source.tocs[novelURL] = crawler.TocPage{Entries: []crawler.TocEntry{{URL: chapterURL(1)}}}

	_, err := h.exec.Execute(context.Background(), h.job, nil)
	require.ErrorIs(t, err, crawler.ErrIntegrity)
	require.Equal(t, "pipeline: integrity: 1 chapters unavailable", crawler.PipelineReason(err))
	require.False(t, h.binder.called)
}

func TestExecuteEmptyListWithMarkerHasNoContent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultConfig())
	h.source.tocs[novelURL] = crawler.TocPage{EmptyMarker: true}

	_, err := h.exec.Execute(context.Background(), h.job, h.rec)
	require.ErrorIs(t, err, crawler.ErrNoContent)
	require.NotContains(t, h.rec.checkpoints(), crawler.PhaseChapterFetch)
}

func TestExecuteEmptyListWithoutMarkerIsLayoutChange(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultConfig())
	_, err := h.exec.Execute(context.Background(), h.job, nil)
	require.ErrorIs(t, err, crawler.ErrLayoutChanged)
	require.False(t, h.binder.called)
}

func TestExecuteAccessBlockedIsTerminal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultConfig())
	h.fetcher.errs[novelURL] = fmt.Errorf("fetch %s: %w", novelURL, crawler.ErrAccessBlocked)

	_, err := h.exec.Execute(context.Background(), h.job, nil)
	require.ErrorIs(t, err, crawler.ErrAccessBlocked)
	require.False(t, h.binder.called)
}

func TestExecuteAccessBlockedOnChapterAbortsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultConfig())
	h.source.tocs[novelURL] = crawler.TocPage{Entries: []crawler.TocEntry{{URL: chapterURL(1)}, {URL: chapterURL(2)}}}
	h.fetcher.set(chapterURL(1), longBody)
	h.fetcher.errs[chapterURL(2)] = crawler.ErrAccessBlocked

	_, err := h.exec.Execute(context.Background(), h.job, nil)
	require.ErrorIs(t, err, crawler.ErrAccessBlocked)
}

func TestExecuteUnknownSource(t *testing.T) {
	t.Parallel()

	exec, err := NewExecutor(defaultConfig(), newFakeFetcher(),
		resolverFunc(func(string) (crawler.Source, error) { return nil, crawler.ErrNoSource }),
		&fakeBinder{}, nil)
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), crawler.Job{ID: "https://unknown.example/x"}, nil)
	require.ErrorIs(t, err, crawler.ErrNoSource)
}

func TestExecuteProgressIsThrottledByChapterCount(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.ProgressEvery = 5
	h := newHarness(t, cfg)
	var entries []crawler.TocEntry
	for i := 1; i <= 12; i++ {
		entries = append(entries, crawler.TocEntry{URL: chapterURL(i)})
		h.fetcher.set(chapterURL(i), longBody)
	}
	h.source.tocs[novelURL] = crawler.TocPage{Entries: entries}

	_, err := h.exec.Execute(context.Background(), h.job, h.rec)
	require.NoError(t, err)

	var done []int
	for _, e := range h.rec.events {
		if !e.Checkpoint && e.Phase == crawler.PhaseChapterFetch {
			done = append(done, e.Done)
		}
	}
	require.ElementsMatch(t, []int{5, 10, 12}, done)
}

func TestNewExecutorRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := NewExecutor(Config{}, nil, nil, nil, nil)
	require.Error(t, err)
}

const coverURL = "https://example.com/covers/demo.jpg"

func withOneChapter(h *harness) {
	toc := novelURL + "?page=0"
	h.source.tocPages = []string{toc}
	h.source.tocs[toc] = crawler.TocPage{Entries: []crawler.TocEntry{{Title: "One", URL: chapterURL(1)}}}
	h.fetcher.set(toc, "toc")
	h.fetcher.set(chapterURL(1), longBody)
}

func TestExecuteAttachesCover(t *testing.T) {
	t.Parallel()

	h := newHarness(t, defaultConfig())
	withOneChapter(h)
	h.source.cover = coverURL
	jpeg := "\xff\xd8\xff\xe0\x00\x10JFIF\x00cover"
	h.fetcher.set(coverURL, jpeg)

	_, err := h.exec.Execute(context.Background(), h.job, h.rec)
	require.NoError(t, err)
	require.NotNil(t, h.binder.meta.Cover)
	require.Equal(t, "image/jpeg", h.binder.meta.Cover.MediaType)
	require.Equal(t, []byte(jpeg), h.binder.meta.Cover.Data)
}

func TestExecuteCoverFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	cases := map[string]func(h *harness){
		"fetch error": func(h *harness) { h.fetcher.errs[coverURL] = crawler.ErrAccessBlocked },
		"not found":   func(*harness) {},
		"not an image": func(h *harness) {
			h.fetcher.set(coverURL, "<html><body>nope</body></html>")
		},
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, defaultConfig())
			withOneChapter(h)
			h.source.cover = coverURL
			setup(h)

			art, err := h.exec.Execute(context.Background(), h.job, h.rec)
			require.NoError(t, err)
			require.Equal(t, 1, art.Chapters)
			require.Nil(t, h.binder.meta.Cover)
			require.Equal(t, 1, h.fetcher.callCount(coverURL))
		})
	}
}
