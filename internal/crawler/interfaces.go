package crawler

import (
	"context"
)

// JobStore persists pending jobs, the completed-id index, and failure records.
// Every mutating call is durable before it returns.
type JobStore interface {
	// Enqueue adds ids that are neither completed nor already pending and
	// returns how many were added.
	Enqueue(ctx context.Context, origin string, ids []string) (int, error)
	// NextPending atomically claims the oldest pending job. ok is false when
	// nothing is pending.
	NextPending(ctx context.Context) (job Job, ok bool, err error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error
	// PendingSnapshot lists pending and in-progress jobs in enqueue order.
	PendingSnapshot(ctx context.Context) ([]Job, error)
	// RequeueInProgress returns every in-progress job to pending and drops
	// pending entries whose id is already completed.
	RequeueInProgress(ctx context.Context) (requeued int, err error)
	Failures(ctx context.Context) ([]Job, error)
	IsCompleted(ctx context.Context, id string) (bool, error)
	Close() error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Source parses one site's markup. Implementations are stateless.
type Source interface {
	Name() string
	ParseMetadata(pageURL string, body []byte) (Metadata, error)
	// TocPages returns the table-of-contents page URLs to fetch. An empty
	// result means the metadata page itself is the only page.
	TocPages(pageURL string, body []byte) []string
	ParseToc(pageURL string, body []byte) (TocPage, error)
	ParseChapter(pageURL string, body []byte) (string, error)
}

// SourceResolver finds the Source responsible for a job URL.
type SourceResolver interface {
	Resolve(rawURL string) (Source, error)
}

// Binder packages ordered chapters into an artifact.
type Binder interface {
	Bind(ctx context.Context, meta Metadata, chapters []Chapter) (Artifact, error)
}

// Channel sends a delivery to a destination and returns a stable reference.
type Channel interface {
	Name() string
	Send(ctx context.Context, destination string, d Delivery, caption string) (string, error)
}

// Notifier posts human-readable status text to a destination. Delivery is
// best effort.
type Notifier interface {
	Notify(ctx context.Context, destination string, text string) error
}

// Announcer publishes a record of each successful delivery for downstream
// consumers.
type Announcer interface {
	Announce(ctx context.Context, a Announcement) error
}
