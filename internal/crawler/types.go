// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"sort"
	"time"
)

// JobStatus represents the lifecycle state of a batch job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status ends a job's lifecycle.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is one unit of orchestrated work keyed by its normalized source URL.
type Job struct {
	ID         string    `json:"id"`
	Origin     string    `json:"origin"`
	Status     JobStatus `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Attempts   int       `json:"attempts"`
}

// Phase names a stage of the per-job pipeline.
type Phase string

// Pipeline phases in execution order.
const (
	PhaseInit            Phase = "init"
	PhaseMetadataFetch   Phase = "metadata_fetch"
	PhaseTocFetch        Phase = "toc_fetch"
	PhaseChapterFetch    Phase = "chapter_fetch"
	PhaseIntegrityRepair Phase = "integrity_repair"
	PhaseBind            Phase = "bind"
	PhaseDelivered       Phase = "delivered"
	PhaseFailed          Phase = "failed"
)

// BodyState tracks how much of a chapter's content is usable.
type BodyState string

// Chapter body states.
const (
	BodyAbsent      BodyState = "absent"
	BodyOK          BodyState = "ok"
	BodyDegraded    BodyState = "degraded"
	BodyPlaceholder BodyState = "placeholder"
)

// Chapter is one fetchable unit inside a job.
type Chapter struct {
	// Sequence is assigned at discovery time and defines final ordering.
	Sequence int
	Title    string
	URL      string
	Body     string
	State    BodyState
}

// SortChapters orders chapters by sequence number in place.
func SortChapters(chapters []Chapter) {
	sort.SliceStable(chapters, func(i, j int) bool {
		return chapters[i].Sequence < chapters[j].Sequence
	})
}

// Metadata is the descriptive information gathered in the metadata phase.
type Metadata struct {
	Title     string `json:"title"`
	Author    string `json:"author"`
	CoverURL  string `json:"cover_url,omitempty"`
	Synopsis  string `json:"synopsis,omitempty"`
	SourceURL string `json:"source_url"`
	Language  string `json:"language,omitempty"`
	// Cover is the downloaded CoverURL, nil when there is none.
	Cover *Image `json:"-"`
}

// Image is a binary resource embedded in the bound book.
type Image struct {
	MediaType string
	Data      []byte
}

// TocEntry is one chapter link discovered on a table-of-contents page.
type TocEntry struct {
	Title string
	URL   string
}

// TocPage is the parsed form of a single table-of-contents page. EmptyMarker
// is set when the page's chapter container exists, so an empty Entries slice
// means the source legitimately lists no chapters.
type TocPage struct {
	Entries     []TocEntry
	EmptyMarker bool
}

// Artifact is the packaged output of a bind step.
type Artifact struct {
	Path         string `json:"path"`
	SizeBytes    int64  `json:"size_bytes"`
	SourceJobID  string `json:"source_job_id"`
	Title        string `json:"title"`
	Chapters     int    `json:"chapters"`
	Placeholders int    `json:"placeholders"`
}

// FetchRequest describes a single HTTP fetch.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse holds the response body and metadata for a fetch.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Attempts   int
}

// Delivery is what a channel is asked to present: either a local file or a
// reference previously returned by a relay.
type Delivery struct {
	Path      string
	Reference string
	SizeBytes int64
}

// Announcement describes a completed delivery.
type Announcement struct {
	JobID       string    `json:"job_id"`
	Origin      string    `json:"origin"`
	Channel     string    `json:"channel"`
	Reference   string    `json:"reference"`
	SizeBytes   int64     `json:"size_bytes"`
	DeliveredAt time.Time `json:"delivered_at"`
}
