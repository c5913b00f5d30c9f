package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
)

// Event is a single status update for one job.
type Event struct {
	JobID  string        `json:"job_id"`
	Origin string        `json:"origin,omitempty"`
	Phase  crawler.Phase `json:"phase"`
	Text   string        `json:"text"`
	// Checkpoint marks phase entry and other events that must reach the
	// supervisor even when it lags.
	Checkpoint bool `json:"checkpoint,omitempty"`
	// Terminal is set only on the single delivered/failed event per job.
	Terminal bool      `json:"terminal,omitempty"`
	Done     int       `json:"done,omitempty"`
	Total    int       `json:"total,omitempty"`
	TS       time.Time `json:"ts"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Phase {
	case crawler.PhaseInit, crawler.PhaseMetadataFetch, crawler.PhaseTocFetch,
		crawler.PhaseChapterFetch, crawler.PhaseIntegrityRepair, crawler.PhaseBind:
		if e.Terminal {
			return fmt.Errorf("phase %q cannot be terminal", e.Phase)
		}
	case crawler.PhaseDelivered, crawler.PhaseFailed:
		if !e.Terminal {
			return fmt.Errorf("phase %q must be terminal", e.Phase)
		}
	default:
		return fmt.Errorf("unknown phase %q", e.Phase)
	}
	if e.Done < 0 || e.Total < 0 || (e.Total > 0 && e.Done > e.Total) {
		return fmt.Errorf("invalid counters %d/%d", e.Done, e.Total)
	}
	return nil
}

// Percent reports Done/Total as a whole percentage, or -1 without a total.
func (e Event) Percent() int {
	if e.Total <= 0 {
		return -1
	}
	return e.Done * 100 / e.Total
}

// Checkpoint builds a checkpoint event for job entering phase.
func Checkpoint(job crawler.Job, phase crawler.Phase, text string) Event {
	return Event{
		JobID:      job.ID,
		Origin:     job.Origin,
		Phase:      phase,
		Text:       text,
		Checkpoint: true,
		TS:         time.Now().UTC(),
	}
}

// Update builds a coalescible counter event.
func Update(job crawler.Job, phase crawler.Phase, done, total int) Event {
	return Event{
		JobID:  job.ID,
		Origin: job.Origin,
		Phase:  phase,
		Text:   fmt.Sprintf("%s %d/%d", phase, done, total),
		Done:   done,
		Total:  total,
		TS:     time.Now().UTC(),
	}
}

// Final builds the terminal event for a job.
func Final(job crawler.Job, text string, failed bool) Event {
	phase := crawler.PhaseDelivered
	if failed {
		phase = crawler.PhaseFailed
	}
	return Event{
		JobID:      job.ID,
		Origin:     job.Origin,
		Phase:      phase,
		Text:       text,
		Checkpoint: true,
		Terminal:   true,
		TS:         time.Now().UTC(),
	}
}
