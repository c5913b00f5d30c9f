package memory

import (
	"fmt"
	"time"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
)

// State is the queue model shared by the memory and file job stores. It is
// not safe for concurrent use; callers hold their own lock.
type State struct {
	// Jobs holds pending and in-progress jobs in enqueue order.
	Jobs []crawler.Job `json:"jobs"`
	// Failed holds the most recent failure per id.
	Failed []crawler.Job `json:"failed"`
	// Completed is the completed-id index, kept indefinitely.
	Completed map[string]time.Time `json:"-"`
}

// NewState returns an empty State.
func NewState() *State {
	return &State{Completed: make(map[string]time.Time)}
}

// Clone deep-copies the state so a failed persist can be rolled back.
func (s *State) Clone() *State {
	out := &State{
		Jobs:      append([]crawler.Job(nil), s.Jobs...),
		Failed:    append([]crawler.Job(nil), s.Failed...),
		Completed: make(map[string]time.Time, len(s.Completed)),
	}
	for id, at := range s.Completed {
		out.Completed[id] = at
	}
	return out
}

// CloneQueues copies the job and failure lists but shares the completed
// index. It is enough to roll back any change other than Complete.
func (s *State) CloneQueues() *State {
	return &State{
		Jobs:      append([]crawler.Job(nil), s.Jobs...),
		Failed:    append([]crawler.Job(nil), s.Failed...),
		Completed: s.Completed,
	}
}

// Enqueue appends ids that are neither completed nor queued. Re-enqueuing a
// failed id clears its failure record.
func (s *State) Enqueue(origin string, ids []string, now time.Time) int {
	queued := make(map[string]struct{}, len(s.Jobs))
	for _, j := range s.Jobs {
		queued[j.ID] = struct{}{}
	}
	added := 0
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := s.Completed[id]; ok {
			continue
		}
		if _, ok := queued[id]; ok {
			continue
		}
		queued[id] = struct{}{}
		s.removeFailure(id)
		s.Jobs = append(s.Jobs, crawler.Job{
			ID:         id,
			Origin:     origin,
			Status:     crawler.JobStatusPending,
			EnqueuedAt: now,
			UpdatedAt:  now,
		})
		added++
	}
	return added
}

// Claim moves the oldest pending job to in-progress.
func (s *State) Claim(now time.Time) (crawler.Job, bool) {
	for i := range s.Jobs {
		if s.Jobs[i].Status != crawler.JobStatusPending {
			continue
		}
		s.Jobs[i].Status = crawler.JobStatusInProgress
		s.Jobs[i].Attempts++
		s.Jobs[i].UpdatedAt = now
		return s.Jobs[i], true
	}
	return crawler.Job{}, false
}

// Complete removes id from the queue and records it as completed. Completing
// an already-completed id is a no-op.
func (s *State) Complete(id string, now time.Time) error {
	if _, ok := s.Completed[id]; ok {
		return nil
	}
	if _, ok := s.take(id); !ok {
		return fmt.Errorf("complete %s: %w", id, crawler.ErrNotFound)
	}
	s.Completed[id] = now
	s.removeFailure(id)
	return nil
}

// Fail removes id from the queue and records the failure reason.
func (s *State) Fail(id, reason string, now time.Time) error {
	job, ok := s.take(id)
	if !ok {
		return fmt.Errorf("fail %s: %w", id, crawler.ErrNotFound)
	}
	job.Status = crawler.JobStatusFailed
	job.Reason = reason
	job.UpdatedAt = now
	s.removeFailure(id)
	s.Failed = append(s.Failed, job)
	return nil
}

// Requeue returns in-progress jobs to pending and drops queued ids that are
// already completed.
func (s *State) Requeue(now time.Time) int {
	requeued := 0
	kept := s.Jobs[:0]
	for _, j := range s.Jobs {
		if _, done := s.Completed[j.ID]; done {
			continue
		}
		if j.Status == crawler.JobStatusInProgress {
			j.Status = crawler.JobStatusPending
			j.UpdatedAt = now
			requeued++
		}
		kept = append(kept, j)
	}
	s.Jobs = kept
	return requeued
}

// Snapshot copies the queue in enqueue order.
func (s *State) Snapshot() []crawler.Job {
	return append([]crawler.Job{}, s.Jobs...)
}

// Failures copies the failure records in the order they were recorded.
func (s *State) Failures() []crawler.Job {
	return append([]crawler.Job{}, s.Failed...)
}

// IsCompleted reports whether id is in the completed index.
func (s *State) IsCompleted(id string) bool {
	_, ok := s.Completed[id]
	return ok
}

func (s *State) take(id string) (crawler.Job, bool) {
	for i, j := range s.Jobs {
		if j.ID == id {
			s.Jobs = append(s.Jobs[:i], s.Jobs[i+1:]...)
			return j, true
		}
	}
	return crawler.Job{}, false
}

func (s *State) removeFailure(id string) {
	for i, j := range s.Failed {
		if j.ID == id {
			s.Failed = append(s.Failed[:i], s.Failed[i+1:]...)
			return
		}
	}
}
