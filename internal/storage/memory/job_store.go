// Package memory provides an in-process job store for tests and dry runs.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
)

// JobStore keeps the queue in memory. Nothing survives a restart.
type JobStore struct {
	mu    sync.Mutex
	state *State
	now   func() time.Time
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{state: NewState(), now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue implements crawler.JobStore.
func (s *JobStore) Enqueue(_ context.Context, origin string, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Enqueue(origin, ids, s.now()), nil
}

// NextPending implements crawler.JobStore.
func (s *JobStore) NextPending(ctx context.Context) (crawler.Job, bool, error) {
	if err := ctx.Err(); err != nil {
		return crawler.Job{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.state.Claim(s.now())
	return job, ok, nil
}

// MarkCompleted implements crawler.JobStore.
func (s *JobStore) MarkCompleted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Complete(id, s.now())
}

// MarkFailed implements crawler.JobStore.
func (s *JobStore) MarkFailed(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Fail(id, reason, s.now())
}

// PendingSnapshot implements crawler.JobStore.
func (s *JobStore) PendingSnapshot(context.Context) ([]crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Snapshot(), nil
}

// RequeueInProgress implements crawler.JobStore.
func (s *JobStore) RequeueInProgress(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Requeue(s.now()), nil
}

// Failures implements crawler.JobStore.
func (s *JobStore) Failures(context.Context) ([]crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Failures(), nil
}

// IsCompleted implements crawler.JobStore.
func (s *JobStore) IsCompleted(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsCompleted(id), nil
}

// Close implements crawler.JobStore.
func (s *JobStore) Close() error {
	return nil
}
