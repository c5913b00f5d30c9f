// Package storetest holds a behavioural suite every crawler.JobStore must
// pass.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) crawler.JobStore

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := map[string]func(t *testing.T, s crawler.JobStore){
		"EnqueueSkipsDuplicates":      testEnqueueSkipsDuplicates,
		"NextPendingFollowsEnqueue":   testNextPendingFollowsEnqueue,
		"CompletedNeverRequeued":      testCompletedNeverRequeued,
		"FailureRecordsReason":        testFailureRecordsReason,
		"RequeueInProgress":           testRequeueInProgress,
		"ConcurrentClaimsAreDistinct": testConcurrentClaimsAreDistinct,
		"UnknownJob":                  testUnknownJob,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func testEnqueueSkipsDuplicates(t *testing.T, s crawler.JobStore) {
	ctx := context.Background()
	n, err := s.Enqueue(ctx, "chat-1", []string{"a", "b", "a"})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = s.Enqueue(ctx, "chat-2", []string{"b", "c"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	snap, err := s.PendingSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 3)
	require.Equal(t, "chat-1", snap[1].Origin)
	require.Equal(t, crawler.JobStatusPending, snap[2].Status)
}

func testNextPendingFollowsEnqueue(t *testing.T, s crawler.JobStore) {
	ctx := context.Background()
	_, err := s.Enqueue(ctx, "o", []string{"a", "b"})
	require.NoError(t, err)

	job, ok, err := s.NextPending(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", job.ID)
	require.Equal(t, crawler.JobStatusInProgress, job.Status)
	require.Equal(t, 1, job.Attempts)

	job, ok, err = s.NextPending(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", job.ID)

	_, ok, err = s.NextPending(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	// in-progress ids still count as queued for dedupe
	n, err := s.Enqueue(ctx, "o", []string{"a"})
	require.NoError(t, err)
	require.Zero(t, n)
}

func testCompletedNeverRequeued(t *testing.T, s crawler.JobStore) {
	ctx := context.Background()
	_, err := s.Enqueue(ctx, "o", []string{"a"})
	require.NoError(t, err)
	job, ok, err := s.NextPending(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.MarkCompleted(ctx, job.ID))

	done, err := s.IsCompleted(ctx, "a")
	require.NoError(t, err)
	require.True(t, done)

	n, err := s.Enqueue(ctx, "o", []string{"a"})
	require.NoError(t, err)
	require.Zero(t, n)

	snap, err := s.PendingSnapshot(ctx)
	require.NoError(t, err)
	require.Empty(t, snap)
}

func testFailureRecordsReason(t *testing.T, s crawler.JobStore) {
	ctx := context.Background()
	_, err := s.Enqueue(ctx, "o", []string{"a"})
	require.NoError(t, err)
	_, _, err = s.NextPending(ctx)
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, "a", "delivery: relay timeout"))

	failures, err := s.Failures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, crawler.JobStatusFailed, failures[0].Status)
	require.Equal(t, "delivery: relay timeout", failures[0].Reason)
	require.Equal(t, crawler.KindDelivery, crawler.ReasonKind(failures[0].Reason))

	snap, err := s.PendingSnapshot(ctx)
	require.NoError(t, err)
	require.Empty(t, snap)

	// a failed job may be submitted again
	n, err := s.Enqueue(ctx, "o", []string{"a"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	failures, err = s.Failures(ctx)
	require.NoError(t, err)
	require.Empty(t, failures)
}

func testRequeueInProgress(t *testing.T, s crawler.JobStore) {
	ctx := context.Background()
	_, err := s.Enqueue(ctx, "o", []string{"a", "b", "c"})
	require.NoError(t, err)
	_, _, err = s.NextPending(ctx)
	require.NoError(t, err)
	_, _, err = s.NextPending(ctx)
	require.NoError(t, err)

	n, err := s.RequeueInProgress(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	snap, err := s.PendingSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 3)
	for _, j := range snap {
		require.Equal(t, crawler.JobStatusPending, j.Status)
	}

	job, ok, err := s.NextPending(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", job.ID)
	require.Equal(t, 2, job.Attempts)

	n, err = s.RequeueInProgress(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func testConcurrentClaimsAreDistinct(t *testing.T, s crawler.JobStore) {
	ctx := context.Background()
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	_, err := s.Enqueue(ctx, "o", ids)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok, err := s.NextPending(ctx)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, len(ids))
	for id, n := range claimed {
		require.Equal(t, 1, n, id)
	}
}

func testUnknownJob(t *testing.T, s crawler.JobStore) {
	ctx := context.Background()
	require.ErrorIs(t, s.MarkCompleted(ctx, "missing"), crawler.ErrNotFound)
	require.ErrorIs(t, s.MarkFailed(ctx, "missing", "x"), crawler.ErrNotFound)
}
