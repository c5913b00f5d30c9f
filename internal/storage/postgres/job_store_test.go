package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
)

var fixedNow = time.Unix(1700000000, 0).UTC()

func newMockStore(t *testing.T) (*JobStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s := newWithPool(mock)
	s.now = func() time.Time { return fixedNow }
	return s, mock
}

func jobRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "origin", "status", "reason", "enqueued_at", "updated_at", "attempts"})
}

func TestEnqueueCountsInsertedRows(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs("https://example.com/a", "chat-1", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs("https://example.com/b", "chat-1", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	n, err := s.Enqueue(context.Background(), "chat-1",
		[]string{"https://example.com/a", "https://example.com/b", "https://example.com/a"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueRollsBackOnError(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs("a", "o", fixedNow).
		WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	_, err := s.Enqueue(context.Background(), "o", []string{"a"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextPendingClaimsWithSkipLocked(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(fixedNow).
		WillReturnRows(jobRows().AddRow("a", "chat-1", "in_progress", "", fixedNow, fixedNow, 1))

	job, ok, err := s.NextPending(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", job.ID)
	require.Equal(t, crawler.JobStatusInProgress, job.Status)
	require.Equal(t, 1, job.Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextPendingEmptyQueue(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(fixedNow).
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := s.NextPending(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompletedMovesJob(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM crawl_jobs").WithArgs("a").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("INSERT INTO completed_jobs").WithArgs("a", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.MarkCompleted(context.Background(), "a"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompletedUnknownJob(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM crawl_jobs").WithArgs("zz").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO completed_jobs").WithArgs("zz", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectRollback()

	err := s.MarkCompleted(context.Background(), "zz")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE crawl_jobs SET status = 'failed'").
		WithArgs("a", "pipeline: access blocked", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE crawl_jobs SET status = 'failed'").
		WithArgs("b", "x", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.MarkFailed(context.Background(), "a", "pipeline: access blocked"))
	require.ErrorIs(t, s.MarkFailed(context.Background(), "b", "x"), crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPendingSnapshotAndFailures(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("status IN").
		WillReturnRows(jobRows().
			AddRow("a", "o", "in_progress", "", fixedNow, fixedNow, 1).
			AddRow("b", "o", "pending", "", fixedNow, fixedNow, 0))
	mock.ExpectQuery("status = 'failed'").
		WillReturnRows(jobRows().AddRow("c", "o", "failed", "delivery: relay timeout", fixedNow, fixedNow, 2))

	snap, err := s.PendingSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap, 2)
	require.Equal(t, crawler.JobStatusPending, snap[1].Status)

	failures, err := s.Failures(context.Background())
	require.NoError(t, err)
	require.Len(t, failures, 1)
	require.Equal(t, "delivery: relay timeout", failures[0].Reason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueInProgress(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM crawl_jobs c USING completed_jobs").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("SET status = 'pending'").WithArgs(fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))
	mock.ExpectCommit()

	n, err := s.RequeueInProgress(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsCompletedAndSchema(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_jobs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("a").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	require.NoError(t, s.EnsureSchema(context.Background()))
	done, err := s.IsCompleted(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, done)
	require.NoError(t, mock.ExpectationsWereMet())
}
