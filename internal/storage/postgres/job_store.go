// Package postgres provides a Postgres-backed crawler.JobStore. Claims use
// FOR UPDATE SKIP LOCKED so several orchestrators can share one queue
// without handing the same job to two workers.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore implements crawler.JobStore on the crawl_jobs and completed_jobs
// tables. Failed jobs stay in crawl_jobs with status failed until they are
// enqueued again.
type JobStore struct {
	pool pool
	now  func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS crawl_jobs (
	seq         BIGSERIAL,
	id          TEXT PRIMARY KEY,
	origin      TEXT NOT NULL,
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	enqueued_at TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS crawl_jobs_status_idx ON crawl_jobs (status, enqueued_at, seq);
CREATE TABLE IF NOT EXISTS completed_jobs (
	id           TEXT PRIMARY KEY,
	completed_at TIMESTAMPTZ NOT NULL
);`

const jobColumns = `id, origin, status, reason, enqueued_at, updated_at, attempts`

// New connects to Postgres and ensures the schema exists.
func New(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := newWithPool(p)
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

func newWithPool(p pool) *JobStore {
	return &JobStore{pool: p, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureSchema creates the tables if they are missing.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *JobStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Enqueue implements crawler.JobStore. A failed job may be enqueued again;
// completed and queued ids are skipped.
func (s *JobStore) Enqueue(ctx context.Context, origin string, ids []string) (int, error) {
	const query = `
INSERT INTO crawl_jobs (id, origin, status, reason, enqueued_at, updated_at, attempts)
SELECT $1, $2, 'pending', '', $3, $3, 0
WHERE NOT EXISTS (SELECT 1 FROM completed_jobs WHERE id = $1)
ON CONFLICT (id) DO UPDATE
SET origin = EXCLUDED.origin, status = 'pending', reason = '',
	enqueued_at = EXCLUDED.enqueued_at, updated_at = EXCLUDED.updated_at
WHERE crawl_jobs.status = 'failed'`

	added := 0
	now := s.now()
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		seen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if _, dup := seen[id]; dup || id == "" {
				continue
			}
			seen[id] = struct{}{}
			tag, err := tx.Exec(ctx, query, id, origin, now)
			if err != nil {
				return fmt.Errorf("enqueue %s: %w", id, err)
			}
			added += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// NextPending implements crawler.JobStore.
func (s *JobStore) NextPending(ctx context.Context) (crawler.Job, bool, error) {
	const query = `
UPDATE crawl_jobs
SET status = 'in_progress', attempts = attempts + 1, updated_at = $1
WHERE id = (
	SELECT id FROM crawl_jobs
	WHERE status = 'pending'
	ORDER BY enqueued_at, seq
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING ` + jobColumns

	job, err := scanJob(s.pool.QueryRow(ctx, query, s.now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, false, nil
	}
	if err != nil {
		return crawler.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// MarkCompleted implements crawler.JobStore.
func (s *JobStore) MarkCompleted(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		removed, err := tx.Exec(ctx,
			`DELETE FROM crawl_jobs WHERE id = $1 AND status IN ('pending', 'in_progress')`, id)
		if err != nil {
			return fmt.Errorf("dequeue %s: %w", id, err)
		}
		inserted, err := tx.Exec(ctx,
			`INSERT INTO completed_jobs (id, completed_at) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, id, s.now())
		if err != nil {
			return fmt.Errorf("record completion %s: %w", id, err)
		}
		if removed.RowsAffected() == 0 && inserted.RowsAffected() == 1 {
			return fmt.Errorf("complete %s: %w", id, crawler.ErrNotFound)
		}
		return nil
	})
}

// MarkFailed implements crawler.JobStore.
func (s *JobStore) MarkFailed(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE crawl_jobs SET status = 'failed', reason = $2, updated_at = $3
WHERE id = $1 AND status IN ('pending', 'in_progress')`, id, reason, s.now())
	if err != nil {
		return fmt.Errorf("fail %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail %s: %w", id, crawler.ErrNotFound)
	}
	return nil
}

// PendingSnapshot implements crawler.JobStore.
func (s *JobStore) PendingSnapshot(ctx context.Context) ([]crawler.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM crawl_jobs
WHERE status IN ('pending', 'in_progress') ORDER BY enqueued_at, seq`)
}

// Failures implements crawler.JobStore.
func (s *JobStore) Failures(ctx context.Context) ([]crawler.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM crawl_jobs
WHERE status = 'failed' ORDER BY updated_at, seq`)
}

// RequeueInProgress implements crawler.JobStore.
func (s *JobStore) RequeueInProgress(ctx context.Context) (int, error) {
	requeued := 0
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM crawl_jobs c USING completed_jobs d WHERE c.id = d.id`); err != nil {
			return fmt.Errorf("drop completed: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`UPDATE crawl_jobs SET status = 'pending', updated_at = $1 WHERE status = 'in_progress'`, s.now())
		if err != nil {
			return fmt.Errorf("requeue in-progress: %w", err)
		}
		requeued = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return requeued, nil
}

// IsCompleted implements crawler.JobStore.
func (s *JobStore) IsCompleted(ctx context.Context, id string) (bool, error) {
	var done bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM completed_jobs WHERE id = $1)`, id).Scan(&done); err != nil {
		return false, fmt.Errorf("lookup completion %s: %w", id, err)
	}
	return done, nil
}

// Close releases the pool.
func (s *JobStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *JobStore) list(ctx context.Context, query string) ([]crawler.Job, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	jobs := []crawler.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job    crawler.Job
		status string
	)
	if err := row.Scan(&job.ID, &job.Origin, &status, &job.Reason, &job.EnqueuedAt, &job.UpdatedAt, &job.Attempts); err != nil {
		return crawler.Job{}, err
	}
	job.Status = crawler.JobStatus(status)
	return job, nil
}
