// Package file persists the job queue as JSON documents in a directory.
//
// state.json holds queued jobs and failure records; completed.json holds the
// completed-id index. Both are replaced atomically on every mutation, and a
// lock directory keeps a second orchestrator from opening the same store.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
	"github.com/JakeFAU/novel-batch-crawler/internal/logging"
	"github.com/JakeFAU/novel-batch-crawler/internal/storage/memory"
)

const (
	stateFile     = "state.json"
	completedFile = "completed.json"
)

// ErrReadOnly is returned by mutating calls on a store opened read-only.
var ErrReadOnly = errors.New("job store opened read-only")

// errUnchanged lets a mutation report that it left the state alone, so there
// is nothing to write.
var errUnchanged = errors.New("state unchanged")

// Options controls how Open treats the store directory.
type Options struct {
	// ReadOnly loads the current state without taking the lock. Mutations
	// fail with ErrReadOnly.
	ReadOnly bool
	Logger   *zap.Logger
}

type completedDoc struct {
	Completed map[string]time.Time `json:"completed"`
}

// JobStore is a crawler.JobStore backed by files in a single directory.
type JobStore struct {
	dir      string
	readOnly bool
	lock     runLock
	logger   *zap.Logger

	mu    sync.Mutex
	state *memory.State
	now   func() time.Time
}

// Open loads or initializes the store in dir.
func Open(dir string, opts Options) (*JobStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	s := &JobStore{
		dir:      dir,
		readOnly: opts.ReadOnly,
		logger:   logging.OrNop(opts.Logger),
		state:    memory.NewState(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	if !opts.ReadOnly {
		lock, stale, err := acquireLock(dir)
		if err != nil {
			return nil, err
		}
		s.lock = lock
		if stale != nil {
			s.logger.Warn("reclaimed store lock from dead process",
				zap.String("dir", dir),
				zap.Int("pid", stale.PID),
				zap.String("created_at", stale.CreatedAt),
			)
		}
	}
	if err := s.load(); err != nil {
		_ = s.lock.release()
		return nil, err
	}
	s.logger.Debug("file job store opened",
		zap.String("dir", dir),
		zap.Int("queued", len(s.state.Jobs)),
		zap.Int("completed", len(s.state.Completed)),
		zap.Bool("read_only", opts.ReadOnly),
	)
	return s, nil
}

func (s *JobStore) load() error {
	statePath := filepath.Join(s.dir, stateFile)
	if _, err := os.Stat(statePath); err == nil {
		if err := readJSON(statePath, s.state); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", statePath, err)
	}

	completedPath := filepath.Join(s.dir, completedFile)
	if _, err := os.Stat(completedPath); err == nil {
		var doc completedDoc
		if err := readJSON(completedPath, &doc); err != nil {
			return err
		}
		if doc.Completed != nil {
			s.state.Completed = doc.Completed
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat %s: %w", completedPath, err)
	}
	return nil
}

// mutate applies fn and persists the result. On a persist error the
// in-memory state is rolled back so memory never runs ahead of disk.
// completedChanged must be set for any fn that touches the completed index.
func (s *JobStore) mutate(fn func(st *memory.State, now time.Time) error, completedChanged bool) error {
	if s.readOnly {
		return ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var prev *memory.State
	if completedChanged {
		prev = s.state.Clone()
	} else {
		prev = s.state.CloneQueues()
	}
	if err := fn(s.state, s.now()); err != nil {
		s.state = prev
		if errors.Is(err, errUnchanged) {
			return nil
		}
		return err
	}
	if err := s.persist(completedChanged); err != nil {
		s.state = prev
		return err
	}
	return nil
}

// persist writes completed.json before state.json so a crash between the two
// leaves a completed job still queued, which requeue then drops.
func (s *JobStore) persist(completedChanged bool) error {
	if completedChanged {
		if err := writeJSON(filepath.Join(s.dir, completedFile), completedDoc{Completed: s.state.Completed}); err != nil {
			return err
		}
	}
	return writeJSON(filepath.Join(s.dir, stateFile), s.state)
}

// Enqueue implements crawler.JobStore.
func (s *JobStore) Enqueue(_ context.Context, origin string, ids []string) (int, error) {
	added := 0
	err := s.mutate(func(st *memory.State, now time.Time) error {
		added = st.Enqueue(origin, ids, now)
		return nil
	}, false)
	if err != nil {
		return 0, err
	}
	return added, nil
}

// NextPending implements crawler.JobStore.
func (s *JobStore) NextPending(ctx context.Context) (crawler.Job, bool, error) {
	if err := ctx.Err(); err != nil {
		return crawler.Job{}, false, err
	}
	var (
		job crawler.Job
		ok  bool
	)
	err := s.mutate(func(st *memory.State, now time.Time) error {
		job, ok = st.Claim(now)
		if !ok {
			return errUnchanged
		}
		return nil
	}, false)
	if err != nil {
		return crawler.Job{}, false, err
	}
	return job, ok, nil
}

// MarkCompleted implements crawler.JobStore.
func (s *JobStore) MarkCompleted(_ context.Context, id string) error {
	return s.mutate(func(st *memory.State, now time.Time) error {
		return st.Complete(id, now)
	}, true)
}

// MarkFailed implements crawler.JobStore.
func (s *JobStore) MarkFailed(_ context.Context, id, reason string) error {
	return s.mutate(func(st *memory.State, now time.Time) error {
		return st.Fail(id, reason, now)
	}, false)
}

// PendingSnapshot implements crawler.JobStore.
func (s *JobStore) PendingSnapshot(context.Context) ([]crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Snapshot(), nil
}

// RequeueInProgress implements crawler.JobStore.
func (s *JobStore) RequeueInProgress(context.Context) (int, error) {
	n := 0
	err := s.mutate(func(st *memory.State, now time.Time) error {
		n = st.Requeue(now)
		return nil
	}, false)
	return n, err
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

// Close releases the store lock.
func (s *JobStore) Close() error {
	return s.lock.release()
}
