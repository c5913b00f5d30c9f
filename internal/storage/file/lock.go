package file

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
)

const (
	lockDirName   = ".run.lock"
	lockOwnerFile = "owner.json"
)

type runLock struct {
	dir string
}

type lockOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

// orphanedLockAge is how long a lock directory without a readable owner is
// honoured before it is treated as left over from a crash during acquire.
const orphanedLockAge = time.Minute

// acquireLock creates the lock directory atomically. An existing lock means
// another orchestrator owns the store, unless its owner is a dead process on
// this host. Such a lock is removed and taken over, and its previous owner is
// returned.
func acquireLock(storeDir string) (runLock, *lockOwner, error) {
	dir := filepath.Join(storeDir, lockDirName)
	var reclaimed *lockOwner
	for attempt := 0; attempt < 2; attempt++ {
		err := os.Mkdir(dir, 0o750)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return runLock{}, nil, fmt.Errorf("acquire store lock: %w", err)
		}
		owner, stale := inspectLock(dir)
		if !stale || attempt > 0 {
			if owner.PID > 0 {
				return runLock{}, nil, fmt.Errorf("%w: %s (pid=%d created_at=%s host=%s)",
					crawler.ErrStoreLocked, storeDir, owner.PID, owner.CreatedAt, owner.Hostname)
			}
			return runLock{}, nil, fmt.Errorf("%w: %s", crawler.ErrStoreLocked, storeDir)
		}
		if err := os.RemoveAll(dir); err != nil {
			return runLock{}, nil, fmt.Errorf("remove stale store lock: %w", err)
		}
		reclaimed = &owner
	}
	owner := lockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	if err := writeJSON(filepath.Join(dir, lockOwnerFile), owner); err != nil {
		_ = os.Remove(dir)
		return runLock{}, nil, fmt.Errorf("write lock owner: %w", err)
	}
	return runLock{dir: dir}, reclaimed, nil
}

// inspectLock reads the owner of an existing lock and decides whether it can
// be taken over. Locks held from another host are never stale.
func inspectLock(dir string) (lockOwner, bool) {
	var owner lockOwner
	if err := readJSON(filepath.Join(dir, lockOwnerFile), &owner); err != nil || owner.PID <= 0 {
		info, statErr := os.Stat(dir)
		return owner, statErr == nil && time.Since(info.ModTime()) > orphanedLockAge
	}
	if owner.Hostname != hostnameOrUnknown() {
		return owner, false
	}
	return owner, !processAlive(owner.PID)
}

// processAlive probes pid with signal 0. EPERM still means the process exists.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, syscall.ESRCH)
}

func (l runLock) release() error {
	if l.dir == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.dir, lockOwnerFile))
	if err := os.Remove(l.dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release store lock: %w", err)
	}
	return nil
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "unknown"
	}
	return strings.TrimSpace(host)
}
