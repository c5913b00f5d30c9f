package dispatcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
	"github.com/JakeFAU/novel-batch-crawler/internal/progress"
)

// Message kinds written by a child worker, one JSON object per line.
const (
	msgProgress = "progress"
	msgResult   = "result"
	msgError    = "error"
)

type childMessage struct {
	Type     string            `json:"type"`
	Event    *progress.Event   `json:"event,omitempty"`
	Artifact *crawler.Artifact `json:"artifact,omitempty"`
	Error    string            `json:"error,omitempty"`
	Sentinel string            `json:"sentinel,omitempty"`
}

var sentinels = map[string]error{
	"access_blocked": crawler.ErrAccessBlocked,
	"layout_changed": crawler.ErrLayoutChanged,
	"no_content":     crawler.ErrNoContent,
	"no_source":      crawler.ErrNoSource,
	"integrity":      crawler.ErrIntegrity,
}

func sentinelName(err error) string {
	for name, target := range sentinels {
		if errors.Is(err, target) {
			return name
		}
	}
	return ""
}

// childError carries a pipeline failure reported by a child worker. It keeps
// the child's message and unwraps to the matching sentinel.
type childError struct {
	msg      string
	sentinel error
}

func (e *childError) Error() string { return e.msg }

func (e *childError) Unwrap() error { return e.sentinel }

// Subprocess runs each job in a fresh child process so a crash or leak in
// one job cannot take down the supervisor. The child is this binary invoked
// with Args; it reads the job from stdin and reports over stdout.
type Subprocess struct {
	Path string
	Args []string
	Env  []string
	// Stderr receives the child's logs. Defaults to os.Stderr.
	Stderr io.Writer
}

// Run starts the child, relays its progress to emit, and returns its result.
func (s Subprocess) Run(ctx context.Context, job crawler.Job, emit progress.Emitter) (crawler.Artifact, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return crawler.Artifact{}, fmt.Errorf("locate executable: %w", err)
		}
		path = exe
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return crawler.Artifact{}, fmt.Errorf("encode job: %w", err)
	}

	cmd := exec.CommandContext(ctx, path, s.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return crawler.Artifact{}, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return crawler.Artifact{}, fmt.Errorf("start worker: %w", err)
	}

	var (
		art      *crawler.Artifact
		childErr error
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var msg childMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		switch msg.Type {
		case msgProgress:
			if msg.Event != nil {
				emit.Emit(*msg.Event)
			}
		case msgResult:
			art = msg.Artifact
		case msgError:
			childErr = &childError{msg: msg.Error, sentinel: sentinels[msg.Sentinel]}
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		return crawler.Artifact{}, ctx.Err()
	case childErr != nil:
		return crawler.Artifact{}, childErr
	case art != nil && waitErr == nil:
		return *art, nil
	case waitErr != nil:
		return crawler.Artifact{}, fmt.Errorf("worker exited: %w", waitErr)
	case scanErr != nil:
		return crawler.Artifact{}, fmt.Errorf("read worker output: %w", scanErr)
	default:
		return crawler.Artifact{}, errors.New("worker exited without a result")
	}
}

// RunChild is the child side of Subprocess: it decodes a job from r, runs it
// with exec, and writes progress and the outcome to w. Pipeline failures are
// reported on w; the returned error covers only protocol problems.
func RunChild(ctx context.Context, r io.Reader, w io.Writer, executor Executor) error {
	var job crawler.Job
	if err := json.NewDecoder(r).Decode(&job); err != nil {
		return fmt.Errorf("decode job: %w", err)
	}

	var mu sync.Mutex
	enc := json.NewEncoder(w)
	write := func(msg childMessage) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(msg)
	}

	emit := progress.EmitterFunc(func(evt progress.Event) {
		_ = write(childMessage{Type: msgProgress, Event: &evt})
	})
	art, err := executor.Execute(ctx, job, emit)
	if err != nil {
		return write(childMessage{Type: msgError, Error: err.Error(), Sentinel: sentinelName(err)})
	}
	return write(childMessage{Type: msgResult, Artifact: &art})
}
