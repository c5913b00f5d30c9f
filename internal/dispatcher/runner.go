package dispatcher

import (
	"context"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
	"github.com/JakeFAU/novel-batch-crawler/internal/progress"
)

// Executor runs the per-job pipeline. worker.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, job crawler.Job, emit progress.Emitter) (crawler.Artifact, error)
}

// InProcess runs jobs on goroutines inside the supervising process.
type InProcess struct {
	Executor Executor
}

// Run executes job directly.
func (r InProcess) Run(ctx context.Context, job crawler.Job, emit progress.Emitter) (crawler.Artifact, error) {
	return r.Executor.Execute(ctx, job, emit)
}
