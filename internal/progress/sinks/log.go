package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/novel-batch-crawler/internal/crawler"
	"github.com/JakeFAU/novel-batch-crawler/internal/progress"
)

// LogSink writes each progress event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Terminal failures log at warn.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("origin", evt.Origin),
			zap.String("phase", string(evt.Phase)),
			zap.String("text", evt.Text),
		}
		if evt.Total > 0 {
			fields = append(fields, zap.Int("done", evt.Done), zap.Int("total", evt.Total))
		}
		switch {
		case evt.Terminal && evt.Phase == crawler.PhaseFailed:
			s.logger.Warn("job finished", fields...)
		case evt.Terminal:
			s.logger.Info("job finished", fields...)
		case evt.Checkpoint:
			s.logger.Info("job phase", fields...)
		default:
			s.logger.Debug("job progress", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
