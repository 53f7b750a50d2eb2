package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/rankwell/siteaudit/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or deployments where a metrics backend is unavailable.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("audit_id", evt.AuditID),
			zap.String("stage", string(evt.Stage)),
			zap.String("site", evt.SiteURL),
			zap.String("url", evt.URL),
			zap.String("status_class", string(evt.StatusClass)),
			zap.Duration("dur", evt.Dur),
			zap.Int("pages_done", evt.PagesDone),
			zap.Int("issues_found", evt.IssuesFound),
			zap.String("note", evt.Note),
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
