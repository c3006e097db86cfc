package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-rag-ingest/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where no client is connected.
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
		s.logger.Info("progress event",
			zap.String("session_id", evt.SessionID),
			zap.String("type", string(evt.Type)),
			zap.String("message", evt.Message),
			zap.Bool("final", evt.Final),
			zap.String("status", string(evt.Status)),
			zap.Int("current", evt.Current),
			zap.Int("total", evt.Total),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
