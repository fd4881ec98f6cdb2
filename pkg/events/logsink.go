package events

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/harun/runloop/internal/tracing"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink logging at debug level, run_completed at info.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "events").Logger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(ctx context.Context, evt Event) {
	logger := tracing.LoggerFromContext(ctx, s.logger)
	entry := logger.Debug()
	if evt.Type == RunCompleted || evt.Type == ApprovalRequired {
		entry = logger.Info()
	}
	entry.
		Str("event", string(evt.Type)).
		Str("run_id", evt.RunID).
		Str("session_id", evt.SessionID).
		Int64("seq", evt.Seq).
		Fields(evt.Data).
		Msg("Run event")
}
