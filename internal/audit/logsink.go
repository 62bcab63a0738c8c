package audit

import (
	"context"
	"log/slog"

	"github.com/vk/detgraph/internal/monitor"
)

// LogSink writes records to a structured logger.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogSink returns a sink logging at level.
func NewLogSink(logger *slog.Logger, level slog.Level) *LogSink {
	return &LogSink{logger: logger, level: level}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(ctx context.Context, r monitor.Record) error {
	s.logger.Log(ctx, s.level, "Audit record.",
		"seq", r.Seq,
		"kind", string(r.Kind),
		"at_cycles", r.AtCycles,
		"operator", r.Operator,
		"server", r.Server,
		"detail", r.Detail,
	)
	return nil
}

func (s *LogSink) Close() error { return nil }
