package channel

import (
	"context"
	"log/slog"
)

// Log writes alerts to the structured log. It accepts every mode and is the
// delivery of last resort when nothing else is configured.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log channel. A nil logger uses slog.Default.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Modes() []Mode {
	return []Mode{ModeImmediate, ModeBatch, ModeDigest, ModePersistent}
}

func (l *Log) Send(ctx context.Context, n Notice) error {
	if n.Alert == nil {
		l.logger.InfoContext(ctx, "digest", "mode", n.Mode, "title", n.Title(), "body", n.Body())
		return nil
	}
	a := n.Alert
	l.logger.WarnContext(ctx, "security alert",
		"alert_id", a.ID,
		"type", a.Type,
		"severity", a.Severity,
		"title", a.Title,
		"mode", n.Mode,
		"escalation", n.Escalation,
		"occurrences", a.DuplicateCount,
	)
	return nil
}
