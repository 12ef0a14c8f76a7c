package ingest

import (
	"context"
	"log/slog"

	"github.com/setevik/sitesentry/internal/collector"
)

// ForwardStats counts what Forward did with the messages it read.
type ForwardStats struct {
	Queued   int
	Ignored  int
	Rejected int
}

// Forward reads src until it closes, queueing submissions directly and
// passing log lines through the login analyzer. Rejected events are logged
// and skipped.
func Forward(ctx context.Context, src Source, q collector.Queuer) (ForwardStats, error) {
	var stats ForwardStats
	msgs, err := src.Messages(ctx)
	if err != nil {
		return stats, err
	}

	analyzer := collector.NewLoginAnalyzer(q)
	for msg := range msgs {
		if s := msg.Submission; s != nil {
			if err := q.QueueEvent(ctx, s.Type, s.Data, s.Priority); err != nil {
				stats.Rejected++
				slog.Warn("collector event rejected", "type", s.Type, "error", err)
				continue
			}
			stats.Queued++
			continue
		}

		queued, err := analyzer.HandleLine(ctx, msg.Line)
		switch {
		case err != nil:
			stats.Rejected++
			slog.Warn("access log event rejected", "error", err)
		case queued:
			stats.Queued++
		default:
			stats.Ignored++
		}
	}
	return stats, ctx.Err()
}
