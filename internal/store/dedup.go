package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/setevik/sitesentry/internal/alert"
	"github.com/setevik/sitesentry/internal/event"
)

// Duplicate describes an existing open alert with the same signature.
type Duplicate struct {
	AlertID        string
	DuplicateCount int
}

// FindActiveDuplicate looks for an alert with the given signature that is
// still new or acknowledged and was created at or after since.
//
// Escalated alerts are not matched: an escalated condition that recurs gets a
// fresh alert so the escalation chain of the old one is not reset.
func (d *DB) FindActiveDuplicate(ctx context.Context, signature string, since time.Time) (Duplicate, bool, error) {
	var dup Duplicate
	err := d.queryRow(ctx,
		`SELECT id, duplicate_count FROM alerts
		WHERE signature = ? AND status IN (?, ?) AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1`,
		signature, string(alert.StatusNew), string(alert.StatusAcknowledged), formatTime(since),
	).Scan(&dup.AlertID, &dup.DuplicateCount)
	if errors.Is(err, sql.ErrNoRows) {
		return Duplicate{}, false, nil
	}
	if err != nil {
		return Duplicate{}, false, fmt.Errorf("checking duplicate alert: %w", err)
	}
	return dup, true, nil
}

// RecordDuplicate bumps duplicate_count and last_occurrence on an alert and
// returns the new count.
func (d *DB) RecordDuplicate(ctx context.Context, id string, now time.Time) (int, error) {
	_, err := d.exec(ctx,
		`UPDATE alerts SET duplicate_count = duplicate_count + 1, last_occurrence = ?, updated_at = ?
		WHERE id = ?`,
		formatTime(now), formatTime(now), id,
	)
	if err != nil {
		return 0, fmt.Errorf("recording duplicate: %w", err)
	}

	var count int
	if err := d.queryRow(ctx, `SELECT duplicate_count FROM alerts WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("reading duplicate count: %w", err)
	}

	slog.Debug("duplicate alert suppressed", "alert_id", id, "duplicate_count", count)
	return count, nil
}

// CountRecentEvents counts persisted events of type t from ip created at or
// after since. It backs the login activity analyzer.
func (d *DB) CountRecentEvents(ctx context.Context, t event.Type, ip string, since time.Time) (int, error) {
	var count int
	err := d.queryRow(ctx,
		`SELECT COUNT(*) FROM events WHERE type = ? AND ip_address = ? AND created_at >= ?`,
		string(t), ip, formatTime(since),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting recent events: %w", err)
	}
	return count, nil
}
