package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ActionRecord is one executed response action.
type ActionRecord struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Target     string    `json:"target"`
	Reason     string    `json:"reason"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// RecordAction appends an executed action to the response log.
func (d *DB) RecordAction(ctx context.Context, r ActionRecord) error {
	_, err := d.exec(ctx,
		`INSERT INTO response_actions (id, kind, target, reason, outcome, detail, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.Target, r.Reason, r.Outcome, r.Detail, formatTime(r.ExecutedAt),
	)
	if err != nil {
		return fmt.Errorf("recording response action: %w", err)
	}
	return nil
}

// RecentActions returns the latest response actions, newest first.
func (d *DB) RecentActions(ctx context.Context, limit int) ([]ActionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.query(ctx,
		`SELECT id, kind, target, reason, outcome, detail, executed_at
		FROM response_actions ORDER BY executed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying response actions: %w", err)
	}
	defer rows.Close()

	var out []ActionRecord
	for rows.Next() {
		var r ActionRecord
		var target, reason, detail sql.NullString
		var executedAt string
		if err := rows.Scan(&r.ID, &r.Kind, &target, &reason, &r.Outcome, &detail, &executedAt); err != nil {
			return nil, fmt.Errorf("scanning response action: %w", err)
		}
		r.Target = target.String
		r.Reason = reason.String
		r.Detail = detail.String
		r.ExecutedAt = parseTime(executedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Notification is an alert rendered into the dashboard inbox.
type Notification struct {
	ID         string    `json:"id"`
	AlertID    string    `json:"alert_id"`
	Mode       string    `json:"mode"`
	Severity   string    `json:"severity"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Escalation int       `json:"escalation"`
	Seen       bool      `json:"seen"`
	CreatedAt  time.Time `json:"created_at"`
}

// InsertNotification adds a dashboard notification.
func (d *DB) InsertNotification(ctx context.Context, n Notification) error {
	_, err := d.exec(ctx,
		`INSERT INTO dashboard_notifications (id, alert_id, mode, severity, title, body, escalation, seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.AlertID, n.Mode, n.Severity, n.Title, n.Body, n.Escalation, n.Seen, formatTime(n.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting dashboard notification: %w", err)
	}
	return nil
}

// Notifications returns dashboard notifications, newest first.
func (d *DB) Notifications(ctx context.Context, unseenOnly bool, limit int) ([]Notification, error) {
	query := `SELECT id, alert_id, mode, severity, title, body, escalation, seen, created_at
		FROM dashboard_notifications`
	var args []any
	if unseenOnly {
		query += " WHERE seen = ?"
		args = append(args, false)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying dashboard notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var body sql.NullString
		var createdAt string
		err := rows.Scan(&n.ID, &n.AlertID, &n.Mode, &n.Severity, &n.Title, &body, &n.Escalation, &n.Seen, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scanning dashboard notification: %w", err)
		}
		n.Body = body.String
		n.CreatedAt = parseTime(createdAt)
		out = append(out, n)
	}
	return out, rows.Err()
}
