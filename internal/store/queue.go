package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/setevik/sitesentry/internal/event"
)

// SaveQueue replaces the persisted queue snapshot with events, in drain
// order. The replacement happens in one transaction so a crash never leaves a
// half-written snapshot.
func (d *DB) SaveQueue(ctx context.Context, events []*event.Event) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning queue snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM event_queue`); err != nil {
		return fmt.Errorf("clearing queue snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, d.rebind(
		`INSERT INTO event_queue (position, id, type, priority, data_json, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("preparing queue snapshot: %w", err)
	}
	defer stmt.Close()

	for i, ev := range events {
		dataJSON, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("marshaling queued event %s: %w", ev.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			i,
			ev.ID,
			string(ev.Type),
			string(ev.Priority),
			string(dataJSON),
			ev.Attempts,
			formatTime(ev.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("saving queued event %s: %w", ev.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing queue snapshot: %w", err)
	}
	return nil
}

// LoadQueue returns the persisted queue snapshot in drain order. Events that
// reached the events table before the snapshot was rewritten are skipped.
func (d *DB) LoadQueue(ctx context.Context) ([]*event.Event, error) {
	rows, err := d.query(ctx,
		`SELECT id, type, priority, data_json, attempts, created_at
		FROM event_queue
		WHERE id NOT IN (SELECT id FROM events)
		ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("loading queue snapshot: %w", err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		var ev event.Event
		var typ, priority, createdAt string
		var dataJSON sql.NullString
		if err := rows.Scan(&ev.ID, &typ, &priority, &dataJSON, &ev.Attempts, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning queued event: %w", err)
		}
		ev.Type = event.Type(typ)
		ev.Priority = event.Priority(priority)
		ev.CreatedAt = parseTime(createdAt)
		ev.Data = event.Data{}
		if dataJSON.String != "" {
			_ = json.Unmarshal([]byte(dataJSON.String), &ev.Data)
		}
		ev.CorrelationID = event.CorrelationID(ev.Type, ev.Data, ev.CreatedAt)
		events = append(events, &ev)
	}
	return events, rows.Err()
}
