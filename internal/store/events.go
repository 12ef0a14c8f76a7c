package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/setevik/sitesentry/internal/event"
)

// InsertEvent stores a processed event. The row is the audit trail and the
// history that correlation rules query. An event id that is already stored is
// left untouched and ErrEventExists is returned.
func (d *DB) InsertEvent(ctx context.Context, ev *event.Event) error {
	dataJSON, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshaling event data: %w", err)
	}
	var corrJSON, resultJSON []byte
	if ev.Correlation != nil {
		if corrJSON, err = json.Marshal(ev.Correlation); err != nil {
			return fmt.Errorf("marshaling correlation: %w", err)
		}
	}
	if ev.Result != nil {
		if resultJSON, err = json.Marshal(ev.Result); err != nil {
			return fmt.Errorf("marshaling result: %w", err)
		}
	}

	processedAt := ev.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now()
	}

	res, err := d.exec(ctx,
		`INSERT INTO events (id, type, priority, ip_address, user_id, data_json, risk_score,
			correlation_id, correlation_json, result_json, attempts, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID,
		string(ev.Type),
		string(ev.Priority),
		ev.IP(),
		ev.UserID(),
		string(dataJSON),
		ev.RiskScore,
		ev.CorrelationID,
		string(corrJSON),
		string(resultJSON),
		ev.Attempts,
		formatTime(ev.CreatedAt),
		formatTime(processedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrEventExists, ev.ID)
	}
	return nil
}

// UpdateEventResult replaces the stored handler result of an event.
func (d *DB) UpdateEventResult(ctx context.Context, id string, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	if _, err := d.exec(ctx, `UPDATE events SET result_json = ? WHERE id = ?`, string(resultJSON), id); err != nil {
		return fmt.Errorf("updating event result: %w", err)
	}
	return nil
}

// EventFilter controls which events are returned by QueryEvents.
type EventFilter struct {
	Since time.Time
	Until time.Time
	Type  event.Type
	IP    string
	Limit int
}

// QueryEvents returns persisted events matching the filter, newest first.
func (d *DB) QueryEvents(ctx context.Context, f EventFilter) ([]*event.Event, error) {
	query := `SELECT id, type, priority, data_json, risk_score, correlation_id, correlation_json,
		result_json, attempts, created_at, processed_at
		FROM events WHERE 1=1`
	var args []any

	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, formatTime(f.Until))
	}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, string(f.Type))
	}
	if f.IP != "" {
		query += " AND ip_address = ?"
		args = append(args, f.IP)
	}

	query += " ORDER BY created_at DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

var groupColumns = map[string]string{
	event.KeyIPAddress: "ip_address",
	event.KeyUserID:    "user_id",
}

// EventIDsInWindow returns ids of persisted events of the given types created
// within [since, until], oldest first. excludeID is left out of the result.
// When groupKey is set (ip_address or user_id) only events sharing groupValue
// are counted.
func (d *DB) EventIDsInWindow(ctx context.Context, types []event.Type, since, until time.Time, excludeID, groupKey, groupValue string) ([]string, error) {
	if len(types) == 0 {
		return nil, nil
	}

	query := `SELECT id FROM events WHERE type IN (` + placeholders(len(types)) + `)
		AND created_at >= ? AND created_at <= ? AND id <> ?`
	args := make([]any, 0, len(types)+4)
	for _, t := range types {
		args = append(args, string(t))
	}
	args = append(args, formatTime(since), formatTime(until), excludeID)

	if groupKey != "" {
		col, ok := groupColumns[groupKey]
		if !ok {
			return nil, fmt.Errorf("unsupported correlation group key %q", groupKey)
		}
		query += " AND " + col + " = ?"
		args = append(args, groupValue)
	}
	query += " ORDER BY created_at ASC"

	rows, err := d.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying correlation window: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning event id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeEvents deletes events created before now minus retention.
func (d *DB) PurgeEvents(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	cutoff := formatTime(now.Add(-retention))
	result, err := d.exec(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging old events: %w", err)
	}
	return result.RowsAffected()
}

// CountEvents returns the total number of stored events.
func (d *DB) CountEvents(ctx context.Context) (int, error) {
	var count int
	err := d.queryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return count, nil
}

func scanEvent(rows *sql.Rows) (*event.Event, error) {
	var ev event.Event
	var typ, priority, createdAt, processedAt string
	var dataJSON, corrID, corrJSON, resultJSON sql.NullString

	err := rows.Scan(
		&ev.ID,
		&typ,
		&priority,
		&dataJSON,
		&ev.RiskScore,
		&corrID,
		&corrJSON,
		&resultJSON,
		&ev.Attempts,
		&createdAt,
		&processedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning event row: %w", err)
	}

	ev.Type = event.Type(typ)
	ev.Priority = event.Priority(priority)
	ev.CorrelationID = corrID.String
	ev.CreatedAt = parseTime(createdAt)
	ev.ProcessedAt = parseTime(processedAt)
	ev.Processed = true
	ev.Data = event.Data{}
	if dataJSON.String != "" {
		_ = json.Unmarshal([]byte(dataJSON.String), &ev.Data)
	}
	if corrJSON.String != "" {
		var c event.Correlation
		if json.Unmarshal([]byte(corrJSON.String), &c) == nil {
			ev.Correlation = &c
		}
	}
	if resultJSON.String != "" {
		_ = json.Unmarshal([]byte(resultJSON.String), &ev.Result)
	}

	return &ev, nil
}
