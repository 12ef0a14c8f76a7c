package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/setevik/sitesentry/internal/alert"
)

const alertColumns = `id, type, severity, priority, title, message, details_json, source, status,
	signature, duplicate_count, last_occurrence, escalation_level, last_escalation,
	acknowledged_at, acknowledged_by, resolved_at, resolved_by, resolution, metadata_json,
	notified, processed, created_at, updated_at`

// InsertAlert stores a new alert row.
func (d *DB) InsertAlert(ctx context.Context, a *alert.Alert) error {
	detailsJSON, err := json.Marshal(a.Details)
	if err != nil {
		return fmt.Errorf("marshaling alert details: %w", err)
	}
	metaJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling alert metadata: %w", err)
	}

	_, err = d.exec(ctx,
		`INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		string(a.Type),
		string(a.Severity),
		a.Priority,
		a.Title,
		a.Message,
		string(detailsJSON),
		a.Source,
		string(a.Status),
		a.Signature,
		a.DuplicateCount,
		nullTime(a.LastOccurrence),
		a.EscalationLevel,
		nullTime(a.LastEscalation),
		nullTime(a.AcknowledgedAt),
		a.AcknowledgedBy,
		nullTime(a.ResolvedAt),
		a.ResolvedBy,
		a.Resolution,
		string(metaJSON),
		a.Notified,
		a.Processed,
		formatTime(a.CreatedAt),
		formatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting alert: %w", err)
	}
	return nil
}

// GetAlert returns one alert by id. Missing ids yield alert.ErrNotFound.
func (d *DB) GetAlert(ctx context.Context, id string) (*alert.Alert, error) {
	rows, err := d.query(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("getting alert: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("getting alert: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", alert.ErrNotFound, id)
	}
	return scanAlert(rows)
}

// AlertFilter controls which alerts are returned by QueryAlerts.
type AlertFilter struct {
	Statuses  []alert.Status
	Severity  alert.Severity
	Type      alert.Type
	Since     time.Time
	Until     time.Time
	Processed *bool
	Limit     int
	// Oldest orders results by creation time ascending instead of newest first.
	Oldest bool
}

// QueryAlerts returns alerts matching the filter.
func (d *DB) QueryAlerts(ctx context.Context, f AlertFilter) ([]*alert.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE 1=1`
	var args []any

	if len(f.Statuses) > 0 {
		query += " AND status IN (" + placeholders(len(f.Statuses)) + ")"
		args = append(args, statusArgs(f.Statuses)...)
	}
	if f.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(f.Severity))
	}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, formatTime(f.Until))
	}
	if f.Processed != nil {
		query += " AND processed = ?"
		args = append(args, *f.Processed)
	}

	if f.Oldest {
		query += " ORDER BY created_at ASC"
	} else {
		query += " ORDER BY created_at DESC"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	return d.queryAlerts(ctx, query, args...)
}

func (d *DB) queryAlerts(ctx context.Context, query string, args ...any) ([]*alert.Alert, error) {
	rows, err := d.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// Conditional updates only touch rows in a status the lifecycle allows to
// move to the target.
var (
	ackFrom         = alert.From(alert.StatusAcknowledged)
	resolveFrom     = alert.From(alert.StatusResolved)
	escalateFrom    = alert.From(alert.StatusEscalated)
	archiveFrom     = alert.From(alert.StatusArchived)
	autoResolveFrom = alert.From(alert.StatusAutoResolved)
)

func statusArgs(statuses []alert.Status) []any {
	out := make([]any, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// Acknowledge moves a new alert to acknowledged, recording who did it.
func (d *DB) Acknowledge(ctx context.Context, id, by string, now time.Time) error {
	res, err := d.exec(ctx,
		`UPDATE alerts SET status = ?, acknowledged_at = ?, acknowledged_by = ?, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(ackFrom))+`)`,
		append([]any{string(alert.StatusAcknowledged), formatTime(now), by, formatTime(now), id},
			statusArgs(ackFrom)...)...,
	)
	if err != nil {
		return fmt.Errorf("acknowledging alert: %w", err)
	}
	return d.checkTransition(ctx, res, id, alert.StatusAcknowledged)
}

// Resolve moves an open alert to resolved.
func (d *DB) Resolve(ctx context.Context, id, resolution, by string, now time.Time) error {
	res, err := d.exec(ctx,
		`UPDATE alerts SET status = ?, resolved_at = ?, resolved_by = ?, resolution = ?, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(resolveFrom))+`)`,
		append([]any{string(alert.StatusResolved), formatTime(now), by, resolution, formatTime(now), id},
			statusArgs(resolveFrom)...)...,
	)
	if err != nil {
		return fmt.Errorf("resolving alert: %w", err)
	}
	return d.checkTransition(ctx, res, id, alert.StatusResolved)
}

// checkTransition turns a zero-row conditional update into ErrNotFound or
// ErrInvalidTransition.
func (d *DB) checkTransition(ctx context.Context, res sql.Result, id string, to alert.Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update: %w", err)
	}
	if n > 0 {
		return nil
	}
	a, err := d.GetAlert(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", alert.ErrInvalidTransition, a.Status, to)
}

// EscalationCandidates returns open alerts of the given severity whose last
// escalation (or creation) is at or before dueBefore and whose level is below
// maxLevel.
func (d *DB) EscalationCandidates(ctx context.Context, sev alert.Severity, dueBefore time.Time, maxLevel int) ([]*alert.Alert, error) {
	args := append([]any{string(sev)}, statusArgs(escalateFrom)...)
	args = append(args, formatTime(dueBefore), maxLevel)
	return d.queryAlerts(ctx,
		`SELECT `+alertColumns+` FROM alerts
		WHERE severity = ? AND status IN (`+placeholders(len(escalateFrom))+`)
			AND COALESCE(last_escalation, created_at) <= ?
			AND escalation_level < ?
		ORDER BY created_at ASC`,
		args...,
	)
}

// Escalate raises an alert's escalation level by one, provided it is still
// open and still at fromLevel. It reports whether the row changed, so two
// concurrent schedulers never both escalate the same level.
func (d *DB) Escalate(ctx context.Context, id string, fromLevel int, now time.Time) (bool, error) {
	res, err := d.exec(ctx,
		`UPDATE alerts SET escalation_level = escalation_level + 1, status = ?, last_escalation = ?, updated_at = ?
		WHERE id = ? AND escalation_level = ? AND status IN (`+placeholders(len(escalateFrom))+`)`,
		append([]any{string(alert.StatusEscalated), formatTime(now), formatTime(now), id, fromLevel},
			statusArgs(escalateFrom)...)...,
	)
	if err != nil {
		return false, fmt.Errorf("escalating alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking escalation: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed flags an alert as handled by the delivery cycle.
func (d *DB) MarkProcessed(ctx context.Context, id string, notified bool, now time.Time) error {
	_, err := d.exec(ctx,
		`UPDATE alerts SET processed = ?, notified = ?, updated_at = ? WHERE id = ?`,
		true, notified, formatTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("marking alert processed: %w", err)
	}
	return nil
}

// PendingDelivery returns open alerts not yet handled by a delivery cycle,
// oldest first.
func (d *DB) PendingDelivery(ctx context.Context, limit int) ([]*alert.Alert, error) {
	processed := false
	return d.QueryAlerts(ctx, AlertFilter{
		Statuses:  alert.OpenStatuses(),
		Processed: &processed,
		Limit:     limit,
		Oldest:    true,
	})
}

// ArchiveResolved archives resolved alerts created before cutoff.
func (d *DB) ArchiveResolved(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := d.exec(ctx,
		`UPDATE alerts SET status = ?, updated_at = ?
		WHERE status IN (`+placeholders(len(archiveFrom))+`) AND created_at < ?`,
		append(append([]any{string(alert.StatusArchived), formatTime(now)}, statusArgs(archiveFrom)...),
			formatTime(cutoff))...,
	)
	if err != nil {
		return 0, fmt.Errorf("archiving resolved alerts: %w", err)
	}
	return res.RowsAffected()
}

// AutoResolveLow force-resolves new or acknowledged low-severity alerts
// created before cutoff.
func (d *DB) AutoResolveLow(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := d.exec(ctx,
		`UPDATE alerts SET status = ?, resolved_at = ?, resolved_by = ?, resolution = ?, updated_at = ?
		WHERE severity = ? AND status IN (`+placeholders(len(autoResolveFrom))+`) AND created_at < ?`,
		append(append([]any{string(alert.StatusAutoResolved), formatTime(now), "system",
			"auto-resolved: low severity past retention", formatTime(now), string(alert.SevLow)},
			statusArgs(autoResolveFrom)...), formatTime(cutoff))...,
	)
	if err != nil {
		return 0, fmt.Errorf("auto-resolving low alerts: %w", err)
	}
	return res.RowsAffected()
}

// AlertStats summarizes alerts created in a period.
type AlertStats struct {
	Since      time.Time      `json:"since"`
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"by_severity"`
	ByType     map[string]int `json:"by_type"`
	ByStatus   map[string]int `json:"by_status"`
	Escalated  int            `json:"escalated"`
}

// Stats returns alert counts for alerts created at or after since.
func (d *DB) Stats(ctx context.Context, since time.Time) (AlertStats, error) {
	stats := AlertStats{
		Since:      since,
		BySeverity: make(map[string]int),
		ByType:     make(map[string]int),
		ByStatus:   make(map[string]int),
	}
	cutoff := formatTime(since)

	for col, dst := range map[string]map[string]int{
		"severity": stats.BySeverity,
		"type":     stats.ByType,
		"status":   stats.ByStatus,
	} {
		rows, err := d.query(ctx,
			`SELECT `+col+`, COUNT(*) FROM alerts WHERE created_at >= ? GROUP BY `+col, cutoff)
		if err != nil {
			return stats, fmt.Errorf("counting alerts by %s: %w", col, err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return stats, fmt.Errorf("scanning %s count: %w", col, err)
			}
			dst[key] = n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return stats, fmt.Errorf("counting alerts by %s: %w", col, err)
		}
	}

	for _, n := range stats.BySeverity {
		stats.Total += n
	}

	err := d.queryRow(ctx,
		`SELECT COUNT(*) FROM alerts WHERE created_at >= ? AND escalation_level > 0`, cutoff,
	).Scan(&stats.Escalated)
	if err != nil {
		return stats, fmt.Errorf("counting escalated alerts: %w", err)
	}
	return stats, nil
}

func scanAlert(rows *sql.Rows) (*alert.Alert, error) {
	var a alert.Alert
	var typ, severity, status, createdAt, updatedAt string
	var detailsJSON, source, metaJSON, ackBy, resolvedBy, resolution sql.NullString
	var lastOcc, lastEsc, ackAt, resolvedAt sql.NullString

	err := rows.Scan(
		&a.ID,
		&typ,
		&severity,
		&a.Priority,
		&a.Title,
		&a.Message,
		&detailsJSON,
		&source,
		&status,
		&a.Signature,
		&a.DuplicateCount,
		&lastOcc,
		&a.EscalationLevel,
		&lastEsc,
		&ackAt,
		&ackBy,
		&resolvedAt,
		&resolvedBy,
		&resolution,
		&metaJSON,
		&a.Notified,
		&a.Processed,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning alert row: %w", err)
	}

	a.Type = alert.Type(typ)
	a.Severity = alert.Severity(severity)
	a.Status = alert.Status(status)
	a.Source = source.String
	a.AcknowledgedBy = ackBy.String
	a.ResolvedBy = resolvedBy.String
	a.Resolution = resolution.String
	a.LastOccurrence = parseNullTime(lastOcc)
	a.LastEscalation = parseNullTime(lastEsc)
	a.AcknowledgedAt = parseNullTime(ackAt)
	a.ResolvedAt = parseNullTime(resolvedAt)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	if detailsJSON.String != "" && detailsJSON.String != "null" {
		_ = json.Unmarshal([]byte(detailsJSON.String), &a.Details)
	}
	if metaJSON.String != "" && metaJSON.String != "null" {
		_ = json.Unmarshal([]byte(metaJSON.String), &a.Metadata)
	}

	return &a, nil
}
