package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Baseline is the last known-good hash of a monitored file.
type Baseline struct {
	Path      string
	SHA256    string
	Size      int64
	CheckedAt time.Time
}

// GetBaseline returns the stored baseline for path.
func (d *DB) GetBaseline(ctx context.Context, path string) (Baseline, bool, error) {
	b := Baseline{Path: path}
	var checkedAt string
	err := d.queryRow(ctx,
		`SELECT sha256, size, checked_at FROM file_baselines WHERE path = ?`, path,
	).Scan(&b.SHA256, &b.Size, &checkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Baseline{}, false, nil
	}
	if err != nil {
		return Baseline{}, false, fmt.Errorf("reading baseline: %w", err)
	}
	b.CheckedAt = parseTime(checkedAt)
	return b, true, nil
}

// UpsertBaseline records b as the current baseline for its path.
func (d *DB) UpsertBaseline(ctx context.Context, b Baseline) error {
	_, err := d.exec(ctx,
		`INSERT INTO file_baselines (path, sha256, size, checked_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (path) DO UPDATE SET sha256 = excluded.sha256, size = excluded.size,
			checked_at = excluded.checked_at`,
		b.Path, b.SHA256, b.Size, formatTime(b.CheckedAt),
	)
	if err != nil {
		return fmt.Errorf("saving baseline: %w", err)
	}
	return nil
}

// DeleteBaseline forgets path, e.g. after the file was removed.
func (d *DB) DeleteBaseline(ctx context.Context, path string) error {
	if _, err := d.exec(ctx, `DELETE FROM file_baselines WHERE path = ?`, path); err != nil {
		return fmt.Errorf("deleting baseline: %w", err)
	}
	return nil
}

// ListBaselines returns every baseline ordered by path.
func (d *DB) ListBaselines(ctx context.Context) ([]Baseline, error) {
	rows, err := d.query(ctx, `SELECT path, sha256, size, checked_at FROM file_baselines ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("listing baselines: %w", err)
	}
	defer rows.Close()

	var out []Baseline
	for rows.Next() {
		var b Baseline
		var checkedAt string
		if err := rows.Scan(&b.Path, &b.SHA256, &b.Size, &checkedAt); err != nil {
			return nil, fmt.Errorf("scanning baseline: %w", err)
		}
		b.CheckedAt = parseTime(checkedAt)
		out = append(out, b)
	}
	return out, rows.Err()
}
