// Package store provides SQL-backed persistence for events, the queue
// snapshot, alerts, file baselines and response actions.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// ErrEventExists is returned when an event id is already persisted.
var ErrEventExists = errors.New("event already persisted")

// tsLayout is fixed-width so that stored timestamps sort lexicographically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps an SQL connection for sitesentry storage.
type DB struct {
	db     *sql.DB
	driver string
}

// Open opens or creates a database. For sqlite3 dsn is a file path; for
// postgres it is a connection string.
func Open(driver, dsn string) (*DB, error) {
	if driver == "" {
		driver = DriverSQLite
	}

	var db *sql.DB
	var err error
	switch driver {
	case DriverSQLite:
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
		db, err = sql.Open(DriverSQLite, dsn+"?_journal_mode=WAL&_busy_timeout=5000")
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		// Single writer connection to avoid SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	case DriverPostgres:
		db, err = sql.Open(DriverPostgres, dsn)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("pinging database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	d := &DB{db: db, driver: driver}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return d, nil
}

// New wraps an already-open connection without running migrations.
func New(db *sql.DB, driver string) *DB {
	return &DB{db: db, driver: driver}
}

// Close closes the database.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Ping verifies the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unavailable: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (d *DB) rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return d.db.ExecContext(ctx, d.rebind(query), args...)
}

func (d *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, d.rebind(query), args...)
}

func (d *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, d.rebind(query), args...)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// nullTime stores zero times as NULL.
func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseNullTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	return parseTime(s.String)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id               TEXT PRIMARY KEY,
			type             TEXT NOT NULL,
			priority         TEXT NOT NULL,
			ip_address       TEXT,
			user_id          TEXT,
			data_json        TEXT,
			risk_score       INTEGER DEFAULT 0,
			correlation_id   TEXT,
			correlation_json TEXT,
			result_json      TEXT,
			attempts         INTEGER DEFAULT 0,
			created_at       TEXT NOT NULL,
			processed_at     TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_ts ON events(type, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ip ON events(ip_address, type, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id)`,
		`CREATE TABLE IF NOT EXISTS event_queue (
			position   INTEGER NOT NULL,
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			priority   TEXT NOT NULL,
			data_json  TEXT,
			attempts   INTEGER DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id               TEXT PRIMARY KEY,
			type             TEXT NOT NULL,
			severity         TEXT NOT NULL,
			priority         INTEGER NOT NULL,
			title            TEXT NOT NULL,
			message          TEXT NOT NULL,
			details_json     TEXT,
			source           TEXT,
			status           TEXT NOT NULL,
			signature        TEXT NOT NULL,
			duplicate_count  INTEGER DEFAULT 1,
			last_occurrence  TEXT,
			escalation_level INTEGER DEFAULT 0,
			last_escalation  TEXT,
			acknowledged_at  TEXT,
			acknowledged_by  TEXT,
			resolved_at      TEXT,
			resolved_by      TEXT,
			resolution       TEXT,
			metadata_json    TEXT,
			notified         BOOLEAN DEFAULT FALSE,
			processed        BOOLEAN DEFAULT FALSE,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_signature ON alerts(signature, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status, severity, created_at)`,
		`CREATE TABLE IF NOT EXISTS file_baselines (
			path       TEXT PRIMARY KEY,
			sha256     TEXT NOT NULL,
			size       INTEGER NOT NULL,
			checked_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS response_actions (
			id          TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			target      TEXT,
			reason      TEXT,
			outcome     TEXT NOT NULL,
			detail      TEXT,
			executed_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dashboard_notifications (
			id         TEXT PRIMARY KEY,
			alert_id   TEXT NOT NULL,
			mode       TEXT NOT NULL,
			severity   TEXT NOT NULL,
			title      TEXT NOT NULL,
			body       TEXT,
			escalation INTEGER DEFAULT 0,
			seen       BOOLEAN DEFAULT FALSE,
			created_at TEXT NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	slog.Debug("database schema up to date", "driver", d.driver)
	return nil
}
