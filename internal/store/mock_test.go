package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/setevik/sitesentry/internal/event"
)

func mockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("creating sqlmock: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return New(conn, DriverSQLite), mock
}

func TestSaveQueueRollsBackOnFailure(t *testing.T) {
	db, mock := mockDB(t)
	ev := event.New(event.TypeFileChange, event.Data{event.KeyFilePath: "/x"}, event.PriorityLow, time.Now())

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM event_queue").WillReturnResult(sqlmock.NewResult(0, 3))
	prep := mock.ExpectPrepare("INSERT INTO event_queue")
	prep.ExpectExec().WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := db.SaveQueue(context.Background(), []*event.Event{ev})
	if err == nil {
		t.Fatal("expected error from failing insert")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestInsertEventError(t *testing.T) {
	db, mock := mockDB(t)
	ev := event.New(event.TypeLoginFailure, event.Data{event.KeyIPAddress: "10.0.0.1"}, event.PriorityHigh, time.Now())

	mock.ExpectExec("INSERT INTO events").WillReturnError(errors.New("database is locked"))

	if err := db.InsertEvent(context.Background(), ev); err == nil {
		t.Fatal("expected insert error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPingFailure(t *testing.T) {
	db, mock := mockDB(t)
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	if err := db.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresPlaceholders(t *testing.T) {
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	db := New(conn, DriverPostgres)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM events WHERE type = \$1 AND ip_address = \$2 AND created_at >= \$3`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	n, err := db.CountRecentEvents(context.Background(), event.TypeLoginFailure, "10.0.0.1", time.Now())
	if err != nil {
		t.Fatalf("CountRecentEvents: %v", err)
	}
	if n != 4 {
		t.Errorf("count = %d, want 4", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
