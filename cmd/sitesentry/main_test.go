package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/setevik/sitesentry/internal/alert"
	"github.com/setevik/sitesentry/internal/config"
	"github.com/setevik/sitesentry/internal/event"
	"github.com/setevik/sitesentry/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Instance.ID = "test-site"
	cfg.DB.Path = filepath.Join(dir, "sitesentry.db")
	cfg.Responder.QuarantineDir = filepath.Join(dir, "quarantine")
	cfg.Responder.BackupDir = filepath.Join(dir, "backups")
	cfg.Responder.BlocklistPath = filepath.Join(dir, "blocked.txt")
	cfg.API.Listen = ""
	return cfg
}

func TestOpenAppWiresDefaults(t *testing.T) {
	a, err := openApp(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("openApp: %v", err)
	}
	defer a.Close()

	got := strings.Join(a.alerts.Channels(), ",")
	if got != "dashboard,log" {
		t.Errorf("channels = %q, want dashboard,log", got)
	}
}

func TestSchedulerTasks(t *testing.T) {
	a, err := openApp(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("openApp: %v", err)
	}
	defer a.Close()

	s := a.scheduler()
	ctx := context.Background()
	for _, name := range []string{"queue", "delivery", "escalation", "ratelimit_reset", "cleanup"} {
		if err := s.RunNow(ctx, name); err != nil {
			t.Errorf("task %s: %v", name, err)
		}
	}
	// No watch paths or site root configured.
	for _, name := range []string{"integrity", "malware_scan"} {
		if err := s.RunNow(ctx, name); err == nil {
			t.Errorf("task %s should not be registered", name)
		}
	}
	if runs := s.LastRuns(); len(runs) != 5 {
		t.Errorf("recorded %d runs, want 5", len(runs))
	}
}

func TestCriticalEventReachesDashboard(t *testing.T) {
	a, err := openApp(context.Background(), testConfig(t))
	if err != nil {
		t.Fatalf("openApp: %v", err)
	}
	defer a.Close()
	ctx := context.Background()

	err = a.proc.QueueEvent(ctx, event.TypeMalwareDetected, event.Data{
		event.KeyFilePath: "/var/www/html/wp-content/uploads/shell.php",
		"threat_score":    95,
	}, event.PriorityCritical)
	if err != nil {
		t.Fatalf("QueueEvent: %v", err)
	}

	alerts, err := a.alerts.List(ctx, store.AlertFilter{Severity: alert.SevCritical})
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 {
		t.Fatalf("critical alerts = %d, want 1", len(alerts))
	}

	notes, err := a.db.Notifications(ctx, true, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].AlertID != alerts[0].ID {
		t.Errorf("dashboard notifications = %+v", notes)
	}
}

func TestIngestSources(t *testing.T) {
	cfg := config.Default()
	if n := len(ingestSources(cfg, nil)); n != 0 {
		t.Errorf("default config has %d ingest sources, want 0", n)
	}

	cfg.Ingest.PipeCommand = []string{"tail", "-F", "/var/log/nginx/access.log"}
	cfg.Ingest.NATSURL = "nats://127.0.0.1:4222"
	if n := len(ingestSources(cfg, nil)); n != 2 {
		t.Errorf("ingest sources = %d, want 2", n)
	}
}

func TestPrintAlerts(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printAlerts(&buf, []*alert.Alert{{
		ID:              "a1",
		Type:            alert.TypeBruteForceAttack,
		Severity:        alert.SevHigh,
		Status:          alert.StatusEscalated,
		Title:           "Brute force attack from 203.0.113.9",
		Message:         "6 failed logins in 15m\nsecond line",
		DuplicateCount:  3,
		EscalationLevel: 1,
		CreatedAt:       now,
	}})

	out := buf.String()
	for _, want := range []string{
		"[HIGH] brute_force_attack",
		"ID: a1 (escalated, seen 3 times, escalation 1)",
		"6 failed logins in 15m\n",
		"Total: 1 alert(s)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "second line") {
		t.Error("only the first message line should be printed")
	}
}

func TestPrintStats(t *testing.T) {
	var buf bytes.Buffer
	printStats(&buf, "week", store.AlertStats{
		Total:      4,
		BySeverity: map[string]int{"high": 3, "low": 1},
		ByType:     map[string]int{"brute_force_attack": 3, "admin_activity": 1},
		ByStatus:   map[string]int{"new": 4},
		Escalated:  2,
	})
	out := buf.String()
	for _, want := range []string{"Alerts:       4", "high        3", "brute_force_attack", "Escalated:    2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWatchdogInterval(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "30000000")
	if got := watchdogInterval(); got != 30*time.Second {
		t.Errorf("watchdogInterval = %v, want 30s", got)
	}
	t.Setenv("WATCHDOG_USEC", "")
	if got := watchdogInterval(); got != 0 {
		t.Errorf("unset watchdogInterval = %v, want 0", got)
	}
}
