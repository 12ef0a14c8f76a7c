package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Instance.ID == "" {
		t.Error("default instance ID should not be empty")
	}
	if cfg.Processor.MaxQueueSize != 1000 {
		t.Errorf("default max queue size = %d, want 1000", cfg.Processor.MaxQueueSize)
	}
	if cfg.Processor.BatchSize != 50 {
		t.Errorf("default batch size = %d, want 50", cfg.Processor.BatchSize)
	}
	if cfg.Processor.MaxProcessingTime.Duration != 30*time.Second {
		t.Errorf("default max processing time = %v, want 30s", cfg.Processor.MaxProcessingTime.Duration)
	}
	if cfg.Processor.MaxAttempts != 3 {
		t.Errorf("default max attempts = %d, want 3", cfg.Processor.MaxAttempts)
	}
	if cfg.Alerts.DuplicateWindow.Duration != 5*time.Minute {
		t.Errorf("default duplicate window = %v, want 5m", cfg.Alerts.DuplicateWindow.Duration)
	}
	if cfg.Alerts.MaxPerHour != 50 || cfg.Alerts.MaxPerDay != 200 {
		t.Errorf("default alert caps = %d/h %d/d, want 50/h 200/d", cfg.Alerts.MaxPerHour, cfg.Alerts.MaxPerDay)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default log level = %q, want %q", cfg.Log.Level, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestDefaultEscalationPolicies(t *testing.T) {
	cfg := Default()

	tests := []struct {
		severity  string
		immediate bool
		delay     time.Duration
		max       int
		auto      bool
	}{
		{"critical", true, 5 * time.Minute, 3, true},
		{"high", true, 15 * time.Minute, 2, false},
		{"medium", false, 30 * time.Minute, 1, false},
		{"low", false, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.severity, func(t *testing.T) {
			p, ok := cfg.Alerts.Escalation[tt.severity]
			if !ok {
				t.Fatalf("no policy for %s", tt.severity)
			}
			if p.ImmediateNotify != tt.immediate {
				t.Errorf("immediate = %v, want %v", p.ImmediateNotify, tt.immediate)
			}
			if p.Delay.Duration != tt.delay {
				t.Errorf("delay = %v, want %v", p.Delay.Duration, tt.delay)
			}
			if p.MaxEscalations != tt.max {
				t.Errorf("max escalations = %d, want %d", p.MaxEscalations, tt.max)
			}
			if p.AutoResponse != tt.auto {
				t.Errorf("auto response = %v, want %v", p.AutoResponse, tt.auto)
			}
			if len(p.Channels) == 0 || p.Channels[0] != "dashboard" {
				t.Errorf("channels = %v, want dashboard first", p.Channels)
			}
		})
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("loading nonexistent config should return defaults, got error: %v", err)
	}
	if cfg.DB.Driver != "sqlite3" {
		t.Errorf("driver = %q, want default %q", cfg.DB.Driver, "sqlite3")
	}
}

func TestLoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
[instance]
id = "blog-prod"
site_url = "https://blog.example.com"

[db]
path = "/var/lib/sitesentry/events.db"
event_retention = "14d"

[processor]
max_queue_size = 500
realtime_processing = false

[alerts]
duplicate_window = "10m"
max_per_hour = 20

[alerts.escalation.high]
immediate_notify = false
delay = "1h"
max_escalations = 4
channels = ["dashboard", "ntfy"]

[ratelimit]
backend = "redis"
redis_addr = "redis:6379"

[channels.ntfy]
enabled = true
url = "https://ntfy.sh/my-site"

[channels.webhook]
enabled = true
url = "https://hooks.example.com/sentry"
secret = "s3cret"
timeout = "3s"

[log]
level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}

	if cfg.Instance.ID != "blog-prod" {
		t.Errorf("instance.id = %q, want %q", cfg.Instance.ID, "blog-prod")
	}
	if cfg.DB.EventRetention.Duration != 14*24*time.Hour {
		t.Errorf("db.event_retention = %v, want 14d", cfg.DB.EventRetention.Duration)
	}
	if cfg.DSN() != "/var/lib/sitesentry/events.db" {
		t.Errorf("DSN = %q", cfg.DSN())
	}
	if cfg.Processor.MaxQueueSize != 500 {
		t.Errorf("processor.max_queue_size = %d, want 500", cfg.Processor.MaxQueueSize)
	}
	if cfg.Processor.RealtimeProcessing {
		t.Error("processor.realtime_processing should be false")
	}
	if cfg.Processor.BatchSize != 50 {
		t.Errorf("unset batch_size should keep default, got %d", cfg.Processor.BatchSize)
	}
	if cfg.Alerts.DuplicateWindow.Duration != 10*time.Minute {
		t.Errorf("alerts.duplicate_window = %v, want 10m", cfg.Alerts.DuplicateWindow.Duration)
	}

	high := cfg.Alerts.Escalation["high"]
	if high.Delay.Duration != time.Hour || high.MaxEscalations != 4 || high.ImmediateNotify {
		t.Errorf("high policy = %+v", high)
	}
	if _, ok := cfg.Alerts.Escalation["critical"]; !ok {
		t.Error("critical policy should survive a partial escalation override")
	}

	if cfg.RateLimit.Backend != "redis" || cfg.RateLimit.RedisAddr != "redis:6379" {
		t.Errorf("ratelimit = %+v", cfg.RateLimit)
	}
	if !cfg.Channels.Ntfy.Enabled || cfg.Channels.Ntfy.URL != "https://ntfy.sh/my-site" {
		t.Errorf("channels.ntfy = %+v", cfg.Channels.Ntfy)
	}
	if cfg.Channels.Ntfy.RateLimitPerHour != 30 {
		t.Errorf("ntfy rate limit should keep default 30, got %d", cfg.Channels.Ntfy.RateLimitPerHour)
	}
	if cfg.Channels.Webhook.Timeout.Duration != 3*time.Second {
		t.Errorf("webhook timeout = %v", cfg.Channels.Webhook.Timeout.Duration)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q, want %q", cfg.Log.Level, "debug")
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	if err := os.WriteFile(path, []byte("not valid [[[ toml"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid TOML, got nil")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"driver", "[db]\ndriver = \"mysql\"\n", "db.driver"},
		{"postgres without dsn", "[db]\ndriver = \"postgres\"\n", "db.dsn"},
		{"backend", "[ratelimit]\nbackend = \"memcached\"\n", "ratelimit.backend"},
		{"queue size", "[processor]\nmax_queue_size = 0\n", "max_queue_size"},
		{"severity", "[alerts.escalation.urgent]\ndelay = \"1m\"\n", "unknown severity"},
		{"duration", "[alerts]\nduplicate_window = \"soon\"\n", "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestScanMaxBytes(t *testing.T) {
	tests := []struct {
		value string
		want  ByteSize
	}{
		{`"2MB"`, 2 << 20},
		{`"512 KB"`, 512 << 10},
		{`1048576`, 1 << 20},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			content := "[collector]\nscan_max_bytes = " + tt.value + "\n"
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Collector.ScanMaxBytes != tt.want {
				t.Errorf("scan_max_bytes = %d, want %d", cfg.Collector.ScanMaxBytes, tt.want)
			}
		})
	}

	if Default().Collector.ScanMaxBytes.String() != "5.0 MB" {
		t.Errorf("default scan limit = %s", Default().Collector.ScanMaxBytes)
	}

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[collector]\nscan_max_bytes = \"huge\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for unparseable size")
	}
}

func TestNtfyPriority(t *testing.T) {
	cfg := Default()

	if p := cfg.NtfyPriority("critical"); p != "urgent" {
		t.Errorf("critical priority = %q, want %q", p, "urgent")
	}
	if p := cfg.NtfyPriority("HIGH"); p != "high" {
		t.Errorf("high priority = %q, want %q", p, "high")
	}
	if p := cfg.NtfyPriority("unknown"); p != "default" {
		t.Errorf("unknown priority = %q, want %q", p, "default")
	}
}
