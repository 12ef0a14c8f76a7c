// Package config handles TOML configuration loading with sensible defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/setevik/sitesentry/internal/format"
)

// Config is the top-level configuration for sitesentry.
type Config struct {
	Instance  InstanceConfig  `toml:"instance"`
	Log       LogConfig       `toml:"log"`
	DB        DBConfig        `toml:"db"`
	Processor ProcessorConfig `toml:"processor"`
	Alerts    AlertsConfig    `toml:"alerts"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Channels  ChannelsConfig  `toml:"channels"`
	Responder ResponderConfig `toml:"responder"`
	Collector CollectorConfig `toml:"collector"`
	Ingest    IngestConfig    `toml:"ingest"`
	API       APIConfig       `toml:"api"`
	Schedule  ScheduleConfig  `toml:"schedule"`
}

// InstanceConfig identifies the monitored site.
type InstanceConfig struct {
	ID      string `toml:"id"`
	SiteURL string `toml:"site_url"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// DBConfig selects the storage backend and retention.
type DBConfig struct {
	Driver         string   `toml:"driver"` // sqlite3 or postgres
	Path           string   `toml:"path"`   // sqlite3 file
	DSN            string   `toml:"dsn"`    // postgres connection string
	EventRetention Duration `toml:"event_retention"`
	AlertRetention Duration `toml:"alert_retention"`
}

// ProcessorConfig tunes the event queue and processing pipeline.
type ProcessorConfig struct {
	MaxQueueSize       int      `toml:"max_queue_size"`
	BatchSize          int      `toml:"batch_size"`
	MaxProcessingTime  Duration `toml:"max_processing_time"`
	MaxAttempts        int      `toml:"max_attempts"`
	RealtimeProcessing bool     `toml:"realtime_processing"`
	CorrelationEnabled bool     `toml:"correlation_enabled"`
	RiskScoringEnabled bool     `toml:"risk_scoring_enabled"`
	RulesFile          string   `toml:"rules_file"`
}

// AlertsConfig controls dedup, rate limits, retention and escalation.
type AlertsConfig struct {
	DuplicateWindow     Duration `toml:"duplicate_window"`
	MaxPerHour          int      `toml:"max_per_hour"`
	MaxPerDay           int      `toml:"max_per_day"`
	LowAutoResolveAfter Duration `toml:"low_autoresolve_after"`
	BatchSize           int      `toml:"batch_size"`

	// Escalation is keyed by severity. A table in the file replaces that
	// severity's default policy as a whole.
	Escalation map[string]EscalationConfig `toml:"escalation"`
}

// EscalationConfig is the delivery policy for one severity.
type EscalationConfig struct {
	ImmediateNotify bool     `toml:"immediate_notify"`
	Delay           Duration `toml:"delay"`
	MaxEscalations  int      `toml:"max_escalations"`
	Channels        []string `toml:"channels"`
	AutoResponse    bool     `toml:"auto_response"`
}

// RateLimitConfig selects where rate-limit counters live.
type RateLimitConfig struct {
	Backend       string `toml:"backend"` // memory or redis
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
}

// ChannelsConfig holds per-channel settings.
type ChannelsConfig struct {
	Dashboard DashboardConfig  `toml:"dashboard"`
	Email     EmailConfig      `toml:"email"`
	Webhook   WebhookConfig    `toml:"webhook"`
	Ntfy      NtfyConfig       `toml:"ntfy"`
	Slack     SlackConfig      `toml:"slack"`
	Kafka     KafkaConfig      `toml:"kafka"`
	Log       LogChannelConfig `toml:"log"`
}

// DashboardConfig controls the in-app notification inbox.
type DashboardConfig struct {
	Enabled          bool `toml:"enabled"`
	RateLimitPerHour int  `toml:"rate_limit_per_hour"`
}

// EmailConfig controls email delivery through Resend.
type EmailConfig struct {
	Enabled          bool     `toml:"enabled"`
	RateLimitPerHour int      `toml:"rate_limit_per_hour"`
	APIKey           string   `toml:"api_key"`
	From             string   `toml:"from"`
	To               []string `toml:"to"`
}

// WebhookConfig controls signed JSON webhook delivery.
type WebhookConfig struct {
	Enabled          bool     `toml:"enabled"`
	RateLimitPerHour int      `toml:"rate_limit_per_hour"`
	URL              string   `toml:"url"`
	Secret           string   `toml:"secret"`
	Timeout          Duration `toml:"timeout"`
}

// NtfyConfig controls the ntfy push target.
type NtfyConfig struct {
	Enabled          bool              `toml:"enabled"`
	RateLimitPerHour int               `toml:"rate_limit_per_hour"`
	URL              string            `toml:"url"`
	PriorityMap      map[string]string `toml:"priority_map"`
}

// SlackConfig controls Slack incoming-webhook delivery.
type SlackConfig struct {
	Enabled          bool   `toml:"enabled"`
	RateLimitPerHour int    `toml:"rate_limit_per_hour"`
	WebhookURL       string `toml:"webhook_url"`
	Channel          string `toml:"channel"`
}

// KafkaConfig controls publishing alerts to a Kafka topic.
type KafkaConfig struct {
	Enabled          bool     `toml:"enabled"`
	RateLimitPerHour int      `toml:"rate_limit_per_hour"`
	Brokers          []string `toml:"brokers"`
	Topic            string   `toml:"topic"`
}

// LogChannelConfig controls the structured-log channel.
type LogChannelConfig struct {
	Enabled          bool `toml:"enabled"`
	RateLimitPerHour int  `toml:"rate_limit_per_hour"`
}

// ResponderConfig controls automated response actions.
type ResponderConfig struct {
	Enabled         bool   `toml:"enabled"`
	QuarantineDir   string `toml:"quarantine_dir"`
	BackupDir       string `toml:"backup_dir"`
	BlocklistPath   string `toml:"blocklist_path"`
	MaintenanceFile string `toml:"maintenance_file"`
	BlockBruteForce bool   `toml:"block_brute_force"`
}

// CollectorConfig controls the built-in collectors.
type CollectorConfig struct {
	SiteRoot            string   `toml:"site_root"`
	WatchPaths          []string `toml:"watch_paths"`
	MaliciousIPs        []string `toml:"malicious_ips"`
	ReputationCacheSize int      `toml:"reputation_cache_size"`
	BruteForceThreshold int      `toml:"brute_force_threshold"`
	BruteForceWindow    Duration `toml:"brute_force_window"`
	ScanMaxBytes        ByteSize `toml:"scan_max_bytes"`
}

// IngestConfig controls collector transports.
type IngestConfig struct {
	PipeCommand []string `toml:"pipe_command"`
	NATSURL     string   `toml:"nats_url"`
	NATSSubject string   `toml:"nats_subject"`
	NATSQueue   string   `toml:"nats_queue"`
}

// APIConfig controls the admin HTTP surface.
type APIConfig struct {
	Listen string `toml:"listen"`
}

// ScheduleConfig sets background task periods.
type ScheduleConfig struct {
	QueueInterval          Duration `toml:"queue_interval"`
	DeliveryInterval       Duration `toml:"delivery_interval"`
	EscalationInterval     Duration `toml:"escalation_interval"`
	RateLimitResetInterval Duration `toml:"ratelimit_reset_interval"`
	CleanupInterval        Duration `toml:"cleanup_interval"`
	IntegrityInterval      Duration `toml:"integrity_interval"`
}

// Duration wraps time.Duration for TOML string parsing (e.g. "5m", "1h", "7d").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = format.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ByteSize is a byte count written either as an integer or as text ("5MB").
type ByteSize int64

func (b *ByteSize) UnmarshalTOML(v any) error {
	switch v := v.(type) {
	case int64:
		if v < 0 {
			return fmt.Errorf("negative size %d", v)
		}
		*b = ByteSize(v)
		return nil
	case string:
		n, err := format.ParseSize(v)
		if err != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	default:
		return fmt.Errorf("size must be an integer or a string, got %T", v)
	}
}

func (b ByteSize) String() string { return format.Size(int64(b)) }

// Default returns a Config with sensible defaults.
func Default() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return &Config{
		Instance: InstanceConfig{
			ID: hostname,
		},
		Log: LogConfig{
			Level: "info",
		},
		DB: DBConfig{
			Driver:         "sqlite3",
			Path:           filepath.Join(dataHome(), "sitesentry", "sitesentry.db"),
			EventRetention: Duration{7 * 24 * time.Hour},
			AlertRetention: Duration{90 * 24 * time.Hour},
		},
		Processor: ProcessorConfig{
			MaxQueueSize:       1000,
			BatchSize:          50,
			MaxProcessingTime:  Duration{30 * time.Second},
			MaxAttempts:        3,
			RealtimeProcessing: true,
			CorrelationEnabled: true,
			RiskScoringEnabled: true,
		},
		Alerts: AlertsConfig{
			DuplicateWindow:     Duration{5 * time.Minute},
			MaxPerHour:          50,
			MaxPerDay:           200,
			LowAutoResolveAfter: Duration{7 * 24 * time.Hour},
			BatchSize:           100,
			Escalation: map[string]EscalationConfig{
				"critical": {
					ImmediateNotify: true,
					Delay:           Duration{5 * time.Minute},
					MaxEscalations:  3,
					Channels:        []string{"dashboard", "email", "ntfy", "slack", "webhook", "log"},
					AutoResponse:    true,
				},
				"high": {
					ImmediateNotify: true,
					Delay:           Duration{15 * time.Minute},
					MaxEscalations:  2,
					Channels:        []string{"dashboard", "email", "slack", "log"},
				},
				"medium": {
					Delay:          Duration{30 * time.Minute},
					MaxEscalations: 1,
					Channels:       []string{"dashboard", "email", "log"},
				},
				"low": {
					Channels: []string{"dashboard", "log"},
				},
			},
		},
		RateLimit: RateLimitConfig{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
		},
		Channels: ChannelsConfig{
			Dashboard: DashboardConfig{Enabled: true, RateLimitPerHour: 200},
			Email:     EmailConfig{RateLimitPerHour: 20},
			Webhook:   WebhookConfig{RateLimitPerHour: 100, Timeout: Duration{10 * time.Second}},
			Ntfy: NtfyConfig{
				RateLimitPerHour: 30,
				PriorityMap: map[string]string{
					"critical": "urgent",
					"high":     "high",
					"medium":   "default",
					"low":      "low",
				},
			},
			Slack: SlackConfig{RateLimitPerHour: 60},
			Kafka: KafkaConfig{RateLimitPerHour: 1000, Topic: "sitesentry.alerts"},
			Log:   LogChannelConfig{Enabled: true},
		},
		Responder: ResponderConfig{
			Enabled:         true,
			QuarantineDir:   filepath.Join(dataHome(), "sitesentry", "quarantine"),
			BackupDir:       filepath.Join(dataHome(), "sitesentry", "backups"),
			BlocklistPath:   filepath.Join(dataHome(), "sitesentry", "blocked-ips.txt"),
			BlockBruteForce: true,
		},
		Collector: CollectorConfig{
			ReputationCacheSize: 4096,
			BruteForceThreshold: 5,
			BruteForceWindow:    Duration{15 * time.Minute},
			ScanMaxBytes:        ByteSize(5 * format.MiB),
		},
		Ingest: IngestConfig{
			NATSSubject: "sitesentry.events",
			NATSQueue:   "sitesentry",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8470",
		},
		Schedule: ScheduleConfig{
			QueueInterval:          Duration{30 * time.Second},
			DeliveryInterval:       Duration{5 * time.Minute},
			EscalationInterval:     Duration{5 * time.Minute},
			RateLimitResetInterval: Duration{time.Hour},
			CleanupInterval:        Duration{24 * time.Hour},
			IntegrityInterval:      Duration{time.Hour},
		},
	}
}

func dataHome() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return os.TempDir()
	}
	return filepath.Join(home, ".local", "share")
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(configDir, "sitesentry", "config.toml")
}

// Load reads configuration from the given path, falling back to defaults
// for any unset fields. If the file does not exist, returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside the pipeline.
func (c *Config) Validate() error {
	var errs []error
	switch c.DB.Driver {
	case "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("db.driver must be sqlite3 or postgres, got %q", c.DB.Driver))
	}
	if c.DB.Driver == "postgres" && c.DB.DSN == "" {
		errs = append(errs, errors.New("db.dsn is required for postgres"))
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("ratelimit.backend must be memory or redis, got %q", c.RateLimit.Backend))
	}
	if c.Processor.MaxQueueSize <= 0 {
		errs = append(errs, errors.New("processor.max_queue_size must be positive"))
	}
	if c.Processor.BatchSize <= 0 {
		errs = append(errs, errors.New("processor.batch_size must be positive"))
	}
	if c.Processor.MaxAttempts <= 0 {
		errs = append(errs, errors.New("processor.max_attempts must be positive"))
	}
	for sev := range c.Alerts.Escalation {
		switch sev {
		case "low", "medium", "high", "critical":
		default:
			errs = append(errs, fmt.Errorf("alerts.escalation: unknown severity %q", sev))
		}
	}
	return errors.Join(errs...)
}

// DSN returns the data source for the configured driver.
func (c *Config) DSN() string {
	if c.DB.Driver == "postgres" {
		return c.DB.DSN
	}
	return c.DB.Path
}

// NtfyPriority maps a severity string to an ntfy priority string.
func (c *Config) NtfyPriority(severity string) string {
	if p, ok := c.Channels.Ntfy.PriorityMap[strings.ToLower(severity)]; ok {
		return p
	}
	return "default"
}
