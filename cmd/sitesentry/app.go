package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/setevik/sitesentry/internal/alerting"
	"github.com/setevik/sitesentry/internal/channel"
	"github.com/setevik/sitesentry/internal/collector"
	"github.com/setevik/sitesentry/internal/config"
	"github.com/setevik/sitesentry/internal/correlation"
	"github.com/setevik/sitesentry/internal/metrics"
	"github.com/setevik/sitesentry/internal/processor"
	"github.com/setevik/sitesentry/internal/ratelimit"
	"github.com/setevik/sitesentry/internal/responder"
	"github.com/setevik/sitesentry/internal/risk"
	"github.com/setevik/sitesentry/internal/scheduler"
	"github.com/setevik/sitesentry/internal/store"
)

// app holds the wired components shared by the daemon and the CLI.
type app struct {
	cfg       *config.Config
	db        *store.DB
	reg       *prometheus.Registry
	metrics   *metrics.Metrics
	redis     *redis.Client
	channels  *channel.Registry
	scorer    *risk.Scorer
	responder *responder.Responder
	alerts    *alerting.Manager
	proc      *processor.Processor
	scanner   *collector.Scanner
	integrity *collector.Integrity
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := store.Open(cfg.DB.Driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a := &app{cfg: cfg, db: db}

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.reg)

	counter, err := a.counter(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	limiter := ratelimit.NewLimiter(counter, cfg.Alerts.MaxPerHour, cfg.Alerts.MaxPerDay, nil)

	a.channels, err = channel.FromConfig(cfg, db)
	if err != nil {
		a.Close()
		return nil, err
	}

	rules, err := correlation.Load(cfg.Processor.RulesFile)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("loading correlation rules: %w", err)
	}

	a.scorer = risk.NewScorer(risk.NewReputation(cfg.Collector.MaliciousIPs, cfg.Collector.ReputationCacheSize), nil)
	a.responder = responder.New(cfg.Responder, cfg.Collector.SiteRoot, db, a.scorer.Reputation(), nil)
	a.alerts = alerting.New(db, limiter, a.channels, a.responder, a.metrics, alerting.OptionsFromConfig(cfg), nil)
	a.scanner = collector.NewScanner(int64(cfg.Collector.ScanMaxBytes))
	a.integrity = collector.NewIntegrity(db, nil)

	a.proc = processor.New(processor.Deps{
		DB:         db,
		Alerts:     a.alerts,
		Correlator: correlation.NewEngine(rules, db),
		Scorer:     a.scorer,
		Responder:  a.responder,
		Activity:   collector.NewActivity(db, cfg.Collector.BruteForceThreshold, cfg.Collector.BruteForceWindow.Duration),
		Scanner:    a.scanner,
		Metrics:    a.metrics,
	}, processor.OptionsFromConfig(cfg), nil)

	return a, nil
}

// counter picks the rate-limit counter backend.
func (a *app) counter(ctx context.Context) (ratelimit.Counter, error) {
	if a.cfg.RateLimit.Backend != "redis" {
		return ratelimit.NewMemoryCounter(nil), nil
	}
	client, err := ratelimit.ConnectRedis(ctx, a.cfg.RateLimit.RedisAddr, a.cfg.RateLimit.RedisPassword, a.cfg.RateLimit.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("connecting rate-limit redis: %w", err)
	}
	a.redis = client
	slog.Info("rate limit counters in redis", "addr", a.cfg.RateLimit.RedisAddr)
	return ratelimit.NewRedisCounter(client, "sitesentry:"+a.cfg.Instance.ID+":"), nil
}

func (a *app) Close() {
	if a.channels != nil {
		if err := a.channels.Close(); err != nil {
			slog.Warn("closing channels", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	_ = a.db.Close()
}

// scheduler registers the periodic background tasks.
func (a *app) scheduler() *scheduler.Scheduler {
	s := scheduler.New(a.metrics)
	sc := a.cfg.Schedule

	s.Add(scheduler.Task{
		Name:      "queue",
		Interval:  sc.QueueInterval.Duration,
		Immediate: true,
		Run: func(ctx context.Context) error {
			rep, err := a.proc.ProcessEventQueue(ctx)
			if err == nil && rep.Processed+rep.Failed > 0 {
				slog.Info("event queue drained", "processed", rep.Processed, "failed", rep.Failed, "dropped", rep.Dropped, "remaining", rep.Remaining)
			}
			return err
		},
	})
	s.Add(scheduler.Task{
		Name:     "delivery",
		Interval: sc.DeliveryInterval.Duration,
		Run: func(ctx context.Context) error {
			_, err := a.alerts.ProcessBatch(ctx)
			return err
		},
	})
	s.Add(scheduler.Task{
		Name:     "escalation",
		Interval: sc.EscalationInterval.Duration,
		Run: func(ctx context.Context) error {
			_, err := a.alerts.ProcessEscalations(ctx)
			return err
		},
	})
	s.Add(scheduler.Task{
		Name:     "ratelimit_reset",
		Interval: sc.RateLimitResetInterval.Duration,
		Run:      a.alerts.ResetRateLimits,
	})
	s.Add(scheduler.Task{
		Name:      "cleanup",
		Interval:  sc.CleanupInterval.Duration,
		Immediate: true,
		Run: func(ctx context.Context) error {
			if _, err := a.proc.CleanupOldEvents(ctx); err != nil {
				return err
			}
			_, err := a.alerts.Cleanup(ctx)
			return err
		},
	})

	if paths := a.cfg.Collector.WatchPaths; len(paths) > 0 {
		s.Add(scheduler.Task{
			Name:      "integrity",
			Interval:  sc.IntegrityInterval.Duration,
			Immediate: true,
			Run: func(ctx context.Context) error {
				rep, err := a.integrity.Check(ctx, paths, a.proc)
				if err == nil {
					slog.Info("integrity check done", "checked", rep.Checked, "created", len(rep.Created), "changed", len(rep.Changed), "deleted", len(rep.Deleted), "seeded", rep.Seeded)
				}
				return err
			},
		})
	}
	if root := a.cfg.Collector.SiteRoot; root != "" {
		s.Add(scheduler.Task{
			Name:     "malware_scan",
			Interval: sc.IntegrityInterval.Duration,
			Run: func(ctx context.Context) error {
				findings, err := a.scanner.ScanTree(ctx, root, a.proc)
				if len(findings) > 0 {
					slog.Warn("malware scan found suspicious files", "count", len(findings))
				}
				return err
			},
		})
	}
	return s
}

// shutdownTimeout bounds the final queue snapshot on exit.
const shutdownTimeout = 10 * time.Second
