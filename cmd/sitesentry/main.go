// sitesentry monitors a website for security events (file tampering,
// malware, brute-force logins, suspicious admin activity), correlates and
// scores them, and raises deduplicated, rate-limited alerts that escalate
// through notification channels until someone acknowledges them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/setevik/sitesentry/internal/api"
	"github.com/setevik/sitesentry/internal/config"
	"github.com/setevik/sitesentry/internal/ingest"
	"github.com/setevik/sitesentry/internal/metrics"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runDaemon(os.Args[2:])
			return
		case "alerts":
			runAlerts(os.Args[2:])
			return
		case "ack":
			runAck(os.Args[2:])
			return
		case "resolve":
			runResolve(os.Args[2:])
			return
		case "stats":
			runStats(os.Args[2:])
			return
		case "digest":
			runDigest(os.Args[2:])
			return
		case "status":
			runStatus(os.Args[2:])
			return
		case "test-channel":
			runTestChannel(os.Args[2:])
			return
		case "version":
			fmt.Println("sitesentry", version)
			return
		}
	}

	// Default: run daemon.
	runDaemon(os.Args[1:])
}

func runDaemon(args []string) {
	fs := flag.NewFlagSet("sitesentry", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Parse(args)

	if *showVersion {
		fmt.Println("sitesentry", version)
		os.Exit(0)
	}

	cfg := mustLoadConfig(*configPath)
	setupLogging(cfg.Log.Level)

	slog.Info("sitesentry starting",
		"version", version,
		"instance", cfg.Instance.ID,
		"site", cfg.Instance.SiteURL,
	)

	if err := run(cfg); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	slog.Info("database opened", "driver", cfg.DB.Driver, "channels", a.alerts.Channels())

	restored, err := a.proc.LoadEventQueue(ctx)
	if err != nil {
		slog.Warn("failed to restore event queue", "error", err)
	} else if restored > 0 {
		slog.Info("restored queued events", "count", restored)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	sched := a.scheduler()
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	for _, src := range ingestSources(cfg, a.metrics) {
		wg.Add(1)
		go func(src ingest.Source) {
			defer wg.Done()
			stats, err := ingest.Forward(ctx, src, a.proc)
			if err != nil && ctx.Err() == nil {
				slog.Error("ingest source ended", "error", err)
			}
			slog.Info("ingest source closed", "queued", stats.Queued, "ignored", stats.Ignored, "rejected", stats.Rejected)
		}(src)
	}

	if cfg.API.Listen != "" {
		srv := api.NewServer(api.Deps{
			Alerts:        a.alerts,
			Events:        a.proc,
			Notifications: a.db,
			Tasks:         sched.LastRuns,
			Gatherer:      a.reg,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(ctx, cfg.API.Listen); err != nil {
				select {
				case errCh <- err:
				default:
				}
			}
		}()
	}

	// Notify systemd we are ready (sd_notify).
	sdNotify("READY=1")

	var watchdogCh <-chan time.Time
	if wdInterval := watchdogInterval(); wdInterval > 0 {
		// Ping at half the watchdog interval.
		ticker := time.NewTicker(wdInterval / 2)
		defer ticker.Stop()
		watchdogCh = ticker.C
		slog.Info("systemd watchdog enabled", "interval", wdInterval)
	}

	slog.Info("sitesentry running")

	var runErr error
loop:
	for {
		select {
		case <-watchdogCh:
			sdNotify("WATCHDOG=1")
		case err := <-errCh:
			runErr = err
			break loop
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			break loop
		}
	}

	sdNotify("STOPPING=1")
	cancel()
	wg.Wait()

	saveCtx, saveCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer saveCancel()
	if err := a.proc.SaveEventQueue(saveCtx); err != nil {
		slog.Error("failed to persist event queue", "error", err)
	}
	return runErr
}

// ingestSources returns the configured collector transports, each wrapped in
// a restart supervisor.
func ingestSources(cfg *config.Config, m *metrics.Metrics) []ingest.Source {
	var out []ingest.Source
	in := cfg.Ingest
	supervise := ingest.SupervisorOptions{RestartWait: 5 * time.Second, MaxWait: 2 * time.Minute, Metrics: m}
	if len(in.PipeCommand) > 0 {
		out = append(out, ingest.NewSupervisedSource("pipe", func() ingest.Source {
			return ingest.NewPipeSource(in.PipeCommand)
		}, supervise))
	}
	if in.NATSURL != "" {
		out = append(out, ingest.NewSupervisedSource("nats", func() ingest.Source {
			return ingest.NewNATSSource(in.NATSURL, in.NATSSubject, in.NATSQueue)
		}, supervise))
	}
	return out
}

func mustLoadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
