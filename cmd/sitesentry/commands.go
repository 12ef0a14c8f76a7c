package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/setevik/sitesentry/internal/alert"
	"github.com/setevik/sitesentry/internal/alerting"
	"github.com/setevik/sitesentry/internal/config"
	"github.com/setevik/sitesentry/internal/format"
	"github.com/setevik/sitesentry/internal/processor"
	"github.com/setevik/sitesentry/internal/scheduler"
	"github.com/setevik/sitesentry/internal/store"
)

// openCLI loads config and wires the app with quiet logging for CLI output.
func openCLI(configPath string) (*app, func()) {
	cfg := mustLoadConfig(configPath)
	setupLogging("error")

	a, err := openApp(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	return a, a.Close
}

func fail(msg string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+msg+"\n", args...)
	os.Exit(1)
}

// --- alerts subcommand ---

func runAlerts(args []string) {
	fs := flag.NewFlagSet("alerts", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	last := fs.String("last", "24h", "time window (e.g. 24h, 7d, 30d)")
	status := fs.String("status", "", "comma-separated statuses (new, acknowledged, escalated, resolved)")
	severity := fs.String("severity", "", "filter by severity (low, medium, high, critical)")
	typ := fs.String("type", "", "filter by alert type")
	limit := fs.Int("limit", 50, "max alerts to show")
	fs.Parse(args)

	since, err := format.ParseDuration(*last)
	if err != nil {
		fail("invalid --last value %q: %v", *last, err)
	}

	a, closeFn := openCLI(*configPath)
	defer closeFn()

	f := store.AlertFilter{
		Since:    time.Now().Add(-since),
		Severity: alert.Severity(strings.ToLower(*severity)),
		Type:     alert.Type(*typ),
		Limit:    *limit,
	}
	if *status != "" {
		for _, s := range strings.Split(*status, ",") {
			f.Statuses = append(f.Statuses, alert.Status(strings.TrimSpace(s)))
		}
	}

	alerts, err := a.alerts.List(context.Background(), f)
	if err != nil {
		fail("query: %v", err)
	}
	if len(alerts) == 0 {
		fmt.Println("No alerts found.")
		return
	}
	printAlerts(os.Stdout, alerts)
}

func printAlerts(w io.Writer, alerts []*alert.Alert) {
	for _, a := range alerts {
		ts := a.CreatedAt.Local().Format("2006-01-02 15:04:05")
		fmt.Fprintf(w, "%s  [%s] %-20s %s\n", ts, strings.ToUpper(string(a.Severity)), a.Type, a.Title)

		state := string(a.Status)
		if a.DuplicateCount > 1 {
			state += fmt.Sprintf(", seen %d times", a.DuplicateCount)
		}
		if a.EscalationLevel > 0 {
			state += fmt.Sprintf(", escalation %d", a.EscalationLevel)
		}
		fmt.Fprintf(w, "             ID: %s (%s)\n", a.ID, state)
		if a.Message != "" {
			// First line of the message as a brief.
			lines := strings.SplitN(a.Message, "\n", 2)
			fmt.Fprintf(w, "             %s\n", lines[0])
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Total: %d alert(s)\n", len(alerts))
}

// --- ack / resolve subcommands ---

func runAck(args []string) {
	fs := flag.NewFlagSet("ack", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	by := fs.String("by", currentUser(), "who is acknowledging")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fail("usage: sitesentry ack [--by name] <alert-id>")
	}

	a, closeFn := openCLI(*configPath)
	defer closeFn()

	if err := a.alerts.Acknowledge(context.Background(), fs.Arg(0), *by); err != nil {
		fail("%v", err)
	}
	fmt.Printf("Alert %s acknowledged.\n", fs.Arg(0))
}

func runResolve(args []string) {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	by := fs.String("by", currentUser(), "who is resolving")
	resolution := fs.String("resolution", "", "resolution note")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fail("usage: sitesentry resolve [--by name] [--resolution text] <alert-id>")
	}

	a, closeFn := openCLI(*configPath)
	defer closeFn()

	if err := a.alerts.Resolve(context.Background(), fs.Arg(0), *resolution, *by); err != nil {
		fail("%v", err)
	}
	fmt.Printf("Alert %s resolved.\n", fs.Arg(0))
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

// --- stats subcommand ---

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	period := fs.String("period", "day", "day, week or month")
	fs.Parse(args)

	a, closeFn := openCLI(*configPath)
	defer closeFn()

	stats, err := a.alerts.Stats(context.Background(), *period)
	if err != nil {
		fail("%v", err)
	}
	printStats(os.Stdout, *period, stats)
}

func printStats(w io.Writer, period string, s store.AlertStats) {
	fmt.Fprintf(w, "Period:       %s (since %s)\n", period, s.Since.Local().Format("2006-01-02 15:04"))
	fmt.Fprintf(w, "Alerts:       %d\n", s.Total)
	for _, sev := range []alert.Severity{alert.SevCritical, alert.SevHigh, alert.SevMedium, alert.SevLow} {
		if n := s.BySeverity[string(sev)]; n > 0 {
			fmt.Fprintf(w, "  %-10s  %d\n", sev, n)
		}
	}
	if len(s.ByType) > 0 {
		fmt.Fprintln(w, "By type:")
		for _, k := range sortedKeys(s.ByType) {
			fmt.Fprintf(w, "  %-22s %d\n", k, s.ByType[k])
		}
	}
	if len(s.ByStatus) > 0 {
		fmt.Fprintln(w, "By status:")
		for _, k := range sortedKeys(s.ByStatus) {
			fmt.Fprintf(w, "  %-22s %d\n", k, s.ByStatus[k])
		}
	}
	fmt.Fprintf(w, "Escalated:    %d\n", s.Escalated)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- digest subcommand ---

func runDigest(args []string) {
	fs := flag.NewFlagSet("digest", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	period := fs.String("period", "week", "day, week or month")
	send := fs.Bool("send", false, "send digest through digest-capable channels (otherwise print to stdout)")
	fs.Parse(args)

	a, closeFn := openCLI(*configPath)
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if !*send {
		d, err := a.alerts.BuildDigest(ctx, *period)
		if err != nil {
			fail("%v", err)
		}
		fmt.Print(alerting.FormatDigest(d))
		return
	}

	n, err := a.alerts.SendDigest(ctx, *period)
	if err != nil {
		fail("sending digest: %v", err)
	}
	fmt.Printf("Digest sent to %d channel(s).\n", n)
}

// --- status subcommand ---

// daemonStatus mirrors the admin API /api/status response.
type daemonStatus struct {
	Processor processor.Status    `json:"processor"`
	Tasks     []scheduler.LastRun `json:"tasks"`
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	a, closeFn := openCLI(*configPath)
	defer closeFn()
	ctx := context.Background()
	cfg := a.cfg

	fmt.Printf("Instance:     %s\n", cfg.Instance.ID)
	if cfg.Instance.SiteURL != "" {
		fmt.Printf("Site:         %s\n", cfg.Instance.SiteURL)
	}

	if st, err := fetchDaemonStatus(cfg); err != nil {
		fmt.Println("Daemon:       not reachable")
	} else {
		p := st.Processor
		fmt.Printf("Daemon:       running, queue %d, risk level %.1f\n", p.QueueDepth, p.RiskLevel)
		fmt.Printf("Processed:    %d event(s), avg %s\n", p.Processed, p.AvgProcessing)
		for _, t := range st.Tasks {
			line := fmt.Sprintf("  %-16s %s ago", t.Task, format.Duration(time.Since(t.At).Truncate(time.Second)))
			if t.Error != "" {
				line += " (error: " + t.Error + ")"
			}
			fmt.Println(line)
		}
	}

	if stats, err := a.alerts.Stats(ctx, "day"); err == nil {
		open := stats.ByStatus[string(alert.StatusNew)] + stats.ByStatus[string(alert.StatusAcknowledged)] + stats.ByStatus[string(alert.StatusEscalated)]
		fmt.Printf("Alerts (24h): %d total, %d open, %d escalated\n", stats.Total, open, stats.Escalated)
	}

	if actions, err := a.db.RecentActions(ctx, 5); err == nil && len(actions) > 0 {
		fmt.Println("Recent responses:")
		for _, r := range actions {
			fmt.Printf("  %s  %-20s %s (%s)\n", r.ExecutedAt.Local().Format("01-02 15:04"), r.Kind, r.Target, r.Outcome)
		}
	}

	eventCount, _ := a.db.CountEvents(ctx)
	fmt.Printf("DB events:    %d total\n", eventCount)
	fmt.Printf("Channels:     %s\n", strings.Join(a.alerts.Channels(), ", "))
}

func fetchDaemonStatus(cfg *config.Config) (daemonStatus, error) {
	var st daemonStatus
	if cfg.API.Listen == "" {
		return st, fmt.Errorf("admin api disabled")
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + cfg.API.Listen + "/api/status")
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	err = json.NewDecoder(resp.Body).Decode(&st)
	return st, err
}

// --- test-channel subcommand ---

func runTestChannel(args []string) {
	fs := flag.NewFlagSet("test-channel", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	setupLogging(cfg.Log.Level)

	a, err := openApp(context.Background(), cfg)
	if err != nil {
		fail("%v", err)
	}
	defer a.Close()

	names := fs.Args()
	if len(names) == 0 {
		names = a.alerts.Channels()
	}
	if len(names) == 0 {
		fail("no channels enabled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := 0
	for _, name := range names {
		if err := a.alerts.TestChannel(ctx, name); err != nil {
			fmt.Fprintf(os.Stderr, "%-10s FAILED: %v\n", name, err)
			failed++
			continue
		}
		fmt.Printf("%-10s ok\n", name)
	}
	if failed > 0 {
		os.Exit(1)
	}
}
