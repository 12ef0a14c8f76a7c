package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/setevik/sitesentry/internal/alert"
	"github.com/setevik/sitesentry/internal/channel"
	"github.com/setevik/sitesentry/internal/store"
)

// digestOpenLimit caps the open alerts listed in a digest.
const digestOpenLimit = 10

// Digest summarizes alert activity over a period.
type Digest struct {
	Instance string
	Since    time.Time
	Until    time.Time
	Stats    store.AlertStats
	Open     []*alert.Alert
}

// BuildDigest gathers stats and the most urgent open alerts for a period.
func (m *Manager) BuildDigest(ctx context.Context, period string) (*Digest, error) {
	now := m.now()
	since, err := PeriodStart(period, now)
	if err != nil {
		return nil, err
	}
	stats, err := m.db.Stats(ctx, since)
	if err != nil {
		return nil, err
	}
	open, err := m.db.QueryAlerts(ctx, store.AlertFilter{
		Statuses: []alert.Status{alert.StatusNew, alert.StatusAcknowledged, alert.StatusEscalated},
		Since:    since,
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(open, func(i, j int) bool {
		return open[i].Priority > open[j].Priority
	})
	if len(open) > digestOpenLimit {
		open = open[:digestOpenLimit]
	}
	return &Digest{
		Instance: m.opts.Instance,
		Since:    since,
		Until:    now,
		Stats:    stats,
		Open:     open,
	}, nil
}

// SendDigest builds a digest and sends it to every enabled channel that
// accepts digests. It returns the number of channels reached.
func (m *Manager) SendDigest(ctx context.Context, period string) (int, error) {
	d, err := m.BuildDigest(ctx, period)
	if err != nil {
		return 0, err
	}
	n := channel.Notice{
		Mode:     channel.ModeDigest,
		Instance: m.opts.Instance,
		Subject:  FormatDigestTitle(d),
		Text:     FormatDigest(d),
		SentAt:   m.now(),
	}

	sent := 0
	for _, name := range m.channels.Names() {
		ch, _, _ := m.channels.Get(name)
		if !channel.Supports(ch, channel.ModeDigest) {
			continue
		}
		if err := channel.Send(ctx, ch, n); err != nil {
			m.metrics.ChannelSends.WithLabelValues(name, "error").Inc()
			slog.Error("digest delivery failed", "channel", name, "error", err)
			continue
		}
		m.metrics.ChannelSends.WithLabelValues(name, "ok").Inc()
		sent++
	}
	slog.Info("digest sent", "period", period, "alerts", d.Stats.Total, "channels", sent)
	return sent, nil
}

// FormatDigest renders a digest as plain text.
func FormatDigest(d *Digest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "=== %s ===\n", d.Instance)
	fmt.Fprintf(&b, "Period: %s - %s\n\n",
		d.Since.Local().Format("Jan 02 15:04"),
		d.Until.Local().Format("Jan 02 15:04"))

	fmt.Fprintf(&b, "Alerts:     %d", d.Stats.Total)
	if d.Stats.Total > 0 {
		fmt.Fprintf(&b, " (%s)", formatBreakdown(d.Stats.BySeverity))
	}
	b.WriteString("\n")

	if len(d.Stats.ByType) > 0 {
		fmt.Fprintf(&b, "By type:    %s\n", formatBreakdown(d.Stats.ByType))
	}
	if len(d.Stats.ByStatus) > 0 {
		fmt.Fprintf(&b, "By status:  %s\n", formatBreakdown(d.Stats.ByStatus))
	}
	fmt.Fprintf(&b, "Escalated:  %d\n", d.Stats.Escalated)

	if len(d.Open) > 0 {
		b.WriteString("\nOpen alerts:\n")
		for _, a := range d.Open {
			fmt.Fprintf(&b, "  [%s] %s (%s, %s)\n",
				strings.ToUpper(string(a.Severity)), a.Title, a.Status, a.CreatedAt.Local().Format("Jan 02 15:04"))
		}
	}

	return b.String()
}

// FormatDigestTitle generates the notification title for a digest.
func FormatDigestTitle(d *Digest) string {
	return fmt.Sprintf("\U0001f4ca %s security digest (%s-%s)",
		d.Instance,
		d.Since.Local().Format("Jan 02"),
		d.Until.Local().Format("Jan 02"))
}

// formatBreakdown turns a map[string]int into "foo x2, bar x1" sorted by count desc.
func formatBreakdown(m map[string]int) string {
	type entry struct {
		name  string
		count int
	}

	entries := make([]entry, 0, len(m))
	for name, count := range m {
		entries = append(entries, entry{name, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].name < entries[j].name
	})

	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("%s \u00d7%d", e.name, e.count)
	}
	return strings.Join(parts, ", ")
}
