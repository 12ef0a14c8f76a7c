// Package alerting is the Alert Manager: it turns alert requests into
// deduplicated, rate-limited alert records and drives their delivery,
// escalation and retention.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/setevik/sitesentry/internal/alert"
	"github.com/setevik/sitesentry/internal/channel"
	"github.com/setevik/sitesentry/internal/metrics"
	"github.com/setevik/sitesentry/internal/ratelimit"
	"github.com/setevik/sitesentry/internal/responder"
	"github.com/setevik/sitesentry/internal/store"
)

// Responder executes automatic response actions.
type Responder interface {
	Execute(ctx context.Context, actions []responder.Action) []store.ActionRecord
}

// Options tunes the manager.
type Options struct {
	Instance            string
	DuplicateWindow     time.Duration
	BatchSize           int
	AlertRetention      time.Duration
	LowAutoResolveAfter time.Duration
	Policies            map[alert.Severity]Policy
}

// Manager creates and delivers alerts.
type Manager struct {
	db        *store.DB
	limiter   *ratelimit.Limiter
	channels  *channel.Registry
	responder Responder
	metrics   *metrics.Metrics
	opts      Options
	now       func() time.Time

	// mu serializes the dedup check, rate check and insert so two identical
	// requests never both create a row.
	mu sync.Mutex
}

// New creates a Manager. responder and m may be nil.
func New(db *store.DB, limiter *ratelimit.Limiter, channels *channel.Registry, resp Responder, m *metrics.Metrics, opts Options, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	if m == nil {
		m = metrics.Discard()
	}
	if channels == nil {
		channels = channel.NewRegistry()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Manager{
		db:        db,
		limiter:   limiter,
		channels:  channels,
		responder: resp,
		metrics:   m,
		opts:      opts,
		now:       now,
	}
}

// Policy returns the policy for sev; unknown severities get the zero policy.
func (m *Manager) Policy(sev alert.Severity) Policy {
	return m.opts.Policies[sev]
}

// CreateAlert validates, deduplicates and rate-limits req, then persists it.
// Alerts whose policy asks for immediate notification are delivered before
// returning. Duplicates and rate-limit rejections are reported in the result,
// not as errors.
func (m *Manager) CreateAlert(ctx context.Context, req alert.Request) (alert.CreateResult, error) {
	if err := req.Validate(); err != nil {
		return alert.CreateResult{}, err
	}

	a, res, err := m.admit(ctx, req)
	if err != nil || a == nil {
		return res, err
	}

	m.metrics.AlertsCreated.WithLabelValues(string(a.Severity)).Inc()
	slog.Info("alert created", "alert_id", a.ID, "type", a.Type, "severity", a.Severity, "title", a.Title)

	policy := m.Policy(a.Severity)
	if policy.ImmediateNotify {
		delivered := m.dispatch(ctx, a, policy.Channels, channel.ModeImmediate, 0)
		if err := m.db.MarkProcessed(ctx, a.ID, delivered > 0, m.now()); err != nil {
			slog.Error("marking alert processed", "alert_id", a.ID, "error", err)
		}
		res.Dispatched = true
	}

	if policy.AutoResponse && m.responder != nil {
		actions := responder.ActionsForAlert(a)
		for _, rec := range m.responder.Execute(ctx, actions) {
			m.metrics.ResponseActions.WithLabelValues(rec.Kind, rec.Outcome).Inc()
		}
	}

	return res, nil
}

// admit runs the serialized part of creation. It returns a nil alert for
// duplicates and rate-limited requests.
func (m *Manager) admit(ctx context.Context, req alert.Request) (*alert.Alert, alert.CreateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	sig := alert.Signature(req.Type, req.Source, req.Details)

	dup, found, err := m.db.FindActiveDuplicate(ctx, sig, now.Add(-m.opts.DuplicateWindow))
	if err != nil {
		return nil, alert.CreateResult{}, err
	}
	if found {
		count, err := m.db.RecordDuplicate(ctx, dup.AlertID, now)
		if err != nil {
			return nil, alert.CreateResult{}, err
		}
		m.metrics.AlertsDuplicate.Inc()
		slog.Debug("duplicate alert suppressed", "alert_id", dup.AlertID, "type", req.Type, "count", count)
		return nil, alert.CreateResult{AlertID: dup.AlertID, Duplicate: true}, nil
	}

	decision, err := m.limiter.Check(ctx)
	if err != nil {
		return nil, alert.CreateResult{}, fmt.Errorf("checking alert rate limit: %w", err)
	}
	if !decision.Allowed {
		m.metrics.AlertsRateLimited.Inc()
		slog.Warn("alert rate limited", "type", req.Type, "severity", req.Severity,
			"scope", decision.Scope, "retry_after", decision.RetryAfter)
		return nil, alert.CreateResult{RateLimited: true, RetryAfter: decision.RetryAfter}, nil
	}

	a := &alert.Alert{
		ID:             newID(),
		Type:           req.Type,
		Severity:       req.Severity,
		Priority:       req.Severity.Priority(),
		Title:          req.Title,
		Message:        req.Message,
		Details:        req.Details,
		Source:         req.Source,
		Status:         alert.StatusNew,
		Signature:      sig,
		DuplicateCount: 1,
		LastOccurrence: now,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.db.InsertAlert(ctx, a); err != nil {
		return nil, alert.CreateResult{}, err
	}
	if err := m.limiter.Record(ctx); err != nil {
		slog.Warn("recording alert rate", "error", err)
	}
	return a, alert.CreateResult{AlertID: a.ID}, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// dispatch sends a to each named channel that is registered, supports a
// suitable mode and is under its hourly cap. A failing channel is logged and
// never stops the others. It returns the number of successful deliveries.
func (m *Manager) dispatch(ctx context.Context, a *alert.Alert, names []string, mode channel.Mode, escalation int) int {
	delivered := 0
	for _, name := range names {
		ch, perHour, ok := m.channels.Get(name)
		if !ok {
			continue
		}

		chMode, ok := pickMode(ch, mode)
		if !ok {
			slog.Debug("channel does not support mode", "channel", name, "mode", mode)
			continue
		}

		available, err := m.limiter.ChannelAvailable(ctx, name, perHour)
		if err != nil {
			slog.Warn("checking channel rate limit", "channel", name, "error", err)
			continue
		}
		if !available {
			m.metrics.ChannelSends.WithLabelValues(name, "rate_limited").Inc()
			slog.Warn("channel rate limit reached", "channel", name, "alert_id", a.ID)
			continue
		}

		n := channel.Notice{
			Alert:      a,
			Mode:       chMode,
			Escalation: escalation,
			Instance:   m.opts.Instance,
			SentAt:     m.now(),
		}
		if err := channel.Send(ctx, ch, n); err != nil {
			m.metrics.ChannelSends.WithLabelValues(name, "error").Inc()
			slog.Error("channel delivery failed", "channel", name, "alert_id", a.ID, "error", err)
			continue
		}
		if err := m.limiter.RecordChannel(ctx, name); err != nil {
			slog.Warn("recording channel rate", "channel", name, "error", err)
		}
		m.metrics.ChannelSends.WithLabelValues(name, "ok").Inc()
		delivered++
	}
	return delivered
}

// fallbacks lists acceptable substitutes when a channel lacks the wanted mode.
var fallbacks = map[channel.Mode][]channel.Mode{
	channel.ModeImmediate: {channel.ModePersistent},
	channel.ModeBatch:     {channel.ModeImmediate},
}

func pickMode(ch channel.Channel, want channel.Mode) (channel.Mode, bool) {
	if channel.Supports(ch, want) {
		return want, true
	}
	for _, m := range fallbacks[want] {
		if channel.Supports(ch, m) {
			return m, true
		}
	}
	return "", false
}

// ProcessBatch delivers alerts left for the scheduled cycle and marks them
// processed. It returns how many alerts were handled.
func (m *Manager) ProcessBatch(ctx context.Context) (int, error) {
	pending, err := m.db.PendingDelivery(ctx, m.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, a := range pending {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		policy := m.Policy(a.Severity)
		delivered := m.dispatch(ctx, a, policy.Channels, channel.ModeBatch, 0)
		if err := m.db.MarkProcessed(ctx, a.ID, delivered > 0, m.now()); err != nil {
			return 0, err
		}
	}
	if len(pending) > 0 {
		slog.Info("batch delivery complete", "alerts", len(pending))
	}
	return len(pending), nil
}

// escalationOrder is the order severities are escalated in.
var escalationOrder = []alert.Severity{alert.SevCritical, alert.SevHigh, alert.SevMedium, alert.SevLow}

// ProcessEscalations raises every open alert whose escalation delay has
// passed and whose level is below its policy cap, and re-notifies its
// channels. It returns the number of escalations.
func (m *Manager) ProcessEscalations(ctx context.Context) (int, error) {
	now := m.now()
	escalated := 0
	for _, sev := range escalationOrder {
		policy := m.Policy(sev)
		if !policy.Escalates() {
			continue
		}

		candidates, err := m.db.EscalationCandidates(ctx, sev, now.Add(-policy.Delay), policy.MaxEscalations)
		if err != nil {
			return escalated, err
		}
		for _, a := range candidates {
			if !alert.CanTransition(a.Status, alert.StatusEscalated) {
				continue
			}
			ok, err := m.db.Escalate(ctx, a.ID, a.EscalationLevel, now)
			if err != nil {
				return escalated, err
			}
			if !ok {
				continue
			}
			a.EscalationLevel++
			a.Status = alert.StatusEscalated
			a.LastEscalation = now
			escalated++

			m.metrics.Escalations.WithLabelValues(string(sev)).Inc()
			slog.Warn("alert escalated", "alert_id", a.ID, "severity", sev, "level", a.EscalationLevel)
			m.dispatch(ctx, a, policy.Channels, channel.ModeImmediate, a.EscalationLevel)
		}
	}
	return escalated, nil
}

// Acknowledge records that by has seen the alert. Acknowledgment does not
// stop escalation; only resolution does.
func (m *Manager) Acknowledge(ctx context.Context, id, by string) error {
	if id == "" {
		return fmt.Errorf("%w: alert id is required", alert.ErrValidation)
	}
	if err := m.db.Acknowledge(ctx, id, by, m.now()); err != nil {
		return err
	}
	slog.Info("alert acknowledged", "alert_id", id, "by", by)
	return nil
}

// Resolve closes an open alert.
func (m *Manager) Resolve(ctx context.Context, id, resolution, by string) error {
	if id == "" {
		return fmt.Errorf("%w: alert id is required", alert.ErrValidation)
	}
	if err := m.db.Resolve(ctx, id, resolution, by, m.now()); err != nil {
		return err
	}
	slog.Info("alert resolved", "alert_id", id, "by", by)
	return nil
}

// Get returns one alert.
func (m *Manager) Get(ctx context.Context, id string) (*alert.Alert, error) {
	return m.db.GetAlert(ctx, id)
}

// List returns alerts matching f.
func (m *Manager) List(ctx context.Context, f store.AlertFilter) ([]*alert.Alert, error) {
	return m.db.QueryAlerts(ctx, f)
}

// CleanupReport counts retention changes.
type CleanupReport struct {
	Archived     int64 `json:"archived"`
	AutoResolved int64 `json:"auto_resolved"`
}

// Cleanup archives old resolved alerts and auto-resolves stale low ones.
func (m *Manager) Cleanup(ctx context.Context) (CleanupReport, error) {
	now := m.now()
	var rep CleanupReport
	var err error

	if m.opts.AlertRetention > 0 {
		if rep.Archived, err = m.db.ArchiveResolved(ctx, now.Add(-m.opts.AlertRetention), now); err != nil {
			return rep, err
		}
	}
	if m.opts.LowAutoResolveAfter > 0 {
		if rep.AutoResolved, err = m.db.AutoResolveLow(ctx, now.Add(-m.opts.LowAutoResolveAfter), now); err != nil {
			return rep, err
		}
	}
	if rep.Archived > 0 || rep.AutoResolved > 0 {
		slog.Info("alert retention applied", "archived", rep.Archived, "auto_resolved", rep.AutoResolved)
	}
	return rep, nil
}

// ResetRateLimits drops expired counters.
func (m *Manager) ResetRateLimits(ctx context.Context) error {
	n, err := m.limiter.Reset(ctx)
	if err != nil {
		return err
	}
	slog.Debug("rate limit counters swept", "removed", n)
	return nil
}

// ErrUnknownPeriod is returned for a stats period other than day, week or month.
var ErrUnknownPeriod = errors.New("unknown period")

// PeriodStart returns the start of a named period ending at now.
func PeriodStart(period string, now time.Time) (time.Time, error) {
	switch period {
	case "", "day":
		return now.Add(-24 * time.Hour), nil
	case "week":
		return now.Add(-7 * 24 * time.Hour), nil
	case "month":
		return now.Add(-30 * 24 * time.Hour), nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q (want day, week or month)", ErrUnknownPeriod, period)
	}
}

// Stats returns alert statistics for a period.
func (m *Manager) Stats(ctx context.Context, period string) (store.AlertStats, error) {
	since, err := PeriodStart(period, m.now())
	if err != nil {
		return store.AlertStats{}, err
	}
	return m.db.Stats(ctx, since)
}

// TestChannel sends a synthetic alert through one channel, bypassing rate
// limits.
func (m *Manager) TestChannel(ctx context.Context, name string) error {
	ch, _, ok := m.channels.Get(name)
	if !ok {
		return fmt.Errorf("channel %q is not enabled", name)
	}
	mode, ok := pickMode(ch, channel.ModeImmediate)
	if !ok {
		mode = ch.Modes()[0]
	}
	return channel.Send(ctx, ch, channel.Notice{
		Alert:    channel.TestAlert(m.now()),
		Mode:     mode,
		Instance: m.opts.Instance,
		SentAt:   m.now(),
	})
}

// Channels returns the enabled channel names.
func (m *Manager) Channels() []string {
	return m.channels.Names()
}
