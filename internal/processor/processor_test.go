package processor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/setevik/sitesentry/internal/alert"
	"github.com/setevik/sitesentry/internal/alerting"
	"github.com/setevik/sitesentry/internal/channel"
	"github.com/setevik/sitesentry/internal/collector"
	"github.com/setevik/sitesentry/internal/config"
	"github.com/setevik/sitesentry/internal/correlation"
	"github.com/setevik/sitesentry/internal/event"
	"github.com/setevik/sitesentry/internal/ratelimit"
	"github.com/setevik/sitesentry/internal/responder"
	"github.com/setevik/sitesentry/internal/risk"
	"github.com/setevik/sitesentry/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeExecutor struct {
	mu      sync.Mutex
	actions []responder.Action
}

func (f *fakeExecutor) Execute(_ context.Context, actions []responder.Action) []store.ActionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, actions...)
	out := make([]store.ActionRecord, len(actions))
	for i, a := range actions {
		out[i] = store.ActionRecord{Kind: string(a.Kind), Target: a.Target, Outcome: responder.OutcomeOK}
	}
	return out
}

func (f *fakeExecutor) kinds() []responder.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]responder.Kind, len(f.actions))
	for i, a := range f.actions {
		out[i] = a.Kind
	}
	return out
}

type env struct {
	proc   *Processor
	db     *store.DB
	clock  *fakeClock
	exec   *fakeExecutor
	alerts *alerting.Manager
}

func testOptions() Options {
	return Options{
		MaxQueueSize:      1000,
		BatchSize:         50,
		MaxProcessingTime: 30 * time.Second,
		MaxAttempts:       3,
		Correlation:       true,
		RiskScoring:       true,
		EventRetention:    7 * 24 * time.Hour,
		BlockBruteForce:   true,
	}
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	db, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newEnvWithDB(t, db, opts)
}

func newEnvWithDB(t *testing.T, db *store.DB, opts Options) *env {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryCounter(clock.Now), 0, 0, clock.Now)
	mgr := alerting.New(db, limiter, channel.NewRegistry(), nil, nil, alerting.Options{
		Instance:        "test",
		DuplicateWindow: 5 * time.Minute,
		Policies:        alerting.PoliciesFromConfig(config.Default().Alerts.Escalation),
	}, clock.Now)

	exec := &fakeExecutor{}
	proc := New(Deps{
		DB:         db,
		Alerts:     mgr,
		Correlator: correlation.NewEngine(correlation.BuiltinRules(), db),
		Scorer:     risk.NewScorer(nil, time.UTC),
		Responder:  exec,
		Activity:   collector.NewActivity(db, 5, 15*time.Minute),
		Scanner:    collector.NewScanner(0),
	}, opts, clock.Now)

	return &env{proc: proc, db: db, clock: clock, exec: exec, alerts: mgr}
}

func (e *env) alertsOfType(t *testing.T, typ alert.Type) []*alert.Alert {
	t.Helper()
	all, err := e.db.QueryAlerts(context.Background(), store.AlertFilter{Type: typ})
	require.NoError(t, err)
	return all
}

func TestEveryTypeHasHandler(t *testing.T) {
	e := newEnv(t, testOptions())
	for _, typ := range event.Types {
		_, ok := e.proc.handlers[typ]
		assert.True(t, ok, "no handler for %s", typ)
	}
}

func TestQueueEventValidation(t *testing.T) {
	e := newEnv(t, testOptions())
	ctx := context.Background()

	err := e.proc.QueueEvent(ctx, "disk_full", nil, event.PriorityLow)
	assert.ErrorIs(t, err, event.ErrUnknownType)

	err = e.proc.QueueEvent(ctx, event.TypeFileChange, nil, "urgent")
	assert.ErrorIs(t, err, event.ErrUnknownPriority)

	assert.Zero(t, e.proc.Status().QueueDepth)
}

func TestQueueDrainsByPriority(t *testing.T) {
	e := newEnv(t, testOptions())
	ctx := context.Background()

	var order []string
	e.proc.Handle(event.TypeErrorOccurrence, func(_ context.Context, ev *event.Event) (Result, error) {
		order = append(order, ev.Data.String("name"))
		return nil, nil
	})

	for _, q := range []struct {
		name string
		prio event.Priority
	}{
		{"low-1", event.PriorityLow},
		{"high-1", event.PriorityHigh},
		{"medium-1", event.PriorityMedium},
		{"critical-1", event.PriorityCritical}, // real-time disabled: queued
		{"high-2", event.PriorityHigh},
	} {
		require.NoError(t, e.proc.QueueEvent(ctx, event.TypeErrorOccurrence, event.Data{"name": q.name}, q.prio))
	}

	rep, err := e.proc.ProcessEventQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Processed)
	assert.Equal(t, []string{"critical-1", "high-1", "high-2", "medium-1", "low-1"}, order)
}

func TestRetryBound(t *testing.T) {
	e := newEnv(t, testOptions())
	ctx := context.Background()

	calls := 0
	e.proc.Handle(event.TypeErrorOccurrence, func(context.Context, *event.Event) (Result, error) {
		calls++
		return nil, errors.New("handler exploded")
	})
	require.NoError(t, e.proc.QueueEvent(ctx, event.TypeErrorOccurrence, nil, event.PriorityMedium))

	for i := 0; i < 5; i++ {
		_, err := e.proc.ProcessEventQueue(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, calls)
	assert.Zero(t, e.proc.Status().QueueDepth)

	n, err := e.db.CountEvents(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandlerPanicIsRetried(t *testing.T) {
	e := newEnv(t, testOptions())
	ctx := context.Background()

	e.proc.Handle(event.TypeNetworkRequest, func(context.Context, *event.Event) (Result, error) {
		panic("nil map")
	})
	require.NoError(t, e.proc.QueueEvent(ctx, event.TypeNetworkRequest, nil, event.PriorityLow))
	require.NoError(t, e.proc.QueueEvent(ctx, event.TypeDatabaseQuery, nil, event.PriorityLow))

	rep, err := e.proc.ProcessEventQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Remaining)

	queued := e.proc.queue.Snapshot()
	require.Len(t, queued, 1)
	assert.Equal(t, 1, queued[0].Attempts)
}

func TestInvalidPayloadDroppedWithoutRetry(t *testing.T) {
	e := newEnv(t, testOptions())
	ctx := context.Background()

	require.NoError(t, e.proc.QueueEvent(ctx, event.TypeFileChange, event.Data{"old_hash": "abc"}, event.PriorityMedium))

	rep, err := e.proc.ProcessEventQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Dropped)
	assert.Zero(t, rep.Remaining)
}

func TestProcessingBudget(t *testing.T) {
	opts := testOptions()
	opts.MaxProcessingTime = time.Minute
	e := newEnv(t, opts)
	ctx := context.Background()

	e.proc.Handle(event.TypeErrorOccurrence, func(context.Context, *event.Event) (Result, error) {
		e.clock.Advance(40 * time.Second)
		return nil, nil
	})
	for i := 0; i < 3; i++ {
		require.NoError(t, e.proc.QueueEvent(ctx, event.TypeErrorOccurrence, nil, event.PriorityLow))
	}

	rep, err := e.proc.ProcessEventQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Processed)
	assert.Equal(t, 1, rep.Remaining)

	rep, err = e.proc.ProcessEventQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Processed)
	assert.Zero(t, rep.Remaining)
}

func TestStorageFaultLeavesQueueIntact(t *testing.T) {
	e := newEnv(t, testOptions())
	ctx := context.Background()

	require.NoError(t, e.proc.QueueEvent(ctx, event.TypeErrorOccurrence, nil, event.PriorityLow))
	require.NoError(t, e.db.Close())

	_, err := e.proc.ProcessEventQueue(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, e.proc.Status().QueueDepth)
}

func TestCriticalMalwareProcessedSynchronously(t *testing.T) {
	opts := testOptions()
	opts.Realtime = true
	e := newEnv(t, opts)
	ctx := context.Background()

	err := e.proc.QueueEvent(ctx, event.TypeMalwareDetected, event.Data{
		event.KeyFilePath: "/wp-content/x.php",
		"threat_score":    95,
	}, event.PriorityCritical)
	require.NoError(t, err)

	assert.Zero(t, e.proc.Status().QueueDepth, "critical event should bypass the queue")
	assert.Contains(t, e.exec.kinds(), responder.KindEmergencyQuarantine)

	all, err := e.db.QueryAlerts(ctx, store.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, alert.SevCritical, all[0].Severity)
	assert.Equal(t, alert.TypeMalwareDetected, all[0].Type)

	events, err := e.db.QueryEvents(ctx, store.EventFilter{Type: event.TypeMalwareDetected})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Result, ResultActions)
	assert.Positive(t, events[0].RiskScore)
}

func TestMalwareThreatBands(t *testing.T) {
	tests := []struct {
		score  int
		sev    alert.Severity
		action responder.Kind
	}{
		{95, alert.SevCritical, responder.KindEmergencyQuarantine},
		{75, alert.SevHigh, responder.KindQuarantineFile},
		{45, alert.SevMedium, responder.KindEnhancedMonitoring},
		{20, "", ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.sev), func(t *testing.T) {
			e := newEnv(t, testOptions())
			ev := event.New(event.TypeMalwareDetected, event.Data{
				event.KeyFilePath: "/wp-content/plugins/a.php",
				"threat_score":    tt.score,
			}, event.PriorityHigh, e.clock.Now())

			res, err := e.proc.ProcessSingleEvent(context.Background(), ev)
			require.NoError(t, err)

			all := e.alertsOfType(t, alert.TypeMalwareDetected)
			if tt.sev == "" {
				assert.Empty(t, all)
				assert.Empty(t, res.Actions())
				return
			}
			require.Len(t, all, 1)
			assert.Equal(t, tt.sev, all[0].Severity)
			require.Len(t, res.Actions(), 1)
			assert.Equal(t, tt.action, res.Actions()[0].Kind)
		})
	}
}

func TestBruteForceRaisesOneAlert(t *testing.T) {
	e := newEnv(t, testOptions())
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, e.proc.QueueEvent(ctx, event.TypeLoginFailure, event.Data{
			event.KeyIPAddress: "203.0.113.50",
			event.KeyUsername:  "admin",
		}, event.PriorityHigh))
		e.clock.Advance(20 * time.Second)
	}

	rep, err := e.proc.ProcessEventQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, rep.Processed)

	bf := e.alertsOfType(t, alert.TypeBruteForceAttack)
	require.Len(t, bf, 1)
	assert.Equal(t, alert.SevHigh, bf[0].Severity)
	assert.Equal(t, 1, bf[0].DuplicateCount)
	assert.Contains(t, e.exec.kinds(), responder.KindBlockIP)

	// A 7th failure folds into the same alert.
	require.NoError(t, e.proc.QueueEvent(ctx, event.TypeLoginFailure, event.Data{event.KeyIPAddress: "203.0.113.50"}, event.PriorityHigh))
	_, err = e.proc.ProcessEventQueue(ctx)
	require.NoError(t, err)

	bf = e.alertsOfType(t, alert.TypeBruteForceAttack)
	require.Len(t, bf, 1)
	assert.Equal(t, 2, bf[0].DuplicateCount)
}

func TestFiveFailuresAreNotBruteForce(t *testing.T) {
	e := newEnv(t, testOptions())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, e.proc.QueueEvent(ctx, event.TypeLoginFailure, event.Data{event.KeyIPAddress: "203.0.113.51"}, event.PriorityHigh))
	}
	_, err := e.proc.ProcessEventQueue(ctx)
	require.NoError(t, err)

	assert.Empty(t, e.alertsOfType(t, alert.TypeBruteForceAttack))

	// The login correlation rule fires on the 5th event.
	patterns := e.alertsOfType(t, alert.TypeCorrelationPattern)
	require.NotEmpty(t, patterns)
}

func TestLoginSuccessAfterFailures(t *testing.T) {
	e := newEnv(t, testOptions())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, e.proc.QueueEvent(ctx, event.TypeLoginFailure, event.Data{event.KeyIPAddress: "198.51.100.9"}, event.PriorityHigh))
	}
	require.NoError(t, e.proc.QueueEvent(ctx, event.TypeLoginSuccess, event.Data{
		event.KeyIPAddress: "198.51.100.9",
		event.KeyUsername:  "editor",
	}, event.PriorityMedium))

	_, err := e.proc.ProcessEventQueue(ctx)
	require.NoError(t, err)

	got := e.alertsOfType(t, alert.TypeSuspiciousLogin)
	require.Len(t, got, 1)
	assert.Equal(t, alert.SevMedium, got[0].Severity)
}

func TestFileHandlerScansAndAlerts(t *testing.T) {
	root := t.TempDir()
	opts := testOptions()
	opts.SiteRoot = root
	e := newEnv(t, opts)
	ctx := context.Background()

	write := func(rel, content string) {
		t.Helper()
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	write("wp-content/uploads/shell.php", "<?php @eval($_POST['cmd']);")
	write("wp-content/uploads/photo.php", "<?php echo 'hi';")
	write("wp-content/themes/t/style.css", "body{}")

	process := func(typ event.Type, rel string) Result {
		t.Helper()
		ev := event.New(typ, event.Data{event.KeyFilePath: rel, "new_hash": "n"}, event.PriorityMedium, e.clock.Now())
		res, err := e.proc.ProcessSingleEvent(ctx, ev)
		require.NoError(t, err)
		return res
	}

	res := process(event.TypeFileCreation, "wp-content/uploads/shell.php")
	assert.Equal(t, responder.KindQuarantineFile, res.Actions()[0].Kind)
	malware := e.alertsOfType(t, alert.TypeMalwareDetected)
	require.Len(t, malware, 1)
	assert.Equal(t, alert.SevCritical, malware[0].Severity)

	process(event.TypeFileCreation, "wp-content/uploads/photo.php")
	suspicious := e.alertsOfType(t, alert.TypeSuspiciousActivity)
	require.Len(t, suspicious, 1)
	assert.Equal(t, alert.SevMedium, suspicious[0].Severity)

	// Theme edits are not sensitive enough for a change alert.
	res = process(event.TypeFileChange, "wp-content/themes/t/style.css")
	assert.Empty(t, res.Actions())
	assert.Contains(t, res, "integrity")

	// Missing files skip the scan but still record integrity.
	res = process(event.TypeFileChange, "wp-config.php")
	assert.Equal(t, "skipped", res["malware_scan"])
	assert.Len(t, e.alertsOfType(t, alert.TypeIntegrityViolation), 1)
}

func TestSuspiciousActivitySeverityFromScore(t *testing.T) {
	e := newEnv(t, testOptions())
	ctx := context.Background()

	// Base 60, non-admin +0.2 => 72.
	ev := event.New(event.TypeSuspiciousActivity, event.Data{event.KeyIPAddress: "192.0.2.1", "description": "probe"}, event.PriorityMedium, e.clock.Now())
	res, err := e.proc.ProcessSingleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, 72, ev.RiskScore)
	assert.Equal(t, "high", res["severity"])

	// Admin user, no bonuses => 60.
	ev = event.New(event.TypeSuspiciousActivity, event.Data{event.KeyUserRole: "administrator", "description": "odd"}, event.PriorityMedium, e.clock.Now())
	res, err = e.proc.ProcessSingleEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, "medium", res["severity"])
}

func TestFilledInHandlers(t *testing.T) {
	e := newEnv(t, testOptions())
	ctx := context.Background()

	process := func(typ event.Type, data event.Data) {
		t.Helper()
		_, err := e.proc.ProcessSingleEvent(ctx, event.New(typ, data, event.PriorityMedium, e.clock.Now()))
		require.NoError(t, err)
	}

	process(event.TypeUserRegistration, event.Data{event.KeyUsername: "bob"})
	assert.Empty(t, e.alertsOfType(t, alert.TypeUserRegistration))
	process(event.TypeUserRegistration, event.Data{event.KeyUsername: "mallory", event.KeyUserRole: "administrator"})
	reg := e.alertsOfType(t, alert.TypeUserRegistration)
	require.Len(t, reg, 1)
	assert.Equal(t, alert.SevHigh, reg[0].Severity)

	process(event.TypeVulnerabilityDetected, event.Data{"component": "contact-form", "cve": "CVE-2026-0001", "severity": "critical"})
	vuln := e.alertsOfType(t, alert.TypeVulnerability)
	require.Len(t, vuln, 1)
	assert.Equal(t, alert.SevCritical, vuln[0].Severity)

	process(event.TypeConfigurationChange, event.Data{"setting": "users_can_register", event.KeyUserID: "7"})
	assert.Len(t, e.alertsOfType(t, alert.TypeConfigurationChange), 1)

	process(event.TypeFileDeletion, event.Data{event.KeyFilePath: ".htaccess"})
	process(event.TypeFileDeletion, event.Data{event.KeyFilePath: "readme.txt"})
	assert.Len(t, e.alertsOfType(t, alert.TypeFileDeleted), 1)

	process(event.TypeDatabaseQuery, nil)
	process(event.TypeNetworkRequest, nil)
	process(event.TypeErrorOccurrence, nil)
}

func TestQueueSurvivesRestart(t *testing.T) {
	e := newEnv(t, testOptions())
	ctx := context.Background()

	require.NoError(t, e.proc.QueueEvent(ctx, event.TypeFileChange, event.Data{event.KeyFilePath: "/a"}, event.PriorityLow))
	require.NoError(t, e.proc.QueueEvent(ctx, event.TypeLoginFailure, event.Data{event.KeyIPAddress: "10.0.0.1"}, event.PriorityHigh))
	require.NoError(t, e.proc.QueueEvent(ctx, event.TypeAdminAction, event.Data{"action": "x"}, event.PriorityMedium))
	before := e.proc.queue.Snapshot()
	require.NoError(t, e.proc.SaveEventQueue(ctx))

	restarted := newEnvWithDB(t, e.db, testOptions())
	n, err := restarted.proc.LoadEventQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	after := restarted.proc.queue.Snapshot()
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].Priority, after[i].Priority)
	}

	// Loading again adds nothing.
	n, err = restarted.proc.LoadEventQueue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 3, restarted.proc.Status().QueueDepth)

	// Once drained, the snapshot is empty.
	_, err = restarted.proc.ProcessEventQueue(ctx)
	require.NoError(t, err)
	again := newEnvWithDB(t, e.db, testOptions())
	n, err = again.proc.LoadEventQueue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRestartAfterCrashDoesNotReplayActions(t *testing.T) {
	e := newEnv(t, testOptions())
	ctx := context.Background()

	require.NoError(t, e.proc.QueueEvent(ctx, event.TypeMalwareDetected, event.Data{
		event.KeyFilePath: "/wp-content/x.php",
		"threat_score":    75,
	}, event.PriorityHigh))
	require.NoError(t, e.proc.SaveEventQueue(ctx))

	// The cycle gets as far as persisting the event, then the process dies
	// before the end-of-cycle snapshot.
	queued := e.proc.queue.Snapshot()
	require.Len(t, queued, 1)
	_, err := e.proc.ProcessSingleEvent(ctx, queued[0])
	require.NoError(t, err)
	require.Len(t, e.exec.kinds(), 1)

	restarted := newEnvWithDB(t, e.db, testOptions())
	n, err := restarted.proc.LoadEventQueue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "persisted events must not be restored")

	for i := 0; i < 3; i++ {
		rep, err := restarted.proc.ProcessEventQueue(ctx)
		require.NoError(t, err)
		assert.Zero(t, rep.Failed)
	}
	assert.Empty(t, restarted.exec.kinds())

	// Reprocessing the same event directly is a no-op for side effects.
	_, err = restarted.proc.ProcessSingleEvent(ctx, queued[0])
	require.NoError(t, err)
	assert.Empty(t, restarted.exec.kinds())

	events, err := e.db.QueryEvents(ctx, store.EventFilter{Type: event.TypeMalwareDetected})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Result, "action_results")
}

func TestRiskLevelAndCleanup(t *testing.T) {
	e := newEnv(t, testOptions())
	ctx := context.Background()

	require.NoError(t, e.proc.QueueEvent(ctx, event.TypeNetworkRequest, event.Data{event.KeyIPAddress: "192.0.2.7"}, event.PriorityLow))
	_, err := e.proc.ProcessEventQueue(ctx)
	require.NoError(t, err)

	st := e.proc.Status()
	assert.Positive(t, st.RiskLevel)
	assert.Equal(t, 1, st.Processed)
	assert.Equal(t, 1, st.LastCycle.Processed)

	e.clock.Advance(8 * 24 * time.Hour)
	n, err := e.proc.CleanupOldEvents(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
