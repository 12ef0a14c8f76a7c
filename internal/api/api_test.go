package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/setevik/sitesentry/internal/alert"
	"github.com/setevik/sitesentry/internal/alerting"
	"github.com/setevik/sitesentry/internal/event"
	"github.com/setevik/sitesentry/internal/metrics"
	"github.com/setevik/sitesentry/internal/processor"
	"github.com/setevik/sitesentry/internal/queue"
	"github.com/setevik/sitesentry/internal/scheduler"
	"github.com/setevik/sitesentry/internal/store"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeAlerts struct {
	alerts     map[string]*alert.Alert
	lastFilter store.AlertFilter
}

func (f *fakeAlerts) List(_ context.Context, filter store.AlertFilter) ([]*alert.Alert, error) {
	f.lastFilter = filter
	var out []*alert.Alert
	for _, a := range f.alerts {
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeAlerts) Get(_ context.Context, id string) (*alert.Alert, error) {
	a, ok := f.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", alert.ErrNotFound, id)
	}
	return a, nil
}

func (f *fakeAlerts) Acknowledge(_ context.Context, id, by string) error {
	a, ok := f.alerts[id]
	if !ok {
		return fmt.Errorf("%w: %s", alert.ErrNotFound, id)
	}
	if a.Status != alert.StatusNew {
		return fmt.Errorf("%w: %s -> acknowledged", alert.ErrInvalidTransition, a.Status)
	}
	a.Status = alert.StatusAcknowledged
	a.AcknowledgedBy = by
	return nil
}

func (f *fakeAlerts) Resolve(_ context.Context, id, resolution, by string) error {
	a, ok := f.alerts[id]
	if !ok {
		return fmt.Errorf("%w: %s", alert.ErrNotFound, id)
	}
	a.Status = alert.StatusResolved
	a.Resolution = resolution
	a.ResolvedBy = by
	return nil
}

func (f *fakeAlerts) Stats(_ context.Context, period string) (store.AlertStats, error) {
	if _, err := alerting.PeriodStart(period, testNow); err != nil {
		return store.AlertStats{}, err
	}
	return store.AlertStats{Total: len(f.alerts), BySeverity: map[string]int{"high": len(f.alerts)}}, nil
}

type fakeEvents struct {
	queued []event.Type
	full   bool
}

func (f *fakeEvents) QueueEvent(_ context.Context, t event.Type, _ event.Data, _ event.Priority) error {
	if f.full {
		return queue.ErrFull
	}
	f.queued = append(f.queued, t)
	return nil
}

func (f *fakeEvents) Status() processor.Status {
	return processor.Status{QueueDepth: len(f.queued), RiskLevel: 12.5}
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeAlerts, *fakeEvents) {
	t.Helper()
	alerts := &fakeAlerts{alerts: map[string]*alert.Alert{
		"a1": {ID: "a1", Type: alert.TypeBruteForceAttack, Severity: alert.SevHigh, Status: alert.StatusNew, Title: "Brute force", CreatedAt: testNow},
		"a2": {ID: "a2", Type: alert.TypeAdminActivity, Severity: alert.SevLow, Status: alert.StatusNew, Title: "Admin", CreatedAt: testNow},
	}}
	events := &fakeEvents{}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.QueueDepth.Set(3)

	s := NewServer(Deps{
		Alerts:   alerts,
		Events:   events,
		Tasks:    func() []scheduler.LastRun { return []scheduler.LastRun{{Task: "queue", At: testNow}} },
		Gatherer: reg,
		Now:      func() time.Time { return testNow },
	})
	ts := httptest.NewServer(s)
	t.Cleanup(ts.Close)
	return ts, alerts, events
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	var r *http.Request
	var err error
	if body != "" {
		r, err = http.NewRequest(method, url, strings.NewReader(body))
	} else {
		r, err = http.NewRequest(method, url, nil)
	}
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(r)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, body := do(t, http.MethodGet, ts.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestListAlertsFilters(t *testing.T) {
	ts, alerts, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/alerts?severity=high&status=new,acknowledged&since=24h&limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	f := alerts.lastFilter
	assert.Equal(t, alert.SevHigh, f.Severity)
	assert.Equal(t, []alert.Status{alert.StatusNew, alert.StatusAcknowledged}, f.Statuses)
	assert.Equal(t, testNow.Add(-24*time.Hour), f.Since)
	assert.Equal(t, 5, f.Limit)

	list := body["alerts"].([]any)
	first := list[0].(map[string]any)
	assert.Equal(t, "a1", first["id"])
	assert.NotContains(t, first, "acknowledged_at", "zero times are omitted")
}

func TestListAlertsBadQuery(t *testing.T) {
	ts, _, _ := newTestServer(t)
	for _, q := range []string{"severity=urgent", "type=nope", "limit=-1", "since=yesterday"} {
		t.Run(q, func(t *testing.T) {
			resp, body := do(t, http.MethodGet, ts.URL+"/api/alerts?"+q, "")
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestGetAlert(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/alerts/a1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "brute_force_attack", body["type"])

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/alerts/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAcknowledgeAndResolve(t *testing.T) {
	ts, alerts, _ := newTestServer(t)

	resp, _ := do(t, http.MethodPost, ts.URL+"/api/alerts/a1/acknowledge", `{"by":"alice"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", alerts.alerts["a1"].AcknowledgedBy)

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/alerts/a1/acknowledge", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "second acknowledge is an invalid transition")

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/alerts/a2/resolve", `{"resolution":"expected maintenance"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "api", alerts.alerts["a2"].ResolvedBy)
	assert.Equal(t, "expected maintenance", alerts.alerts["a2"].Resolution)

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/alerts/a2/resolve", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/alerts/a1/acknowledge", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStats(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/stats?period=week", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["total"])

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/stats?period=decade", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueueEvent(t *testing.T) {
	ts, _, events := newTestServer(t)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/events",
		`{"type":"login_failure","data":{"ip_address":"203.0.113.9"},"priority":"high"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["queued"])
	assert.Equal(t, []event.Type{event.TypeLoginFailure}, events.queued)

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/events", `{"type":"teleport","data":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/events", `garbage`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	events.full = true
	resp, _ = do(t, http.MethodPost, ts.URL+"/api/events", `{"type":"file_change","data":{"file_path":"/a"}}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatus(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	proc := body["processor"].(map[string]any)
	assert.Equal(t, 12.5, proc["risk_level"])
	tasks := body["tasks"].([]any)
	assert.Len(t, tasks, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), "sitesentry_queue_depth 3")
}
