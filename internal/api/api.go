// Package api serves the admin HTTP surface: alert inspection and
// lifecycle, statistics, collector ingress, status and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/setevik/sitesentry/internal/alert"
	"github.com/setevik/sitesentry/internal/alerting"
	"github.com/setevik/sitesentry/internal/event"
	"github.com/setevik/sitesentry/internal/format"
	"github.com/setevik/sitesentry/internal/ingest"
	"github.com/setevik/sitesentry/internal/processor"
	"github.com/setevik/sitesentry/internal/queue"
	"github.com/setevik/sitesentry/internal/scheduler"
	"github.com/setevik/sitesentry/internal/store"
)

const maxBodyBytes = 1 << 20

// Alerts is the alert-manager surface the API exposes.
type Alerts interface {
	List(ctx context.Context, f store.AlertFilter) ([]*alert.Alert, error)
	Get(ctx context.Context, id string) (*alert.Alert, error)
	Acknowledge(ctx context.Context, id, by string) error
	Resolve(ctx context.Context, id, resolution, by string) error
	Stats(ctx context.Context, period string) (store.AlertStats, error)
}

// Events is the processor surface the API exposes.
type Events interface {
	QueueEvent(ctx context.Context, t event.Type, data event.Data, p event.Priority) error
	Status() processor.Status
}

// Notifications lists dashboard inbox entries.
type Notifications interface {
	Notifications(ctx context.Context, unseenOnly bool, limit int) ([]store.Notification, error)
}

// Deps are the collaborators behind the handlers. Notifications, Tasks and
// Gatherer are optional.
type Deps struct {
	Alerts        Alerts
	Events        Events
	Notifications Notifications
	Tasks         func() []scheduler.LastRun
	Gatherer      prometheus.Gatherer
	Now           func() time.Time
}

// Server routes admin requests.
type Server struct {
	deps   Deps
	router *mux.Router
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{deps: deps, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}", s.handleGetAlert).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/acknowledge", s.handleAcknowledge).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}/resolve", s.handleResolve).Methods(http.MethodPost)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleQueueEvent).Methods(http.MethodPost)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	if s.deps.Notifications != nil {
		api.HandleFunc("/notifications", s.handleNotifications).Methods(http.MethodGet)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	slog.Info("admin api listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("admin api: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// alertView is the JSON shape of an alert.
type alertView struct {
	ID              string            `json:"id"`
	Type            alert.Type        `json:"type"`
	Severity        alert.Severity    `json:"severity"`
	Priority        int               `json:"priority"`
	Title           string            `json:"title"`
	Message         string            `json:"message"`
	Details         map[string]any    `json:"details,omitempty"`
	Source          string            `json:"source,omitempty"`
	Status          alert.Status      `json:"status"`
	DuplicateCount  int               `json:"duplicate_count"`
	LastOccurrence  *time.Time        `json:"last_occurrence,omitempty"`
	EscalationLevel int               `json:"escalation_level"`
	LastEscalation  *time.Time        `json:"last_escalation,omitempty"`
	AcknowledgedAt  *time.Time        `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  string            `json:"acknowledged_by,omitempty"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
	ResolvedBy      string            `json:"resolved_by,omitempty"`
	Resolution      string            `json:"resolution,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Notified        bool              `json:"notified"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func viewOf(a *alert.Alert) alertView {
	return alertView{
		ID:              a.ID,
		Type:            a.Type,
		Severity:        a.Severity,
		Priority:        a.Priority,
		Title:           a.Title,
		Message:         a.Message,
		Details:         a.Details,
		Source:          a.Source,
		Status:          a.Status,
		DuplicateCount:  a.DuplicateCount,
		LastOccurrence:  optTime(a.LastOccurrence),
		EscalationLevel: a.EscalationLevel,
		LastEscalation:  optTime(a.LastEscalation),
		AcknowledgedAt:  optTime(a.AcknowledgedAt),
		AcknowledgedBy:  a.AcknowledgedBy,
		ResolvedAt:      optTime(a.ResolvedAt),
		ResolvedBy:      a.ResolvedBy,
		Resolution:      a.Resolution,
		Metadata:        a.Metadata,
		Notified:        a.Notified,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": s.deps.Now().UTC(),
	})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	f, err := s.alertFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	alerts, err := s.deps.Alerts.List(r.Context(), f)
	if err != nil {
		s.fail(w, "listing alerts", err)
		return
	}
	views := make([]alertView, 0, len(alerts))
	for _, a := range alerts {
		views = append(views, viewOf(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": views, "count": len(views)})
}

// alertFilter reads status, severity, type, since and limit query parameters.
// since accepts an RFC 3339 timestamp or a look-back duration such as "24h".
func (s *Server) alertFilter(r *http.Request) (store.AlertFilter, error) {
	q := r.URL.Query()
	f := store.AlertFilter{Limit: 100}

	if v := q.Get("status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			f.Statuses = append(f.Statuses, alert.Status(strings.TrimSpace(part)))
		}
	}
	if v := q.Get("severity"); v != "" {
		f.Severity = alert.Severity(v)
		if !f.Severity.Valid() {
			return f, fmt.Errorf("unknown severity %q", v)
		}
	}
	if v := q.Get("type"); v != "" {
		f.Type = alert.Type(v)
		if !f.Type.Valid() {
			return f, fmt.Errorf("unknown alert type %q", v)
		}
	}
	if v := q.Get("since"); v != "" {
		since, err := parseSince(v, s.deps.Now())
		if err != nil {
			return f, err
		}
		f.Since = since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = n
	}
	return f, nil
}

func parseSince(v string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := format.ParseDuration(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid since %q: want RFC 3339 time or duration", v)
	}
	return now.Add(-d), nil
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Alerts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, "getting alert", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(a))
}

type lifecycleRequest struct {
	By         string `json:"by"`
	Resolution string `json:"resolution"`
}

func decodeLifecycle(w http.ResponseWriter, r *http.Request) (lifecycleRequest, error) {
	var req lifecycleRequest
	if r.ContentLength == 0 {
		return req, nil
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		return req, fmt.Errorf("invalid JSON body: %w", err)
	}
	return req, nil
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	req, err := decodeLifecycle(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.deps.Alerts.Acknowledge(r.Context(), id, orDefault(req.By, "api")); err != nil {
		s.fail(w, "acknowledging alert", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": alert.StatusAcknowledged})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	req, err := decodeLifecycle(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.deps.Alerts.Resolve(r.Context(), id, req.Resolution, orDefault(req.By, "api")); err != nil {
		s.fail(w, "resolving alert", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": alert.StatusResolved})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Alerts.Stats(r.Context(), r.URL.Query().Get("period"))
	if err != nil {
		s.fail(w, "alert stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueueEvent(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var raw json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sub, err := ingest.ParseSubmission(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Events.QueueEvent(r.Context(), sub.Type, sub.Data, sub.Priority); err != nil {
		s.fail(w, "queueing event", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "type": sub.Type, "priority": sub.Priority})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"processor": s.deps.Events.Status(),
	}
	if s.deps.Tasks != nil {
		resp["tasks"] = s.deps.Tasks()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	unseen := r.URL.Query().Get("unseen") == "true"
	list, err := s.deps.Notifications.Notifications(r.Context(), unseen, 50)
	if err != nil {
		s.fail(w, "listing notifications", err)
		return
	}
	if list == nil {
		list = []store.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

// fail maps domain errors to HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, alert.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, alert.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, alert.ErrValidation),
		errors.Is(err, alerting.ErrUnknownPeriod),
		errors.Is(err, event.ErrUnknownType),
		errors.Is(err, event.ErrUnknownPriority):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("admin api request failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
