// Package processor is the Event Processor: it accepts events from
// collectors, orders them in a bounded priority queue, and runs each one
// through correlation, risk scoring and its type handler before persisting it.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/setevik/sitesentry/internal/alert"
	"github.com/setevik/sitesentry/internal/collector"
	"github.com/setevik/sitesentry/internal/config"
	"github.com/setevik/sitesentry/internal/event"
	"github.com/setevik/sitesentry/internal/metrics"
	"github.com/setevik/sitesentry/internal/queue"
	"github.com/setevik/sitesentry/internal/responder"
	"github.com/setevik/sitesentry/internal/risk"
	"github.com/setevik/sitesentry/internal/store"
)

var (
	// ErrNoHandler is returned for an event type without a handler.
	ErrNoHandler = errors.New("no handler for event type")
	// ErrInvalidPayload marks an event whose data a handler cannot use.
	// Such events are dropped without retry.
	ErrInvalidPayload = errors.New("invalid event payload")
)

// Alerter creates alerts on behalf of handlers.
type Alerter interface {
	CreateAlert(ctx context.Context, req alert.Request) (alert.CreateResult, error)
}

// Executor runs response actions returned by handlers.
type Executor interface {
	Execute(ctx context.Context, actions []responder.Action) []store.ActionRecord
}

// Correlator matches an event against recent history.
type Correlator interface {
	Correlate(ctx context.Context, ev *event.Event, now time.Time) (*event.Correlation, error)
}

// Handler processes one enriched event and returns its result.
type Handler func(ctx context.Context, ev *event.Event) (Result, error)

// Result is a handler's structured outcome. It is stored with the event.
type Result map[string]any

// ResultActions is the result key holding []responder.Action.
const ResultActions = "response_actions"

// Actions returns the response actions a handler requested.
func (r Result) Actions() []responder.Action {
	actions, _ := r[ResultActions].([]responder.Action)
	return actions
}

func (r Result) addAction(kind responder.Kind, target, reason string) {
	r[ResultActions] = append(r.Actions(), responder.Action{Kind: kind, Target: target, Reason: reason})
}

// Options tunes the processor.
type Options struct {
	MaxQueueSize      int
	BatchSize         int
	MaxProcessingTime time.Duration
	MaxAttempts       int
	Realtime          bool
	Correlation       bool
	RiskScoring       bool
	EventRetention    time.Duration
	SiteRoot          string
	BlockBruteForce   bool
}

// OptionsFromConfig maps the [processor] and related sections.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxQueueSize:      cfg.Processor.MaxQueueSize,
		BatchSize:         cfg.Processor.BatchSize,
		MaxProcessingTime: cfg.Processor.MaxProcessingTime.Duration,
		MaxAttempts:       cfg.Processor.MaxAttempts,
		Realtime:          cfg.Processor.RealtimeProcessing,
		Correlation:       cfg.Processor.CorrelationEnabled,
		RiskScoring:       cfg.Processor.RiskScoringEnabled,
		EventRetention:    cfg.DB.EventRetention.Duration,
		SiteRoot:          cfg.Collector.SiteRoot,
		BlockBruteForce:   cfg.Responder.BlockBruteForce,
	}
}

// Deps are the processor's collaborators. Correlator, Scorer, Responder,
// Scanner and Metrics may be nil.
type Deps struct {
	DB         *store.DB
	Alerts     Alerter
	Correlator Correlator
	Scorer     *risk.Scorer
	Responder  Executor
	Activity   *collector.Activity
	Scanner    *collector.Scanner
	Metrics    *metrics.Metrics
}

// Processor is the central event queue and dispatcher.
type Processor struct {
	db         *store.DB
	alerts     Alerter
	correlator Correlator
	scorer     *risk.Scorer
	responder  Executor
	activity   *collector.Activity
	scanner    *collector.Scanner
	metrics    *metrics.Metrics

	opts     Options
	now      func() time.Time
	queue    *queue.Queue
	handlers map[event.Type]Handler
	level    risk.Level

	// cycle serializes drain cycles.
	cycle sync.Mutex

	statsMu   sync.Mutex
	processed int
	avg       time.Duration
	lastCycle CycleReport
}

// New creates a Processor.
func New(deps Deps, opts Options, now func() time.Time) *Processor {
	if now == nil {
		now = time.Now
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.MaxProcessingTime <= 0 {
		opts.MaxProcessingTime = 30 * time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Discard()
	}
	if deps.Activity == nil {
		deps.Activity = collector.NewActivity(deps.DB, 0, 0)
	}

	p := &Processor{
		db:         deps.DB,
		alerts:     deps.Alerts,
		correlator: deps.Correlator,
		scorer:     deps.Scorer,
		responder:  deps.Responder,
		activity:   deps.Activity,
		scanner:    deps.Scanner,
		metrics:    deps.Metrics,
		opts:       opts,
		now:        now,
		queue:      queue.New(opts.MaxQueueSize, now),
	}
	p.handlers = p.defaultHandlers()
	return p
}

// Handle replaces the handler for t.
func (p *Processor) Handle(t event.Type, h Handler) {
	p.handlers[t] = h
}

// QueueEvent accepts an event from a collector. Critical events are processed
// in-line when real-time processing is enabled; everything else waits for
// the next drain cycle.
func (p *Processor) QueueEvent(ctx context.Context, t event.Type, data event.Data, prio event.Priority) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", event.ErrUnknownType, t)
	}
	if prio == "" {
		prio = event.PriorityMedium
	}
	if prio.Rank() > event.PriorityLow.Rank() {
		return fmt.Errorf("%w: %q", event.ErrUnknownPriority, prio)
	}

	ev := event.New(t, data, prio, p.now())
	p.metrics.EventsQueued.WithLabelValues(string(prio)).Inc()

	if prio == event.PriorityCritical && p.opts.Realtime {
		ev.Attempts++
		_, err := p.ProcessSingleEvent(ctx, ev)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrInvalidPayload) {
			p.drop(ev, "invalid_payload", err)
			return nil
		}
		slog.Warn("real-time processing failed, queueing for retry", "event_id", ev.ID, "type", ev.Type, "error", err)
	}

	return p.push(ev)
}

func (p *Processor) push(ev *event.Event) error {
	evicted, err := p.queue.Push(ev)
	for _, e := range evicted {
		p.metrics.EventsEvicted.Inc()
		slog.Warn("evicted stale event from full queue", "event_id", e.ID, "type", e.Type, "priority", e.Priority, "age", p.now().Sub(e.CreatedAt))
	}
	p.metrics.QueueDepth.Set(float64(p.queue.Len()))
	if err != nil {
		p.metrics.EventsDropped.WithLabelValues("queue_full").Inc()
		slog.Error("event queue full, dropping event", "event_id", ev.ID, "type", ev.Type, "priority", ev.Priority)
		return err
	}
	return nil
}

func (p *Processor) drop(ev *event.Event, reason string, err error) {
	p.metrics.EventsDropped.WithLabelValues(reason).Inc()
	slog.Error("dropping event", "event_id", ev.ID, "type", ev.Type, "attempts", ev.Attempts, "reason", reason, "error", err)
}

// CycleReport summarizes one drain cycle.
type CycleReport struct {
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Dropped   int           `json:"dropped"`
	Remaining int           `json:"remaining"`
	Duration  time.Duration `json:"duration"`
	At        time.Time     `json:"at"`
}

// ProcessEventQueue drains up to BatchSize events within the processing time
// budget. Failed events are requeued until MaxAttempts, then dropped. The
// queue is snapshotted to storage at the end of the cycle.
func (p *Processor) ProcessEventQueue(ctx context.Context) (CycleReport, error) {
	p.cycle.Lock()
	defer p.cycle.Unlock()

	start := p.now()
	rep := CycleReport{At: start}

	// Without storage nothing can be persisted; leave the queue untouched.
	if err := p.db.Ping(ctx); err != nil {
		return rep, fmt.Errorf("storage unavailable: %w", err)
	}

	deadline := start.Add(p.opts.MaxProcessingTime)
	var retry []*event.Event
	for i := 0; i < p.opts.BatchSize; i++ {
		if ctx.Err() != nil || !p.now().Before(deadline) {
			break
		}
		ev, ok := p.queue.Pop()
		if !ok {
			break
		}

		ev.Attempts++
		_, err := p.ProcessSingleEvent(ctx, ev)
		switch {
		case err == nil:
			rep.Processed++
		case errors.Is(err, ErrInvalidPayload):
			rep.Dropped++
			p.drop(ev, "invalid_payload", err)
		case ev.Attempts >= p.opts.MaxAttempts:
			rep.Failed++
			rep.Dropped++
			p.drop(ev, "max_attempts", err)
		default:
			rep.Failed++
			slog.Warn("event processing failed, will retry", "event_id", ev.ID, "type", ev.Type, "attempt", ev.Attempts, "error", err)
			retry = append(retry, ev)
		}
	}

	for _, ev := range retry {
		if err := p.push(ev); err != nil {
			rep.Dropped++
		}
	}

	rep.Remaining = p.queue.Len()
	rep.Duration = p.now().Sub(start)
	p.metrics.QueueDepth.Set(float64(rep.Remaining))

	p.statsMu.Lock()
	p.lastCycle = rep
	p.statsMu.Unlock()

	if rep.Processed > 0 || rep.Failed > 0 {
		slog.Info("event queue cycle", "processed", rep.Processed, "failed", rep.Failed,
			"dropped", rep.Dropped, "remaining", rep.Remaining)
	}

	if err := p.SaveEventQueue(ctx); err != nil {
		return rep, err
	}
	return rep, nil
}

// ProcessSingleEvent runs the full pipeline for ev: correlation, scoring,
// handler, response actions, persistence and risk level update.
func (p *Processor) ProcessSingleEvent(ctx context.Context, ev *event.Event) (Result, error) {
	start := time.Now()

	handler, ok := p.handlers[ev.Type]
	if !ok {
		p.metrics.EventsFailed.WithLabelValues(string(ev.Type)).Inc()
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, ev.Type)
	}

	now := p.now()
	if p.opts.Correlation && p.correlator != nil {
		corr, err := p.correlator.Correlate(ctx, ev, now)
		if err != nil {
			p.metrics.EventsFailed.WithLabelValues(string(ev.Type)).Inc()
			return nil, fmt.Errorf("correlating event: %w", err)
		}
		ev.Correlation = corr
	}

	if p.opts.RiskScoring && p.scorer != nil {
		ev.RiskScore = p.scorer.Score(ev, ev.Correlation)
	}

	result, err := p.runHandler(ctx, handler, ev)
	if err != nil {
		p.metrics.EventsFailed.WithLabelValues(string(ev.Type)).Inc()
		return nil, err
	}

	if err := p.raiseCorrelation(ctx, ev, result); err != nil {
		p.metrics.EventsFailed.WithLabelValues(string(ev.Type)).Inc()
		return nil, err
	}

	ev.Result = result
	ev.Processed = true
	ev.ProcessedAt = p.now()
	if err := p.db.InsertEvent(ctx, ev); err != nil {
		if errors.Is(err, store.ErrEventExists) {
			// A previous run already persisted it and executed its actions.
			slog.Info("event already persisted, skipping", "event_id", ev.ID, "type", ev.Type)
			return result, nil
		}
		p.metrics.EventsFailed.WithLabelValues(string(ev.Type)).Inc()
		return nil, err
	}

	// Actions run only once the event row exists, so a retry never repeats them.
	if actions := result.Actions(); len(actions) > 0 && p.responder != nil {
		records := p.responder.Execute(ctx, actions)
		for _, rec := range records {
			p.metrics.ResponseActions.WithLabelValues(rec.Kind, rec.Outcome).Inc()
		}
		result["action_results"] = records
		if err := p.db.UpdateEventResult(ctx, ev.ID, result); err != nil {
			slog.Warn("recording action results failed", "event_id", ev.ID, "error", err)
		}
	}

	level := p.level.Add(ev.RiskScore, ev.ProcessedAt)
	p.metrics.RiskLevel.Set(level)
	p.metrics.EventsProcessed.WithLabelValues(string(ev.Type)).Inc()

	elapsed := time.Since(start)
	p.metrics.ProcessDuration.Observe(elapsed.Seconds())
	p.track(elapsed)

	slog.Debug("event processed", "event_id", ev.ID, "type", ev.Type, "risk_score", ev.RiskScore, "duration", elapsed)
	return result, nil
}

// runHandler converts a handler panic into an error so one bad event never
// takes down the cycle.
func (p *Processor) runHandler(ctx context.Context, h Handler, ev *event.Event) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", ev.Type, r)
		}
	}()
	res, err = h(ctx, ev)
	if res == nil && err == nil {
		res = Result{}
	}
	return res, err
}

// track keeps a moving average of processing time.
func (p *Processor) track(d time.Duration) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.processed++
	p.avg += (d - p.avg) / time.Duration(p.processed)
}

// LoadEventQueue restores the persisted queue snapshot. Events already
// queued are not duplicated.
func (p *Processor) LoadEventQueue(ctx context.Context) (int, error) {
	events, err := p.db.LoadQueue(ctx)
	if err != nil {
		return 0, err
	}
	n := p.queue.Restore(events)
	p.metrics.QueueDepth.Set(float64(p.queue.Len()))
	if n > 0 {
		slog.Info("restored event queue", "events", n)
	}
	return n, nil
}

// SaveEventQueue snapshots the in-memory queue to storage.
func (p *Processor) SaveEventQueue(ctx context.Context) error {
	if err := p.db.SaveQueue(ctx, p.queue.Snapshot()); err != nil {
		return fmt.Errorf("saving event queue: %w", err)
	}
	return nil
}

// CleanupOldEvents purges processed events past retention.
func (p *Processor) CleanupOldEvents(ctx context.Context) (int64, error) {
	if p.opts.EventRetention <= 0 {
		return 0, nil
	}
	n, err := p.db.PurgeEvents(ctx, p.opts.EventRetention, p.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("purged old events", "count", n, "retention", p.opts.EventRetention)
	}
	return n, nil
}

// Status is a point-in-time view of the processor.
type Status struct {
	QueueDepth    int                    `json:"queue_depth"`
	QueueCounts   map[event.Priority]int `json:"queue_counts"`
	RiskLevel     float64                `json:"risk_level"`
	Processed     int                    `json:"processed"`
	AvgProcessing time.Duration          `json:"avg_processing"`
	LastCycle     CycleReport            `json:"last_cycle"`
}

// Status reports queue depth, risk level and processing statistics.
func (p *Processor) Status() Status {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return Status{
		QueueDepth:    p.queue.Len(),
		QueueCounts:   p.queue.Counts(),
		RiskLevel:     p.level.Value(p.now()),
		Processed:     p.processed,
		AvgProcessing: p.avg,
		LastCycle:     p.lastCycle,
	}
}
