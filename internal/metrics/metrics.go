// Package metrics holds the Prometheus metrics for sitesentry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sitesentry"

// Metrics holds every metric the daemon exports.
type Metrics struct {
	EventsQueued    *prometheus.CounterVec
	EventsProcessed *prometheus.CounterVec
	EventsFailed    *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	EventsEvicted   prometheus.Counter
	QueueDepth      prometheus.Gauge
	ProcessDuration prometheus.Histogram
	RiskLevel       prometheus.Gauge

	AlertsCreated     *prometheus.CounterVec
	AlertsDuplicate   prometheus.Counter
	AlertsRateLimited prometheus.Counter
	Escalations       *prometheus.CounterVec
	ChannelSends      *prometheus.CounterVec
	ResponseActions   *prometheus.CounterVec

	TaskRuns       *prometheus.CounterVec
	IngestRestarts *prometheus.CounterVec
}

// New registers the metric set on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsQueued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_queued_total",
			Help:      "Events accepted by the processor, by priority.",
		}, []string{"priority"}),
		EventsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Events processed successfully, by type.",
		}, []string{"type"}),
		EventsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_failed_total",
			Help:      "Event processing attempts that failed, by type.",
		}, []string{"type"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events given up on, by reason.",
		}, []string{"reason"}),
		EventsEvicted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_evicted_total",
			Help:      "Stale events evicted from a full queue.",
		}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Events waiting in the processing queue.",
		}),
		ProcessDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_seconds",
			Help:      "Time to process a single event.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		RiskLevel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "risk_level",
			Help:      "Rolling site risk level (0-100).",
		}),
		AlertsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Alerts created, by severity.",
		}, []string{"severity"}),
		AlertsDuplicate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_duplicate_total",
			Help:      "Alert requests folded into an existing alert.",
		}),
		AlertsRateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_rate_limited_total",
			Help:      "Alert requests rejected by the global rate limit.",
		}),
		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Alert escalations, by severity.",
		}, []string{"severity"}),
		ChannelSends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_sends_total",
			Help:      "Channel deliveries, by channel and outcome.",
		}, []string{"channel", "outcome"}),
		ResponseActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_actions_total",
			Help:      "Executed response actions, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		TaskRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduled_task_runs_total",
			Help:      "Background task runs, by task and outcome.",
		}, []string{"task", "outcome"}),
		IngestRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_restarts_total",
			Help:      "Ingest source restarts, by source and reason.",
		}, []string{"source", "reason"}),
	}
}

// Discard returns metrics registered on a private registry, for tests and
// callers that do not export metrics.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
