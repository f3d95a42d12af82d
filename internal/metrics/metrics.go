// Package metrics defines the Prometheus instrumentation for prefixd.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "prefixd"

// Metrics holds every prefixd metric, grouped by subsystem.
type Metrics struct {
	// Ingestion pipeline
	EventsIngested      *prometheus.CounterVec
	IngestOutcomes      *prometheus.CounterVec
	GuardrailRejections *prometheus.CounterVec
	IngestDuration      prometheus.Histogram

	// Mitigation state
	MitigationsActive prometheus.Gauge

	// Announcer
	AnnouncerCalls   *prometheus.CounterVec
	BGPSessionUp     *prometheus.GaugeVec
	AnnounceFailures *prometheus.CounterVec

	// Reconciliation
	ReconcileTicks    prometheus.Counter
	ReconcileDuration prometheus.Histogram
	ReconcileRepairs  *prometheus.CounterVec

	// Broadcast bus
	FeedSubscribers prometheus.Gauge
	FeedDropped     prometheus.Counter
	FeedResyncs     prometheus.Counter

	// Repository
	DBRowParseErrors prometheus.Counter

	// HTTP
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers all prefixd metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Detector events ingested, by source and action",
		}, []string{"source", "action"}),

		IngestOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_outcomes_total",
			Help:      "Ingestion pipeline outcomes",
		}, []string{"outcome"}),

		GuardrailRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_rejections_total",
			Help:      "Events rejected by guardrails, by reason",
		}, []string{"reason"}),

		IngestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "End-to-end ingestion pipeline duration",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),

		MitigationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mitigations_active",
			Help:      "Mitigations currently in a non-terminal status in the local POP",
		}),

		AnnouncerCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announcer_calls_total",
			Help:      "Announcer RPCs, by operation and result",
		}, []string{"op", "result"}),

		BGPSessionUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bgp_session_up",
			Help:      "Whether the BGP session to a peer is established (1) or down (0)",
		}, []string{"peer"}),

		AnnounceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announce_failures_total",
			Help:      "Failed announcement attempts, by peer",
		}, []string{"peer"}),

		ReconcileTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_ticks_total",
			Help:      "Completed reconciliation ticks",
		}),

		ReconcileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of one reconciliation tick",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}),

		ReconcileRepairs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_repairs_total",
			Help:      "Reconciler repair actions, by kind",
		}, []string{"kind"}),

		FeedSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "subscribers",
			Help:      "Active broadcast feed subscribers",
		}),

		FeedDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "dropped_messages_total",
			Help:      "Feed messages dropped due to subscriber lag",
		}),

		FeedResyncs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "resync_notices_total",
			Help:      "ResyncRequired notices pushed to lagging subscribers",
		}),

		DBRowParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_row_parse_errors_total",
			Help:      "List-query rows skipped because they failed to parse",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method, route and status",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration, by route",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"route"}),
	}
}
