package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ipo_telemetry"

// DevLink3 connection and protocol counters.
var (
	DevLink3Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "devlink3_reconnects_total",
		Help:      "Total DevLink3 connection (re)establishments.",
	})

	DevLink3AuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "devlink3_auth_failures_total",
		Help:      "Total DevLink3 authentication failures.",
	})

	DevLink3FramingErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "devlink3_framing_errors_total",
		Help:      "Total DevLink3 frame resyncs after bad magic bytes.",
	})

	DevLink3EventsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "devlink3_events_received_total",
		Help:      "Total DevLink3 event frames received.",
	})
)

// SMDR counters.
var (
	SMDRRecordsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "smdr_records_received_total",
		Help:      "Total SMDR records parsed off the TCP listener.",
	})

	SMDRParseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "smdr_parse_errors_total",
		Help:      "Total SMDR lines rejected by the parser.",
	})

	SMDRConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "smdr_connections_active",
		Help:      "Current number of open SMDR TCP connections.",
	})
)

// Correlation counters.
var (
	CorrelationMatchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "correlation_matched_total",
		Help:      "Total SMDR records reconciled against a live call, by strategy.",
	}, []string{"strategy"})

	CorrelationUnmatchedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "correlation_unmatched_total",
		Help:      "Total SMDR records that became standalone calls.",
	})

	CorrelationMatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "correlation_match_latency_seconds",
		Help:      "Time between a live call's first sighting and its SMDR match.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms .. ~200s
	})
)

// AgentResolver counters.
var (
	ResolverCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolver_cache_hits_total",
		Help:      "Total extension lookups served from the in-memory cache.",
	})

	ResolverCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolver_cache_misses_total",
		Help:      "Total extension lookups that missed the in-memory cache.",
	})

	ResolverPlaceholdersCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolver_placeholders_created_total",
		Help:      "Total synthetic agent rows created for never-before-seen extensions.",
	})
)

// PersistBuffer counters.
var (
	PersistBatchesFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persist_batches_flushed_total",
		Help:      "Total call_event batches flushed to the database.",
	})

	PersistBatchesRequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persist_batches_requeued_total",
		Help:      "Total call_event batches requeued after a failed flush.",
	})
)

func init() {
	prometheus.MustRegister(
		DevLink3Reconnects,
		DevLink3AuthFailures,
		DevLink3FramingErrors,
		DevLink3EventsReceived,
		SMDRRecordsReceived,
		SMDRParseErrors,
		SMDRConnectionsActive,
		CorrelationMatchedTotal,
		CorrelationUnmatchedTotal,
		CorrelationMatchLatency,
		ResolverCacheHits,
		ResolverCacheMisses,
		ResolverPlaceholdersCreated,
		PersistBatchesFlushed,
		PersistBatchesRequeued,
	)
}
