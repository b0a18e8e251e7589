package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the redirect edge:
// - redirect outcomes as seen by end users
// - local cache size, lookups and capacity evictions
// - synchronization with the system of record (warm, push, config poll)
// - history reporting and the outbound circuit breakers

var (
	// Redirect Metrics
	RedirectOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_redirect_outcomes_total",
			Help: "Redirect requests by final outcome",
		},
		[]string{"outcome"}, // "hit", "fallback_redirect", "error_page", "not_found", "root_redirect", "unavailable"
	)

	ResolutionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edge_resolution_failures_total",
			Help: "Lookups that failed unexpectedly and were routed to the fallback chain",
		},
	)

	// Cache Metrics
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_cache_lookups_total",
			Help: "Cache lookups by result",
		},
		[]string{"result"}, // "hit", "miss", "expired"
	)

	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "edge_cache_capacity_evictions_total",
			Help: "Entries dropped to stay within the cache capacity",
		},
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edge_cache_entries",
			Help: "Current number of cached short urls",
		},
	)

	Invalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_cache_invalidations_total",
			Help: "Push invalidations received from the system of record",
		},
		[]string{"op", "result"}, // op: "upsert", "evict", "refresh"
	)

	// Synchronization Metrics
	WarmRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_cache_warm_runs_total",
			Help: "Bulk cache warm runs by result",
		},
		[]string{"result"},
	)

	WarmRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edge_cache_warm_records",
			Help: "Records loaded by the most recent successful warm",
		},
	)

	ConfigRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_config_refreshes_total",
			Help: "Redirection config refresh attempts by result",
		},
		[]string{"result"},
	)

	// History Metrics
	HistoryEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_history_events_total",
			Help: "Redirect history events by delivery result",
		},
		[]string{"result"}, // "sent", "failed", "dropped"
	)

	HistoryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edge_history_queue_depth",
			Help: "History events waiting for a worker",
		},
	)

	// System of Record Client Metrics
	SoRRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edge_sor_request_duration_seconds",
			Help:    "Duration of calls to the system of record",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edge_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)

// Result labels a boolean outcome for counters split by result.
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
