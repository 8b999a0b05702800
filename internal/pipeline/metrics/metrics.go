package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchTotal tracks dispatch attempts per provider and outcome
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_total",
			Help: "Total number of dispatch attempts",
		},
		[]string{"provider", "outcome"},
	)

	// DispatchErrorsTotal tracks classified transport failures
	DispatchErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_errors_total",
			Help: "Total number of transport errors by kind",
		},
		[]string{"provider", "error_type"},
	)

	// DispatchLatency tracks transport call latency
	DispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_dispatch_latency_seconds",
			Help:    "Transport call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"provider"},
	)

	// CooldownsTotal tracks how often a provider was put into cooldown
	CooldownsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_cooldowns_total",
			Help: "Total number of provider cooldowns applied",
		},
		[]string{"provider"},
	)

	// SelectionWaits tracks full selection scans that found no provider
	SelectionWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_selection_waits_total",
			Help: "Total number of times selection slept because no provider was available",
		},
	)

	// ItemsProcessed tracks work items checkpointed
	ItemsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_items_processed_total",
			Help: "Total number of work items checkpointed",
		},
	)

	// ItemsDeadLettered tracks work items moved to the dead-letter queue
	ItemsDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_items_dead_lettered_total",
			Help: "Total number of work items dead-lettered",
		},
	)

	// RetriesTotal tracks item-level retries
	RetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_retries_total",
			Help: "Total number of item retries",
		},
	)

	// SessionProgress tracks checkpointed items in the active session
	SessionProgress = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_session_progress",
			Help: "Checkpointed items in the active session",
		},
		[]string{"session"},
	)

	// LimiterInWindow tracks current admissions in each provider's rolling window
	LimiterInWindow = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_limiter_in_window",
			Help: "Admissions currently inside the rolling window",
		},
		[]string{"provider", "dimension"},
	)
)

// DBConnectionPoolUsage tracks open connections as a percentage of the pool
var DBConnectionPoolUsage = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "relay_db_connection_pool_usage_percent",
		Help: "Database connection pool usage percentage",
	},
)
