// Package metrics defines the Prometheus collectors exposed by the engine at
// /metrics. All collectors are registered through promauto at package init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event ingestion metrics
var (
	EventsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drason_events_processed_total",
			Help: "Total number of delivery events processed",
		},
		[]string{"provider", "outcome", "status"},
	)

	EventsDuplicateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drason_events_duplicate_total",
			Help: "Total number of delivery events dropped as duplicates",
		},
		[]string{"provider"},
	)

	EventsMalformedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drason_events_malformed_total",
			Help: "Total number of delivery events rejected as malformed",
		},
		[]string{"provider"},
	)

	IngestQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drason_ingest_queue_depth",
			Help: "Current depth of each ingestion partition queue",
		},
		[]string{"partition"},
	)

	EventProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drason_event_processing_duration_seconds",
			Help:    "Duration of full event evaluation (counters, machine, aggregate)",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"outcome"},
	)
)

// State machine metrics
var (
	MailboxTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drason_mailbox_transitions_total",
			Help: "Total number of mailbox state transitions",
		},
		[]string{"from", "to", "triggered_by"},
	)

	DomainTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drason_domain_transitions_total",
			Help: "Total number of domain state transitions",
		},
		[]string{"from", "to", "triggered_by"},
	)

	MailboxesPausedCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drason_mailboxes_paused_current",
			Help: "Current number of paused mailboxes",
		},
	)

	CooldownSweepRecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drason_cooldown_sweep_recovered_total",
			Help: "Total number of mailboxes moved to recovering by the sweep",
		},
	)

	CooldownSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drason_cooldown_sweep_duration_seconds",
			Help:    "Duration of cooldown sweep passes",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Execution gate metrics
var (
	GateDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drason_gate_decisions_total",
			Help: "Total number of execution gate decisions",
		},
		[]string{"mode", "allowed", "failure_type"},
	)

	GateDecisionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drason_gate_decision_duration_seconds",
			Help:    "Duration of execution gate evaluations",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
		[]string{"mode"},
	)

	GateDegradedDecisionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drason_gate_degraded_decisions_total",
			Help: "Total number of gate decisions served from the last-known-good snapshot",
		},
	)

	HardScoreObserved = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drason_hard_score_observed",
			Help:    "Distribution of computed hard risk scores",
			Buckets: []float64{5, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	HardRiskWarningsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drason_hard_risk_warnings_total",
			Help: "Total number of evaluations where the hard score reached the warning level without blocking",
		},
	)
)

// Notification metrics
var (
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drason_notifications_total",
			Help: "Total number of critical transition notifications by result",
		},
		[]string{"result"},
	)

	NotificationsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drason_notifications_dropped_total",
			Help: "Total number of notifications dropped due to queue overflow",
		},
	)
)

// Audit archive metrics
var (
	ArchiveBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drason_archive_batches_total",
			Help: "Total number of audit archive batches exported",
		},
		[]string{"status"},
	)

	ArchiveRecordsExportedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "drason_archive_records_exported_total",
			Help: "Total number of transition records exported to archive storage",
		},
	)
)

// Database performance metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drason_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status", "role"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drason_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation", "role"},
	)

	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drason_db_pool_total_conns",
			Help: "Total number of connections in the pool",
		},
		[]string{"role"},
	)

	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drason_db_pool_idle_conns",
			Help: "Number of idle connections in the pool",
		},
		[]string{"role"},
	)

	DBPoolAcquiredConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drason_db_pool_acquired_conns",
			Help: "Number of currently acquired connections in the pool",
		},
		[]string{"role"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drason_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)
