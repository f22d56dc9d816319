package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Observational only: the engine never reads these values back to make
// decisions. Counters and gauges exist for operator dashboards.

var (
	OperationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opq_operations_enqueued_total",
			Help: "Operations accepted into the queue, by priority tier",
		},
		[]string{"priority"},
	)

	OperationsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opq_operations_deduplicated_total",
			Help: "Enqueue attempts rejected by the idempotency cache",
		},
	)

	OperationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opq_operations_processed_total",
			Help: "Operations acknowledged by the remote authority",
		},
		[]string{"priority"},
	)

	OperationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opq_operations_failed_total",
			Help: "Delivery attempts that failed, by failure classification",
		},
		[]string{"classification"},
	)

	OperationsQuarantined = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opq_operations_quarantined_total",
			Help: "Operations moved to the failed-operations archive",
		},
	)

	PendingOperations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opq_pending_operations",
			Help: "Operations currently awaiting delivery, by partition",
		},
		[]string{"partition"}, // "normal" | "emergency"
	)

	LockTakeovers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opq_lock_takeovers_total",
			Help: "Stale processing locks taken over from a crashed holder",
		},
	)

	JournalRollbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opq_journal_rollbacks_total",
			Help: "Incomplete journal transactions rolled back",
		},
	)

	EmergencyEscalations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opq_emergency_escalations_total",
			Help: "Emergency operations that crossed the escalation threshold",
		},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "opq_delivery_duration_seconds",
			Help:    "Duration of single delivery attempts",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProcessingPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "opq_processing_pass_duration_seconds",
			Help:    "Duration of full queue processing passes",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
	)

	storageWriteBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opq_storage_write_bytes_total",
			Help: "Bytes written through the storage wrapper",
		},
	)

	storageReadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opq_storage_read_bytes_total",
			Help: "Bytes read through the storage wrapper",
		},
	)

	storageBatchCommits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "opq_storage_batch_commits_total",
			Help: "Atomic batch commits issued to the storage layer",
		},
	)
)

// StorageHook adapts the Prometheus collectors to the storage wrapper's
// MetricsHook interface.
type StorageHook struct{}

func (StorageHook) ObserveWrite(_ time.Duration, bytes int) {
	storageWriteBytes.Add(float64(bytes))
}

func (StorageHook) ObserveRead(_ time.Duration, bytes int) {
	storageReadBytes.Add(float64(bytes))
}

func (StorageHook) ObserveBatchCommit(_ time.Duration, _ int, _ int) {
	storageBatchCommits.Inc()
}
