package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event store metrics
	EventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suprimo_events_appended_total",
			Help: "Total number of events appended by aggregate type",
		},
		[]string{"aggregate_type"},
	)

	EventAppendConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "suprimo_event_append_conflicts_total",
			Help: "Total number of version conflicts during event append",
		},
	)

	SnapshotLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suprimo_snapshot_loads_total",
			Help: "Total number of state loads by source (snapshot or replay)",
		},
		[]string{"source"},
	)

	// Lock metrics
	LockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suprimo_lock_acquisitions_total",
			Help: "Total number of lock acquisition attempts by outcome",
		},
		[]string{"outcome"},
	)

	LockHeartbeats = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "suprimo_lock_heartbeats_total",
			Help: "Total number of successful lock heartbeat extensions",
		},
	)

	LocksHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "suprimo_locks_held",
			Help: "Number of locks currently held by this process",
		},
	)

	// Outbox metrics
	OutboxDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suprimo_outbox_dispatched_total",
			Help: "Total number of outbox messages dispatched by outcome",
		},
		[]string{"outcome"},
	)

	OutboxDeadLetters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "suprimo_outbox_dead_letters_total",
			Help: "Total number of messages escalated to the dead-letter queue",
		},
	)

	OutboxDispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "suprimo_outbox_dispatch_duration_seconds",
			Help:    "Outbox handler invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Idempotency metrics
	IdempotencyHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suprimo_idempotency_hits_total",
			Help: "Total number of idempotency cache hits by source",
		},
		[]string{"source"},
	)

	// Stock monitor metrics
	LowStockBursts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "suprimo_low_stock_bursts_total",
			Help: "Total number of debounced low-stock bursts fired",
		},
	)

	QuotationsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suprimo_quotations_created_total",
			Help: "Total number of quotations created by trigger",
		},
		[]string{"trigger"},
	)

	// Order metrics
	OrdersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "suprimo_orders_created_total",
			Help: "Total number of orders created",
		},
	)

	OrderDuplicatesPrevented = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suprimo_order_duplicates_prevented_total",
			Help: "Total number of duplicate orders caught by gate",
		},
		[]string{"gate"},
	)

	// CDC metrics
	CDCBatchesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "suprimo_cdc_batches_delivered_total",
			Help: "Total number of change batches delivered to subscribers",
		},
	)

	CDCReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "suprimo_cdc_reconnects_total",
			Help: "Total number of CDC stream reconnections",
		},
	)

	// Reconciler metrics
	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "suprimo_reconciliation_cycles_total",
			Help: "Total number of hygiene reconciliation cycles",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "suprimo_reconciliation_duration_seconds",
			Help:    "Time taken for one hygiene cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DuplicatesRepaired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "suprimo_duplicates_repaired_total",
			Help: "Total number of duplicates repaired by kind",
		},
		[]string{"kind"},
	)

	// Store-level gauges, updated by the Collector
	QuotationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "suprimo_quotations_total",
			Help: "Total number of quotations by status",
		},
		[]string{"status"},
	)

	OrdersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "suprimo_orders_total",
			Help: "Total number of orders by status",
		},
		[]string{"status"},
	)

	OutboxBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "suprimo_outbox_backlog",
			Help: "Number of outbox messages by status",
		},
		[]string{"status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(EventsAppended)
	prometheus.MustRegister(EventAppendConflicts)
	prometheus.MustRegister(SnapshotLoads)
	prometheus.MustRegister(LockAcquisitions)
	prometheus.MustRegister(LockHeartbeats)
	prometheus.MustRegister(LocksHeld)
	prometheus.MustRegister(OutboxDispatched)
	prometheus.MustRegister(OutboxDeadLetters)
	prometheus.MustRegister(OutboxDispatchDuration)
	prometheus.MustRegister(IdempotencyHits)
	prometheus.MustRegister(LowStockBursts)
	prometheus.MustRegister(QuotationsCreated)
	prometheus.MustRegister(OrdersCreated)
	prometheus.MustRegister(OrderDuplicatesPrevented)
	prometheus.MustRegister(CDCBatchesDelivered)
	prometheus.MustRegister(CDCReconnects)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(DuplicatesRepaired)
	prometheus.MustRegister(QuotationsTotal)
	prometheus.MustRegister(OrdersTotal)
	prometheus.MustRegister(OutboxBacklog)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
