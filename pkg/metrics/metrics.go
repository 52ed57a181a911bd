package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for OperationsTotal.
const (
	OutcomeOK        = "ok"
	OutcomeRejected  = "rejected"
	OutcomeConflict  = "conflict"
	OutcomeDuplicate = "duplicate"
	OutcomeError     = "error"
	OutcomeViolation = "invariant_violation"
)

var (
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Total number of ledger operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Duration of ledger operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	ConflictRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_conflict_retries_total",
			Help: "Optimistic lock conflicts that triggered a retry",
		},
		[]string{"operation"},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_events_dropped_total",
			Help: "Ledger events dropped because the event queue was full",
		},
	)

	InvariantViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_invariant_violations_total",
			Help: "Ledger invariant violations detected",
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	KafkaMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_kafka_messages_total",
			Help: "Kafka messages produced or consumed by outcome",
		},
		[]string{"topic", "direction", "outcome"},
	)

	ReservationsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_reservations_expired_total",
			Help: "Reservations released by the expiry sweeper",
		},
	)
)

func init() {
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(ConflictRetries)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(InvariantViolations)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(KafkaMessagesTotal)
	prometheus.MustRegister(ReservationsExpired)
}
