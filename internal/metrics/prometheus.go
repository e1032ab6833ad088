package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voice-agent/privacy-core/pkg/circuitbreaker"
)

var (
	PIIDetections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privacy_core_pii_detections_total",
			Help: "PII spans replaced, by category",
		},
		[]string{"category"},
	)

	PIIScans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privacy_core_pii_scans_total",
			Help: "Anonymized text fields, by scan status",
		},
		[]string{"status"},
	)

	ConversationsSealed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privacy_core_conversations_sealed_total",
			Help: "Conversations sealed, by persistence outcome",
		},
		[]string{"status"},
	)

	ReconciliationPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "privacy_core_reconciliation_pending",
			Help: "Sealed conversations waiting for a persistence retry",
		},
	)

	RetrievalDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "privacy_core_retrieval_duration_seconds",
			Help:    "Approved-response retrieval duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"outcome"},
	)

	RetrievalResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "privacy_core_retrieval_results_count",
			Help:    "Approved responses returned per retrieval",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		},
	)

	Approvals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privacy_core_approvals_total",
			Help: "Approval attempts, by outcome",
		},
		[]string{"status"},
	)

	UsageIncrements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privacy_core_usage_increments_total",
			Help: "Approved-response usage increments, by outcome",
		},
		[]string{"status"},
	)

	ApprovalQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "privacy_core_approval_queue_depth",
			Help: "Approvals waiting for the embedding service",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privacy_core_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privacy_core_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "privacy_core_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	GDPRRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privacy_core_gdpr_requests_total",
			Help: "GDPR requests, by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	GDPRDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "privacy_core_gdpr_duration_seconds",
			Help:    "GDPR request duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation"},
	)

	PendingErasures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "privacy_core_pending_erasures",
			Help: "Identifiers whose erasure has not been confirmed",
		},
	)

	TurnEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privacy_core_turn_evaluations_total",
			Help: "Turns evaluated, by review priority",
		},
		[]string{"priority"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(PIIDetections)
		prometheus.MustRegister(PIIScans)
		prometheus.MustRegister(ConversationsSealed)
		prometheus.MustRegister(ReconciliationPending)
		prometheus.MustRegister(RetrievalDuration)
		prometheus.MustRegister(RetrievalResultsCount)
		prometheus.MustRegister(Approvals)
		prometheus.MustRegister(UsageIncrements)
		prometheus.MustRegister(ApprovalQueueDepth)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(CircuitBreakerState)
		prometheus.MustRegister(GDPRRequests)
		prometheus.MustRegister(GDPRDuration)
		prometheus.MustRegister(PendingErasures)
		prometheus.MustRegister(TurnEvaluations)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

// ObserveBreaker is a circuitbreaker OnStateChange hook that mirrors the
// breaker state into CircuitBreakerState.
func ObserveBreaker(name string, _ circuitbreaker.State, to circuitbreaker.State) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(to))
}
