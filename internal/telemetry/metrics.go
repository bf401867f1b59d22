package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	WebhookEvents       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "payroll_webhook_events_total", Help: "Provider webhook events by class and outcome"}, []string{"class", "outcome"})
	Transitions         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "payroll_transitions_total", Help: "Applied status transitions by entity and target status"}, []string{"entity", "status"})
	DuplicateDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "payroll_duplicate_deliveries_total", Help: "Conditional updates that found the record already processed"}, []string{"entity"})
	CorrelationFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "payroll_correlation_failures_total", Help: "Disbursement callbacks whose batch id matched no transaction"})
	JobsPublished       = prometheus.NewCounter(prometheus.CounterOpts{Name: "disbursement_jobs_published_total", Help: "Disbursement jobs published to the queue"})
	DispatchFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "disbursement_dispatch_failures_total", Help: "Disbursement jobs that could not be published"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "payment_rate_limit_rejects_total", Help: "Payment initiations rejected by rate limiter"})
	WorkerSuccess       = prometheus.NewCounter(prometheus.CounterOpts{Name: "disbursement_jobs_completed_total", Help: "Disbursement jobs completed successfully"})
	WorkerFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "disbursement_jobs_failed_total", Help: "Disbursement jobs that failed and will retry"})
	WorkerDropped       = prometheus.NewCounter(prometheus.CounterOpts{Name: "disbursement_jobs_dropped_total", Help: "Disbursement jobs dropped as non-retryable"})
	WorkerDeadLetter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "disbursement_jobs_dead_letter_total", Help: "Disbursement jobs moved to DLQ"})
	QueueDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "disbursement_queue_depth", Help: "Ready disbursement jobs"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "disbursement_inflight", Help: "Disbursement jobs currently leased"})
	LiveConnections     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "notify_live_connections", Help: "Registered real-time connections"})
	BroadcastSends      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "notify_sends_total", Help: "Per-connection notification sends by outcome"}, []string{"outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			WebhookEvents,
			Transitions,
			DuplicateDeliveries,
			CorrelationFailures,
			JobsPublished,
			DispatchFailures,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDropped,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			LiveConnections,
			BroadcastSends,
		)
	})
	return promhttp.Handler()
}
