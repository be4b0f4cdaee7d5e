// Package metrics provides Prometheus instrumentation for the payment core.
package metrics

import (
	"database/sql"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "paycore"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ProcessorCallsTotal counts processor calls by operation and outcome.
	ProcessorCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "calls_total",
			Help:      "Processor calls by operation and outcome (ok, error, retryable, circuit_open).",
		},
		[]string{"op", "outcome"},
	)

	// ProcessorCallDuration observes processor latency per operation,
	// including retries.
	ProcessorCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "call_duration_seconds",
			Help:      "Processor call duration in seconds, including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"op"},
	)

	// PaymentTransitionsTotal counts payment intent transitions by target status.
	PaymentTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_transitions_total",
			Help:      "Payment intent transitions by resulting status.",
		},
		[]string{"status"},
	)

	// EscrowTransitionsTotal counts escrow transitions by target status.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_transitions_total",
			Help:      "Escrow transitions by resulting status.",
		},
		[]string{"status"},
	)

	// RefundedAmountTotal sums refunded minor units by currency.
	RefundedAmountTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunded_amount_total",
			Help:      "Refunded amount in minor units by currency.",
		},
		[]string{"currency"},
	)

	// PayoutsTotal counts payouts by status.
	PayoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payouts_total",
			Help:      "Payouts by status.",
		},
		[]string{"status"},
	)

	// WebhookEventsTotal counts inbound processor webhooks by type and result.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Inbound processor webhook events by type and result.",
		},
		[]string{"type", "result"},
	)

	// LocalWriteFailuresTotal counts local writes that failed after the
	// processor had already committed. Each one needs reconciliation.
	LocalWriteFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "local_write_failures_total",
			Help:      "Local writes that failed after a committed processor call, by operation.",
		},
		[]string{"op"},
	)

	// NotificationsTotal counts outbound business notifications by event
	// type and delivery result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Outbound business webhook deliveries by event type and result (delivered, failed, dropped).",
		},
		[]string{"type", "result"},
	)

	// HeldEscrows tracks escrows currently holding funds.
	HeldEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "held_escrows",
		Help:      "Number of escrows currently in held status.",
	})

	// ReconcileDriftTotal counts intents the reconciler found out of sync.
	ReconcileDriftTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_drift_total",
		Help:      "Intents whose local status drifted from the processor.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ProcessorCallsTotal,
		ProcessorCallDuration,
		PaymentTransitionsTotal,
		EscrowTransitionsTotal,
		RefundedAmountTotal,
		PayoutsTotal,
		WebhookEventsTotal,
		LocalWriteFailuresTotal,
		NotificationsTotal,
		HeldEscrows,
		ReconcileDriftTotal,
	)
}

// RegisterDB exports db's pool statistics as go_sql_* metrics labelled
// db_name="paycore". Only the first pool registered is exported; later calls
// are no-ops.
func RegisterDB(db *sql.DB) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, namespace))
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return nil
	}
	return err
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Route pattern, not the raw path, to bound label cardinality.
		path := c.FullPath()
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
