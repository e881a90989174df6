// Package metrics provides Prometheus instrumentation for payrail.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payrail",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payrail",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PaymentsTotal counts payment lanes by final status.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payrail",
			Name:      "payments_total",
			Help:      "Total payments processed by status (submitted, confirmed, failed).",
		},
		[]string{"status"},
	)

	// PaymentDenialsTotal counts payments rejected before submission.
	PaymentDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payrail",
			Name:      "payment_denials_total",
			Help:      "Payments denied by the guard, by reason.",
		},
		[]string{"reason"},
	)

	// BatchesTotal counts dispatched batches by outcome.
	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payrail",
			Name:      "batches_total",
			Help:      "Concurrent payment batches dispatched, by outcome.",
		},
		[]string{"outcome"},
	)

	// BatchDuration observes end-to-end batch dispatch time.
	BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "payrail",
		Name:      "batch_duration_seconds",
		Help:      "Time to dispatch a full batch, submissions through confirmations.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	// BatchLanes observes how many nonce lanes each batch used.
	BatchLanes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "payrail",
		Name:      "batch_lanes",
		Help:      "Nonce key lanes consumed per batch.",
		Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 256},
	})

	// NonceResyncsTotal counts explicit nonce resynchronizations.
	NonceResyncsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "payrail",
		Name:      "nonce_resyncs_total",
		Help:      "Nonce manager resets and chain resynchronizations.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PaymentsTotal,
		PaymentDenialsTotal,
		BatchesTotal,
		BatchDuration,
		BatchLanes,
		NonceResyncsTotal,
	)
}

// Denial reasons for PaymentDenialsTotal.
const (
	DenyLimitExceeded  = "limit_exceeded"
	DenyRateLimited    = "rate_limited"
	DenyAddressBlocked = "address_blocked"
	DenyInvalidAmount  = "invalid_amount"
)

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
