package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	appendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loanledger_appends_total",
		Help: "Total append requests by outcome (committed, conflict, invalid, error).",
	}, []string{"outcome"})

	appendAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loanledger_append_attempts",
		Help:    "Commit attempts needed per append that reached storage.",
		Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
	})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loanledger_verifications_total",
		Help: "Total chain verifications by result.",
	}, []string{"result"})

	brokenChains = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loanledger_broken_chains",
		Help: "Chains that failed verification in the most recent audit sweep.",
	})

	auditDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loanledger_audit_duration_seconds",
		Help:    "Duration of a full audit sweep.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loanledger_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loanledger_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAppend records the outcome of one append. It matches
// ledger.AppendRecorder.
func RecordAppend(outcome string, attempts int) {
	appendsTotal.WithLabelValues(outcome).Inc()
	if attempts > 0 {
		appendAttempts.Observe(float64(attempts))
	}
}

// RecordVerification records a verification result. It matches
// ledger.VerifyRecorder.
func RecordVerification(valid bool) {
	if valid {
		verificationsTotal.WithLabelValues("valid").Inc()
	} else {
		verificationsTotal.WithLabelValues("invalid").Inc()
	}
}

// RecordAudit records the result of a completed audit sweep.
func RecordAudit(broken int, took time.Duration) {
	brokenChains.Set(float64(broken))
	auditDuration.Observe(took.Seconds())
}
