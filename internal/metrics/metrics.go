// Package metrics provides Prometheus instrumentation for payshield.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payshield",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payshield",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ValidationsTotal counts payment validations by recommendation.
	ValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payshield",
			Name:      "validations_total",
			Help:      "Total payment validation requests by recommendation.",
		},
		[]string{"recommendation"},
	)

	// FraudScore observes the distribution of aggregate fraud scores.
	FraudScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "payshield",
		Name:      "fraud_score",
		Help:      "Distribution of aggregate fraud scores.",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	// RetryAttemptsTotal counts physical retry attempts by outcome.
	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payshield",
			Name:      "retry_attempts_total",
			Help:      "Total payment retry attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// FailedPaymentsTotal counts failed-payment records by failure reason.
	FailedPaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payshield",
			Name:      "failed_payments_total",
			Help:      "Total failed payments ingested by failure reason.",
		},
		[]string{"reason"},
	)

	// DunningTransitionsTotal counts dunning stage transitions.
	DunningTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payshield",
			Name:      "dunning_transitions_total",
			Help:      "Total dunning stage transitions by target stage.",
		},
		[]string{"stage"},
	)

	// RateLimitDeniedTotal counts rate-limit denials by action type.
	RateLimitDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payshield",
			Name:      "rate_limit_denied_total",
			Help:      "Total actions denied by the rate limiter.",
		},
		[]string{"action"},
	)

	// GatewayChargeDuration observes gateway charge latency by result.
	GatewayChargeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payshield",
			Name:      "gateway_charge_duration_seconds",
			Help:      "Payment gateway charge latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"result"},
	)

	// PendingRetries tracks failed payments currently awaiting retry.
	PendingRetries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payshield",
		Name:      "pending_retries",
		Help:      "Number of failed payments in pending_retry status.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payshield",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payshield", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payshield", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payshield", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payshield", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ValidationsTotal,
		FraudScore,
		RetryAttemptsTotal,
		FailedPaymentsTotal,
		DunningTransitionsTotal,
		RateLimitDeniedTotal,
		GatewayChargeDuration,
		PendingRetries,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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
