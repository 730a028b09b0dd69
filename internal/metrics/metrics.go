// Package metrics provides Prometheus instrumentation for the seat billing platform.
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
			Namespace: "seatbill",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "seatbill",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SeatOperationsTotal counts seat consume/release attempts by result.
	SeatOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seatbill",
			Name:      "seat_operations_total",
			Help:      "Total seat consume and release operations by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// BillingTransitionsTotal counts lifecycle transitions by target status.
	BillingTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seatbill",
			Name:      "billing_transitions_total",
			Help:      "Total billing status transitions by target status.",
		},
		[]string{"to"},
	)

	// UpgradeRequestsTotal counts upgrade workflow outcomes.
	UpgradeRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seatbill",
			Name:      "upgrade_requests_total",
			Help:      "Total seat upgrade requests by outcome.",
		},
		[]string{"outcome"},
	)

	// NotificationsTotal counts outbound notification attempts by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seatbill",
			Name:      "notifications_total",
			Help:      "Total outbound notification deliveries by channel and result.",
		},
		[]string{"channel", "result"},
	)

	// SweepRunsTotal counts billing sweep executions by result.
	SweepRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seatbill",
			Name:      "sweep_runs_total",
			Help:      "Total billing sweep runs by result.",
		},
		[]string{"result"},
	)

	// SweepDuration observes how long a full billing sweep takes.
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "seatbill",
		Name:      "sweep_duration_seconds",
		Help:      "Billing sweep duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	})

	// SweepTransitions counts tenants moved per sweep, labeled by transition.
	SweepTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "seatbill",
			Name:      "sweep_transitions_total",
			Help:      "Tenants transitioned by the billing sweep, by transition.",
		},
		[]string{"transition"},
	)

	// ActiveWebSocketClients tracks connected event stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "seatbill",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "seatbill", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "seatbill", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "seatbill", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "seatbill", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "seatbill", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "seatbill", Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// --- Payment metrics ---

	PaymentsConfirmedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "seatbill",
		Name:      "payments_confirmed_total",
		Help:      "Total payments confirmed against a billing cycle.",
	})

	PaymentsPartialTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "seatbill",
		Name:      "payments_partial_total",
		Help:      "Total payments recorded that left a balance due.",
	})

	PaymentDispatchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "seatbill",
		Name:      "payment_dispatch_errors_total",
		Help:      "Total failed charge dispatches to the payment gateway.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SeatOperationsTotal,
		BillingTransitionsTotal,
		UpgradeRequestsTotal,
		NotificationsTotal,
		SweepRunsTotal,
		SweepDuration,
		SweepTransitions,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
		PaymentsConfirmedTotal,
		PaymentsPartialTotal,
		PaymentDispatchErrors,
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
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
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
