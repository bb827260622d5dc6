// Package metrics provides Prometheus instrumentation for the RegShield client.
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

const namespace = "regshield"

var (
	// HTTPRequestsTotal counts dashboard HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes dashboard request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// BackendRequestDuration observes scoring-backend call latency by operation and result.
	BackendRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Scoring backend call duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"op", "result"},
	)

	// ChainVerificationsTotal counts resolved chain verifications by status.
	ChainVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_verifications_total",
			Help:      "Resolved ledger verifications by resulting status.",
		},
		[]string{"status"},
	)

	// ChainStaleResolutionsTotal counts verification results discarded because a newer call was issued.
	ChainStaleResolutionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chain_stale_resolutions_total",
		Help:      "Verification results discarded because a newer verification was issued.",
	})

	// TamperAlarmsTotal counts alarms that reached the frozen state.
	TamperAlarmsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tamper_alarms_total",
		Help:      "Tamper alarms raised after a confirmed TAMPERED verification.",
	})

	// StreamMessagesTotal counts live stream messages by kind.
	StreamMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_messages_total",
			Help:      "Live stream messages received by kind (started, data, error, completed, malformed, unknown).",
		},
		[]string{"kind"},
	)

	// ActiveStreams tracks open live stream subscriptions.
	ActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_streams",
		Help:      "Number of open live stream subscriptions.",
	})

	// ReportPollAttemptsTotal counts STR report fetch attempts by outcome.
	ReportPollAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_poll_attempts_total",
			Help:      "STR report fetch attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// LedgerEntries tracks the number of results in the session ledger.
	LedgerEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ledger_entries",
		Help:      "Evaluation results held in the session ledger.",
	})

	// LedgerHighRisk tracks the number of high-risk results in the session ledger.
	LedgerHighRisk = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ledger_high_risk_entries",
		Help:      "Session ledger results scoring above the high-risk threshold.",
	})

	// CycleExportsTotal counts cycle exports to the graph sink by result.
	CycleExportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_exports_total",
			Help:      "Detected cycles exported to the graph sink by result.",
		},
		[]string{"result"},
	)

	// BackendBreakerTransitionsTotal counts circuit breaker state changes per backend operation.
	BackendBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_breaker_transitions_total",
			Help:      "Backend circuit breaker transitions by operation, from-state, and to-state.",
		},
		[]string{"op", "from_state", "to_state"},
	)

	// RateLimitedTotal counts dashboard requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_requests_total",
		Help:      "Dashboard requests rejected by the rate limiter.",
	})

	// ActiveWebSocketClients tracks connected dashboard WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// RealtimeEventsDropped counts events not delivered to a WebSocket
	// peer, by reason.
	RealtimeEventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_dropped_total",
			Help:      "Realtime events dropped by reason (hub_full, slow_peer).",
		},
		[]string{"reason"},
	)

	// DBOpenConnections tracks open session-store connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use session-store connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		BackendRequestDuration,
		ChainVerificationsTotal,
		ChainStaleResolutionsTotal,
		TamperAlarmsTotal,
		StreamMessagesTotal,
		ActiveStreams,
		ReportPollAttemptsTotal,
		LedgerEntries,
		LedgerHighRisk,
		CycleExportsTotal,
		BackendBreakerTransitionsTotal,
		RateLimitedTotal,
		ActiveWebSocketClients,
		RealtimeEventsDropped,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// ObserveBackend returns a function that records the duration of one backend
// call once its result label is known.
func ObserveBackend(op string) func(result string) {
	start := time.Now()
	return func(result string) {
		BackendRequestDuration.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
	}
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	sample := func() {
		stats := db.Stats()
		DBOpenConnections.Set(float64(stats.OpenConnections))
		DBInUseConnections.Set(float64(stats.InUse))
		GoroutineCount.Set(float64(runtime.NumGoroutine()))
	}
	sample()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
// Requests that match no route share one label so scanners cannot inflate
// cardinality.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusBucket(c.Writer.Status())).Inc()
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
