// Package metrics provides Prometheus instrumentation for the agentpayd
// platform.
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
			Namespace: "agentpayd",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentpayd",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentpayd", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentpayd", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentpayd", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentpayd", Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// The session, policy, sign, 402-retry, token and alert metrics below are
	// registered in init, but no package in this module updates them; they
	// stay at zero. Only the HTTP metrics (Middleware) and the DB/goroutine
	// gauges (StartDBStatsCollector) are recorded.

	// ActiveSessions tracks current active (non-expired, non-revoked) sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentpayd",
			Name:      "active_sessions",
			Help:      "Number of currently active session keys.",
		},
	)

	// SessionsCreatedTotal counts sessions created.
	SessionsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentpayd", Name: "sessions_created_total",
		Help: "Total sessions created.",
	})

	// SessionsRevokedTotal counts sessions revoked.
	SessionsRevokedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentpayd", Name: "sessions_revoked_total",
		Help: "Total sessions revoked.",
	})

	// PolicyDecisionsTotal counts SpendingLedger.check outcomes by decision
	// (allow, deny_per_tx, deny_daily, deny_expired).
	PolicyDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentpayd", Name: "policy_decisions_total",
			Help: "Total spending-limit check decisions by outcome.",
		},
		[]string{"decision"},
	)

	// SignOperationsTotal counts AuthorizationSigner.sign invocations by result.
	SignOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentpayd", Name: "sign_operations_total",
			Help: "Total EIP-712 sign operations by result (ok, error).",
		},
		[]string{"result"},
	)

	// X402RetriesTotal counts 402-negotiation retry outcomes.
	X402RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentpayd", Name: "x402_retries_total",
			Help: "Total 402 negotiation retries by outcome (settled, failed, rejected).",
		},
		[]string{"outcome"},
	)

	// TokensMintedTotal counts payment tokens minted.
	TokensMintedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentpayd", Name: "tokens_minted_total",
		Help: "Total payment tokens minted.",
	})

	// TokensRevokedTotal counts payment tokens revoked, individually or via cascade.
	TokensRevokedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentpayd", Name: "tokens_revoked_total",
			Help: "Total payment tokens revoked by reason (explicit, cascade, expired).",
		},
		[]string{"reason"},
	)

	// AlertsFiredTotal counts budget alerts fired by severity.
	AlertsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentpayd", Name: "alerts_fired_total",
			Help: "Total budget alerts fired by severity.",
		},
		[]string{"severity"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
		ActiveSessions,
		SessionsCreatedTotal,
		SessionsRevokedTotal,
		PolicyDecisionsTotal,
		SignOperationsTotal,
		X402RetriesTotal,
		TokensMintedTotal,
		TokensRevokedTotal,
		AlertsFiredTotal,
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
