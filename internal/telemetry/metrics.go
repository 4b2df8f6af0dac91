// Package telemetry provides application-level observability for the Golden Path registry.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<GPR_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Authentication attempts by method and result
//   - API key verification latency (bcrypt dominated)
//   - Identity provider key-set fetches
//   - Account provisioning outcomes
//   - Golden path registry operations
//   - Rate limit rejections and Redis fallbacks
//   - Database connection pool gauge (polled every 30 s)
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code.
//
// The path label holds the Gin route template (e.g. /api/v1/golden-paths/:namespace/:name),
// NOT the raw URL, to prevent unbounded cardinality.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Authentication metrics.
//
// AuthAttemptsTotal is a CounterVec with labels {method, result}. method is
// "api_key" or "identity_token"; result is "success" or the internal failure
// reason (invalid, expired, provider_unavailable, persistence, ...). The
// reason is visible here even though clients only see "invalid or inactive".
//
// Example PromQL queries:
//   - Failure ratio:   sum(rate(auth_attempts_total{result!="success"}[5m])) / sum(rate(auth_attempts_total[5m]))
//   - IdP outages:     increase(auth_attempts_total{result="provider_unavailable"}[5m]) > 0
//
// APIKeyVerifyDuration tracks a full verification including the candidate
// scan. It grows with the number of active keys when the prefix index is off.
var (
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_attempts_total",
			Help: "Total number of authentication attempts, by method and result.",
		},
		[]string{"method", "result"},
	)

	APIKeyVerifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apikey_verify_duration_seconds",
			Help:    "Duration of API key verification including candidate lookup and hash comparison.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	APIKeyCandidates = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apikey_verify_candidates",
			Help:    "Number of stored keys hash-compared during one verification.",
			Buckets: []float64{0, 1, 2, 5, 10, 50, 100, 500, 1000},
		},
	)
)

// Identity provider key-set metrics.
//
// JWKSFetchesTotal is a CounterVec with label {result}: "success", "error" or
// "breaker_open". Under normal operation the success count only moves at
// start-up and on key rotation.
var JWKSFetchesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "jwks_fetches_total",
		Help: "Total number of identity provider key-set fetches, by result.",
	},
	[]string{"result"},
)

// AccountProvisioningTotal is a CounterVec with label {outcome}: "existing",
// "linked", "created" or "race_resolved" for identity-token resolution, and
// "registered" for the post-signup hook.
var AccountProvisioningTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "account_provisioning_total",
		Help: "Total number of identity-token account resolutions, by outcome.",
	},
	[]string{"outcome"},
)

// RegistryOperationsTotal is a CounterVec with labels {operation, result}
// for golden path create/fetch/list/search/delete.
var RegistryOperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "registry_operations_total",
		Help: "Total number of golden path registry operations, by operation and result.",
	},
	[]string{"operation", "result"},
)

// Rate limiting metrics. RateLimitFallbackTotal counts decisions made by the
// per-process buckets because the shared Redis limiter was unavailable.
var (
	RateLimitRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ratelimit_rejections_total",
			Help: "Total number of requests rejected with 429.",
		},
	)

	RateLimitFallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ratelimit_fallback_total",
			Help: "Total number of rate limit decisions served by the local fallback.",
		},
	)
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits when the database becomes unreachable, which happens
// once main.go closes the pool on shutdown.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
