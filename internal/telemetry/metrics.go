// Package telemetry provides application-level observability for docvault.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are served on the
// side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<DVT_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Secret-revealing route outcomes and elevated request counts
//   - Vault operation outcomes (list, reveal, generate_otp, verify_otp, create, update, delete, rewrap)
//   - Decryption failures and audit write failures (both should stay at zero)
//   - Keyring reloads and the active master key version
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// No metric carries an entry id, organization id or actor id. HTTP metrics use c.FullPath()
// (route template such as /api/v1/vault/:id/reveal) rather than the raw URL.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
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

// Request surface metrics.
//
// SecretAccessTotal has labels {path, outcome} and covers only routes that hand out decrypted
// material. outcome is one of served, denied, not_found, throttled, rejected, error.
// ElevatedRequestsTotal has labels {path, status} and counts requests served under a superuser
// elevation grant.
//
// Example PromQL queries:
//   - Entry id enumeration:  sum by (path) (increase(vault_secret_access_total{outcome="not_found"}[10m])) > 20
//   - Elevated write rate:   sum(rate(elevated_requests_total{status=~"2.."}[1h]))
var (
	SecretAccessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_secret_access_total",
			Help: "Total number of requests to secret-revealing routes, by route template and outcome.",
		},
		[]string{"path", "outcome"},
	)

	ElevatedRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "elevated_requests_total",
			Help: "Total number of requests served under a superuser elevation grant, by route template and status code.",
		},
		[]string{"path", "status"},
	)
)

// Vault metrics.
//
// VaultOperationsTotal is a CounterVec with labels {operation, outcome}. outcome is one of
// success, not_found, unauthorized, failed, and mismatch for verify_otp.
//
// Example PromQL queries:
//   - Reveal rate:           rate(vault_operations_total{operation="reveal",outcome="success"}[5m])
//   - Cross-tenant probing:  increase(vault_operations_total{outcome="not_found"}[10m]) > 50
//
// DecryptionFailuresTotal counts blobs that failed authentication. Any increase means tampering,
// corruption or a missing key version and should page.
var (
	VaultOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_operations_total",
			Help: "Total number of vault operations, by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	DecryptionFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vault_decryption_failures_total",
			Help: "Total number of ciphertext blobs that failed to decrypt.",
		},
	)

	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_rate_limited_total",
			Help: "Total number of secret-revealing requests rejected by the rate limiter, by route template.",
		},
		[]string{"path"},
	)
)

// Audit metrics.
//
// AuditWriteFailuresTotal is a CounterVec with labels {action, required}. required="true" means
// the primary operation was aborted because its audit record could not be committed.
//
// Example PromQL queries:
//   - Alert expression:  increase(audit_write_failures_total[5m]) > 0
var (
	AuditWriteFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Total number of audit records that could not be committed, by action and whether the record was required.",
		},
		[]string{"action", "required"},
	)

	AuditShipFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_ship_failures_total",
			Help: "Total number of committed audit records that failed to ship to an external destination.",
		},
	)

	AuditPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_records_purged_total",
			Help: "Total number of audit records deleted by administrative purges.",
		},
	)
)

// BackgroundPanicsTotal counts panics recovered by safego, labelled by task name.
var BackgroundPanicsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "background_task_panics_total",
		Help: "Total number of panics recovered in background goroutines, by task.",
	},
	[]string{"task"},
)

// Key management metrics.
//
// KeyringReloadsTotal has label {outcome} (success, failed). ActiveKeyVersion reports the master
// key version new writes are encrypted under.
var (
	KeyringReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crypto_keyring_reloads_total",
			Help: "Total number of keyring file reloads, by outcome.",
		},
		[]string{"outcome"},
	)

	ActiveKeyVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crypto_active_key_version",
			Help: "Master key version used for new encryptions.",
		},
	)

	RewrappedEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vault_entries_rewrapped_total",
			Help: "Total number of vault entries whose data keys were re-wrapped under a newer master key.",
		},
	)
)

// DBOpenConnections tracks the number of open connections held by the sql.DB pool. It is
// sampled every 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection pool
// statistics every 30 seconds. The goroutine exits when the database becomes unreachable,
// which happens when the application shuts down and closes the pool.
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
