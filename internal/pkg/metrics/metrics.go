// Package metrics provides Prometheus metrics for the authentication core (RED metrics
// plus domain counters for rate limiting, 2FA, and audit events).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "piggypulse_auth"

var (
	// HTTPRequestTotal counts requests by method, path, status (RED: rate).
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDurationSeconds is request latency histogram (RED: duration).
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10), // 1ms to ~3.8s
		},
		[]string{"method", "path"},
	)

	// DBQueryDurationSeconds tracks database query latency by operation type.
	DBQueryDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~512ms
		},
		[]string{"operation"},
	)

	// AuthLoginAttemptsTotal counts login attempts by outcome.
	AuthLoginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Total number of login attempts by outcome.",
		},
		[]string{"outcome"}, // success, invalid_credentials, two_factor_required, rate_limited, locked, error
	)

	// RateLimitLockoutsTotal counts transitions into hard lockout, by identifier axis.
	RateLimitLockoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_lockouts_total",
			Help:      "Total number of rate-limit lockout transitions by identifier axis.",
		},
		[]string{"axis"}, // account, network_address
	)

	// TwoFactorVerificationsTotal counts 2FA verification attempts by method and outcome.
	TwoFactorVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "two_factor_verifications_total",
			Help:      "Total number of two-factor verification attempts by method and outcome.",
		},
		[]string{"method", "outcome"}, // method: totp/backup_code, outcome: success/failure/locked
	)

	// AuditEventWriteFailuresTotal counts failed best-effort audit persistence attempts.
	AuditEventWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_event_write_failures_total",
			Help:      "Total number of audit events that failed to persist.",
		},
	)

	// AuditEventDroppedTotal counts audit events dropped because the writer's queue was full.
	AuditEventDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_event_dropped_total",
			Help:      "Total number of audit events dropped because the write queue was full.",
		},
	)

	// EmailDispatchTotal counts outbound recovery email attempts by outcome.
	EmailDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "email_dispatch_total",
			Help:      "Total number of outbound recovery email dispatch attempts by outcome.",
		},
		[]string{"outcome"}, // sent, failed, disabled
	)
)
