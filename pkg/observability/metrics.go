package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authentication metrics
	LoginAttemptsTotal       *prometheus.CounterVec
	TokenRotationsTotal      prometheus.Counter
	TokenRotationConflicts   prometheus.Counter
	RefreshTokensRevoked     prometheus.Counter
	RateLimitedRequestsTotal prometheus.Counter

	// Audit metrics
	AuditEventsTotal        *prometheus.CounterVec
	AuditAppendFailures     prometheus.Counter
	AuditEntriesArchived    prometheus.Counter

	// Anomaly metrics
	AnomalyScansTotal    prometheus.Counter
	AnomalyFindingsTotal *prometheus.CounterVec

	// Permission cache metrics
	PermissionCacheHits   prometheus.Counter
	PermissionCacheMisses prometheus.Counter

	// Investigations
	CaseTransitionsTotal *prometheus.CounterVec

	// Session metrics
	SessionsSweptTotal prometheus.Counter

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aegis_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		LoginAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_login_attempts_total",
				Help: "Total login attempts by outcome",
			},
			[]string{"outcome"},
		),
		TokenRotationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aegis_token_rotations_total",
				Help: "Total successful refresh token rotations",
			},
		),
		TokenRotationConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aegis_token_rotation_conflicts_total",
				Help: "Concurrent rotation attempts that lost the conditional update race",
			},
		),
		RefreshTokensRevoked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aegis_refresh_tokens_revoked_total",
				Help: "Total refresh tokens revoked",
			},
		),
		RateLimitedRequestsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aegis_rate_limited_requests_total",
				Help: "Requests rejected by the rate limiter",
			},
		),
		AuditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_audit_events_total",
				Help: "Audit entries appended by severity",
			},
			[]string{"severity"},
		),
		AuditAppendFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aegis_audit_append_failures_total",
				Help: "Failed audit appends (best-effort and critical)",
			},
		),
		AuditEntriesArchived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aegis_audit_entries_archived_total",
				Help: "Audit entries archived by the retention job",
			},
		),
		AnomalyScansTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aegis_anomaly_scans_total",
				Help: "Total anomaly detection scans executed",
			},
		),
		AnomalyFindingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_anomaly_findings_total",
				Help: "Anomaly findings by rule and severity",
			},
			[]string{"rule", "severity"},
		),
		PermissionCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aegis_permission_cache_hits_total",
				Help: "Effective-permission cache hits",
			},
		),
		PermissionCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aegis_permission_cache_misses_total",
				Help: "Effective-permission cache misses",
			},
		),
		CaseTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aegis_case_transitions_total",
				Help: "Investigation case status transitions by target status",
			},
			[]string{"to"},
		),
		SessionsSweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "aegis_sessions_swept_total",
				Help: "Sessions marked inactive by the expiry sweep",
			},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aegis_db_connections_active",
				Help: "Active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "aegis_db_connections_idle",
				Help: "Idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginAttemptsTotal,
		m.TokenRotationsTotal,
		m.TokenRotationConflicts,
		m.RefreshTokensRevoked,
		m.RateLimitedRequestsTotal,
		m.AuditEventsTotal,
		m.AuditAppendFailures,
		m.AuditEntriesArchived,
		m.AnomalyScansTotal,
		m.AnomalyFindingsTotal,
		m.PermissionCacheHits,
		m.PermissionCacheMisses,
		m.CaseTransitionsTotal,
		m.SessionsSweptTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// Handler returns the /metrics HTTP handler for the given registry
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware records request count and latency for every request
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(recorder.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}
