package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Decision rule labels recorded on permission check metrics.
const (
	RuleNoContext     = "no_context"
	RuleAdminBypass   = "admin_bypass"
	RuleOwnerBypass   = "owner_bypass"
	RuleBaseCheck     = "base_check"
	RuleSecurityLock  = "security_lockout"
	RuleDefaultAllow  = "default_allow"
	RuleDeniedRole    = "denied_role"
	RuleOpenAllowList = "open_allow_list"
	RuleAllowedRole   = "allowed_role"
	RuleNoAllowedRole = "no_allowed_role"
	RuleStoreError    = "store_error"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Permission pipeline metrics
	PermissionChecksTotal   *prometheus.CounterVec
	PermissionCheckDuration *prometheus.HistogramVec
	SecurityLockoutsTotal   *prometheus.CounterVec

	// Denial throttle metrics
	DenialLogsTotal *prometheus.CounterVec

	// Security bootstrap metrics
	SecurityBootstrapsTotal  *prometheus.CounterVec
	SecurityCacheHitsTotal   *prometheus.CounterVec
	SecurityCacheMissesTotal *prometheus.CounterVec

	// Audit metrics
	AuditEventsTotal         *prometheus.CounterVec
	AuditWriteFailuresTotal  prometheus.Counter
	AuditRetentionRunsTotal  *prometheus.CounterVec
	AuditEventsPurgedTotal   prometheus.Counter
	AuditEventsArchivedTotal prometheus.Counter

	// Store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// HTTP metrics (ops API)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,

		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildgate_permission_checks_total",
				Help: "Total number of permission checks by outcome and deciding rule",
			},
			[]string{"outcome", "rule"},
		),
		PermissionCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guildgate_permission_check_duration_seconds",
				Help:    "Permission check duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"outcome"},
		),
		SecurityLockoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildgate_security_lockouts_total",
				Help: "Sensitive feature denials caused by uninitialized guild security",
			},
			[]string{"feature"},
		),

		DenialLogsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildgate_denial_logs_total",
				Help: "Denial log attempts by throttle action",
			},
			[]string{"action"},
		),

		SecurityBootstrapsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildgate_security_bootstraps_total",
				Help: "Guild security lookups by resolution path",
			},
			[]string{"result"},
		),
		SecurityCacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildgate_security_cache_hits_total",
				Help: "Security config cache hits",
			},
			[]string{"cache_type"},
		),
		SecurityCacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildgate_security_cache_misses_total",
				Help: "Security config cache misses",
			},
			[]string{"cache_type"},
		),

		AuditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildgate_audit_events_total",
				Help: "Audit trail entries written by change type",
			},
			[]string{"change_type"},
		),
		AuditWriteFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "guildgate_audit_write_failures_total",
				Help: "Audit trail writes that failed and were swallowed",
			},
		),
		AuditRetentionRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildgate_audit_retention_runs_total",
				Help: "Audit retention job runs by status",
			},
			[]string{"status"},
		),
		AuditEventsPurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "guildgate_audit_events_purged_total",
				Help: "Audit entries removed by retention",
			},
		),
		AuditEventsArchivedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "guildgate_audit_events_archived_total",
				Help: "Audit entries uploaded to archive storage",
			},
		),

		StoreOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildgate_store_operations_total",
				Help: "Total number of store operations",
			},
			[]string{"operation", "backend", "status"},
		),
		StoreOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guildgate_store_operation_duration_seconds",
				Help:    "Store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guildgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guildgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guildgate_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.PermissionChecksTotal,
		m.PermissionCheckDuration,
		m.SecurityLockoutsTotal,
		m.DenialLogsTotal,
		m.SecurityBootstrapsTotal,
		m.SecurityCacheHitsTotal,
		m.SecurityCacheMissesTotal,
		m.AuditEventsTotal,
		m.AuditWriteFailuresTotal,
		m.AuditRetentionRunsTotal,
		m.AuditEventsPurgedTotal,
		m.AuditEventsArchivedTotal,
		m.StoreOperationsTotal,
		m.StoreOperationDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
	)

	return m
}

// RecordCheck records one permission decision.
func (m *Metrics) RecordCheck(allowed bool, rule string, duration time.Duration) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.PermissionChecksTotal.WithLabelValues(outcome, rule).Inc()
	m.PermissionCheckDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordStoreOperation records a store call's latency and status.
func (m *Metrics) RecordStoreOperation(operation, backend string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(operation, backend, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// Handler returns the Prometheus scrape handler for this metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}
