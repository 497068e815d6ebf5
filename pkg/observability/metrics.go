package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Permission cache metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// Resolution metrics
	ResolutionsTotal      *prometheus.CounterVec
	ResolutionDuration    *prometheus.HistogramVec
	TruncatedWalksTotal   prometheus.Counter
	PermissionChecksTotal *prometheus.CounterVec
	InvalidationsTotal    *prometheus.CounterVec
	InvalidatedUsersTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
	DBWaitCount        prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authz_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authz_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "route"},
		),

		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authz_permission_cache_hits_total",
				Help: "Permission sets served from cache",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authz_permission_cache_misses_total",
				Help: "Permission lookups that required a computation",
			},
		),

		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_resolutions_total",
				Help: "Permission set computations by resolution path",
			},
			[]string{"path"},
		),
		ResolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authz_resolution_duration_seconds",
				Help:    "Permission set computation time in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"path"},
		),
		TruncatedWalksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authz_hierarchy_truncated_walks_total",
				Help: "Role hierarchy walks cut short by a cycle, the depth cap or a dangling parent",
			},
		),
		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_permission_checks_total",
				Help: "Permission checks by result",
			},
			[]string{"result"},
		),
		InvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_cache_invalidations_total",
				Help: "Cache invalidations by scope",
			},
			[]string{"scope"},
		),
		InvalidatedUsersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authz_cache_invalidated_users_total",
				Help: "Users whose cached permissions were dropped, by scope",
			},
			[]string{"scope"},
		),

		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "authz_db_connections_open",
				Help: "Number of open database connections",
			},
		),
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "authz_db_connections_in_use",
				Help: "Number of database connections in use",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "authz_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "authz_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.ResolutionsTotal,
		m.ResolutionDuration,
		m.TruncatedWalksTotal,
		m.PermissionChecksTotal,
		m.InvalidationsTotal,
		m.InvalidatedUsersTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBConnectionsIdle,
		m.DBWaitCount,
	)

	return m
}

// RecordCacheHit counts a permission set served from cache
func (m *Metrics) RecordCacheHit() {
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss counts a lookup that required a computation
func (m *Metrics) RecordCacheMiss() {
	m.CacheMissesTotal.Inc()
}

// RecordResolution records one permission set computation
func (m *Metrics) RecordResolution(path string, duration time.Duration) {
	m.ResolutionsTotal.WithLabelValues(path).Inc()
	m.ResolutionDuration.WithLabelValues(path).Observe(duration.Seconds())
}

// RecordInvalidation records one invalidation and how many users it touched
func (m *Metrics) RecordInvalidation(scope string, users int) {
	m.InvalidationsTotal.WithLabelValues(scope).Inc()
	m.InvalidatedUsersTotal.WithLabelValues(scope).Add(float64(users))
}

// RecordCheck records a permission check result
func (m *Metrics) RecordCheck(allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.PermissionChecksTotal.WithLabelValues(result).Inc()
}

// RecordTruncatedWalk counts a hierarchy walk that stopped early
func (m *Metrics) RecordTruncatedWalk() {
	m.TruncatedWalksTotal.Inc()
}

// RecordDBStats copies connection pool statistics into the gauges
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsInUse.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBWaitCount.Set(float64(stats.WaitCount))
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

// routeLabel returns the matched mux route template so IDs in paths do not
// explode label cardinality
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Install it with router.Use so the route template is known.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

// ResolverRecorder is the set of permission resolver events Metrics and
// OTelMetrics both record
type ResolverRecorder interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordResolution(path string, duration time.Duration)
	RecordInvalidation(scope string, users int)
	RecordCheck(allowed bool)
	RecordTruncatedWalk()
}

// Recorders fans resolver events out to every recorder in the slice
type Recorders []ResolverRecorder

func (rs Recorders) RecordCacheHit() {
	for _, r := range rs {
		r.RecordCacheHit()
	}
}

func (rs Recorders) RecordCacheMiss() {
	for _, r := range rs {
		r.RecordCacheMiss()
	}
}

func (rs Recorders) RecordResolution(path string, duration time.Duration) {
	for _, r := range rs {
		r.RecordResolution(path, duration)
	}
}

func (rs Recorders) RecordInvalidation(scope string, users int) {
	for _, r := range rs {
		r.RecordInvalidation(scope, users)
	}
}

func (rs Recorders) RecordCheck(allowed bool) {
	for _, r := range rs {
		r.RecordCheck(allowed)
	}
}

func (rs Recorders) RecordTruncatedWalk() {
	for _, r := range rs {
		r.RecordTruncatedWalk()
	}
}
