package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. The Observe*/Inc* helpers are safe
// to call on a nil *Metrics so components can run without instrumentation.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Permission checker
	PermissionChecksTotal *prometheus.CounterVec

	// Role-permission cache
	RoleCacheLookupsTotal       *prometheus.CounterVec
	RoleCacheRebuildsTotal      *prometheus.CounterVec
	RoleCacheRebuildDuration    prometheus.Histogram
	RoleCacheInvalidationsTotal *prometheus.CounterVec

	// Membership and invitation lifecycle
	MembershipMutationsTotal *prometheus.CounterVec
	InvitationsTotal         *prometheus.CounterVec
	InvitationsSweptTotal    prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardpost_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guardpost_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardpost_permission_checks_total",
				Help: "Permission checks by permission, decision and denying gate",
			},
			[]string{"permission", "decision", "gate"},
		),
		RoleCacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardpost_role_cache_lookups_total",
				Help: "Role-permission cache lookups by result",
			},
			[]string{"result"},
		),
		RoleCacheRebuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardpost_role_cache_rebuilds_total",
				Help: "Role-permission cache rebuilds by status",
			},
			[]string{"status"},
		),
		RoleCacheRebuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "guardpost_role_cache_rebuild_duration_seconds",
				Help:    "Time spent loading a tenant's custom roles",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		RoleCacheInvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardpost_role_cache_invalidations_total",
				Help: "Role-permission cache invalidations by source",
			},
			[]string{"source"},
		),
		MembershipMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardpost_membership_mutations_total",
				Help: "Membership mutations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		InvitationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardpost_invitations_total",
				Help: "Invitation lifecycle operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		InvitationsSweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "guardpost_invitations_swept_total",
				Help: "Expired tenant invitations removed by the sweeper",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PermissionChecksTotal,
		m.RoleCacheLookupsTotal,
		m.RoleCacheRebuildsTotal,
		m.RoleCacheRebuildDuration,
		m.RoleCacheInvalidationsTotal,
		m.MembershipMutationsTotal,
		m.InvitationsTotal,
		m.InvitationsSweptTotal,
	)

	return m
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObservePermissionCheck records one permission decision. gate is empty when allowed.
func (m *Metrics) ObservePermissionCheck(permission string, allowed bool, gate string) {
	if m == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.PermissionChecksTotal.WithLabelValues(permission, decision, gate).Inc()
}

// ObserveCacheLookup records a cache hit or miss
func (m *Metrics) ObserveCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.RoleCacheLookupsTotal.WithLabelValues("hit").Inc()
		return
	}
	m.RoleCacheLookupsTotal.WithLabelValues("miss").Inc()
}

// ObserveCacheRebuild records a rebuild and how long it took
func (m *Metrics) ObserveCacheRebuild(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.RoleCacheRebuildsTotal.WithLabelValues(outcome(err)).Inc()
	m.RoleCacheRebuildDuration.Observe(d.Seconds())
}

// IncCacheInvalidation records an invalidation from "local" or "remote"
func (m *Metrics) IncCacheInvalidation(source string) {
	if m == nil {
		return
	}
	m.RoleCacheInvalidationsTotal.WithLabelValues(source).Inc()
}

// ObserveMembershipMutation records a membership write
func (m *Metrics) ObserveMembershipMutation(operation string, err error) {
	if m == nil {
		return
	}
	m.MembershipMutationsTotal.WithLabelValues(operation, outcome(err)).Inc()
}

// ObserveInvitation records an invitation lifecycle operation
func (m *Metrics) ObserveInvitation(operation string, err error) {
	if m == nil {
		return
	}
	m.InvitationsTotal.WithLabelValues(operation, outcome(err)).Inc()
}

// AddInvitationsSwept records sweeper removals
func (m *Metrics) AddInvitationsSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.InvitationsSweptTotal.Add(float64(n))
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests, labelling by mux route
// template rather than raw path to bound cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
