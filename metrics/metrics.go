// Package metrics provides Prometheus metrics for the auth cache.
//
// A nil *Metrics and a disabled one are both valid no-op recorders.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for auth operations.
type Metrics struct {
	enabled bool

	// Authentication metrics
	authRequestsTotal *prometheus.CounterVec
	authFailuresTotal *prometheus.CounterVec

	// Permission check metrics
	permissionChecksTotal   *prometheus.CounterVec
	permissionCheckDuration prometheus.Histogram

	// Cache metrics
	cacheEntriesTotal *prometheus.GaugeVec
	cacheHitsTotal    *prometheus.CounterVec
	cacheMissTotal    *prometheus.CounterVec
	cacheErrorsTotal  *prometheus.CounterVec

	// Provider metrics
	providerCallsTotal   *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec
	providerUp           prometheus.Gauge
}

// New creates Prometheus metrics registered with the default registerer.
// If enabled is false, returns a no-op Metrics instance.
func New(enabled bool) *Metrics {
	if !enabled {
		return &Metrics{}
	}
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates enabled metrics registered with reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{enabled: true}

	m.authRequestsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "iam_auth_requests_total",
		Help: "Total authentication requests",
	}, []string{"method"})

	m.authFailuresTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "iam_auth_failures_total",
		Help: "Total authentication failures",
	}, []string{"method", "reason"})

	m.permissionChecksTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "iam_permission_checks_total",
		Help: "Total permission checks",
	}, []string{"result"})

	m.permissionCheckDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "iam_permission_check_duration_seconds",
		Help:    "Permission check duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	m.cacheEntriesTotal = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "iam_cache_entries",
		Help: "Current number of entries in cache",
	}, []string{"cache_type"})

	m.cacheHitsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "iam_cache_hits_total",
		Help: "Total cache hits",
	}, []string{"cache_type"})

	m.cacheMissTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "iam_cache_misses_total",
		Help: "Total cache misses",
	}, []string{"cache_type"})

	m.cacheErrorsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "iam_cache_errors_total",
		Help: "Total cache backend errors",
	}, []string{"cache_type"})

	m.providerCallsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "iam_provider_calls_total",
		Help: "Total identity provider calls",
	}, []string{"operation", "result"})

	m.providerCallDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "iam_provider_call_duration_seconds",
		Help:    "Identity provider call duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	m.providerUp = f.NewGauge(prometheus.GaugeOpts{
		Name: "iam_provider_up",
		Help: "Identity provider reachability (0=unavailable, 1=reachable)",
	})

	return m
}

func (m *Metrics) on() bool { return m != nil && m.enabled }

// RecordAuthSuccess records a successful authentication.
func (m *Metrics) RecordAuthSuccess(method string) {
	if !m.on() {
		return
	}
	m.authRequestsTotal.WithLabelValues(method).Inc()
}

// RecordAuthFailure records a failed authentication.
func (m *Metrics) RecordAuthFailure(method, reason string) {
	if !m.on() {
		return
	}
	m.authRequestsTotal.WithLabelValues(method).Inc()
	m.authFailuresTotal.WithLabelValues(method, reason).Inc()
}

// RecordPermissionCheck records a permission check result.
func (m *Metrics) RecordPermissionCheck(result string, durationSeconds float64) {
	if !m.on() {
		return
	}
	m.permissionChecksTotal.WithLabelValues(result).Inc()
	m.permissionCheckDuration.Observe(durationSeconds)
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit(cacheType string) {
	if !m.on() {
		return
	}
	m.cacheHitsTotal.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(cacheType string) {
	if !m.on() {
		return
	}
	m.cacheMissTotal.WithLabelValues(cacheType).Inc()
}

// RecordCacheError records a cache backend failure.
func (m *Metrics) RecordCacheError(cacheType string) {
	if !m.on() {
		return
	}
	m.cacheErrorsTotal.WithLabelValues(cacheType).Inc()
}

// SetCacheSize sets the current cache size.
func (m *Metrics) SetCacheSize(cacheType string, size float64) {
	if !m.on() {
		return
	}
	m.cacheEntriesTotal.WithLabelValues(cacheType).Set(size)
}

// RecordProviderCall records one identity provider round trip. result is
// "ok" or an error kind such as "provider_unavailable".
func (m *Metrics) RecordProviderCall(operation, result string, d time.Duration) {
	if !m.on() {
		return
	}
	m.providerCallsTotal.WithLabelValues(operation, result).Inc()
	m.providerCallDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// SetProviderUp sets the provider reachability gauge.
func (m *Metrics) SetProviderUp(up bool) {
	if !m.on() {
		return
	}
	state := 0.0
	if up {
		state = 1.0
	}
	m.providerUp.Set(state)
}
