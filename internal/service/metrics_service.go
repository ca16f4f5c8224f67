package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/member-requests-api/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots for API consumption.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	cacheRollbacks  prometheus.Counter
	resolutions     *prometheus.CounterVec
	bulkItems       *prometheus.CounterVec
	auditFailures   prometheus.Counter

	cacheHitCount   uint64
	cacheMissCount  uint64
	rollbackCount   uint64
	requestCount    uint64
	auditFailCount  uint64
	resolutionCount uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	cacheRollbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_optimistic_rollbacks_total",
		Help: "Optimistic cache patches restored after a failed remote write",
	})

	resolutions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "change_request_resolutions_total",
		Help: "Change request resolutions by type, action and outcome",
	}, []string{"type", "action", "outcome"})

	bulkItems := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_status_items_total",
		Help: "Bulk status items by action and outcome",
	}, []string{"action", "outcome"})

	auditFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_append_failures_total",
		Help: "Audit ledger appends that failed on first attempt",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheHits, cacheMisses, cacheRollbacks, resolutions, bulkItems, auditFailures, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		cacheRollbacks:  cacheRollbacks,
		resolutions:     resolutions,
		bulkItems:       bulkItems,
		auditFailures:   auditFailures,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
}

// RecordCacheOperation records cache hit/miss metrics.
func (m *MetricsService) RecordCacheOperation(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
		return
	}
	m.cacheMisses.Inc()
	atomic.AddUint64(&m.cacheMissCount, 1)
}

// RecordCacheRollback counts an optimistic patch that was restored.
func (m *MetricsService) RecordCacheRollback() {
	if m == nil {
		return
	}
	m.cacheRollbacks.Inc()
	atomic.AddUint64(&m.rollbackCount, 1)
}

// RecordResolution counts a change request resolution attempt.
func (m *MetricsService) RecordResolution(requestType models.ChangeRequestType, action models.ResolutionAction, outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(string(requestType), string(action), outcome).Inc()
	atomic.AddUint64(&m.resolutionCount, 1)
}

// RecordBulkItem counts one bulk item outcome.
func (m *MetricsService) RecordBulkItem(action models.BulkAction, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.bulkItems.WithLabelValues(string(action), outcome).Inc()
}

// RecordAuditFailure counts a failed first-attempt audit append.
func (m *MetricsService) RecordAuditFailure() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
	atomic.AddUint64(&m.auditFailCount, 1)
}

// Snapshot returns aggregated counters for the metrics summary endpoint.
func (m *MetricsService) Snapshot() models.SystemMetrics {
	if m == nil {
		return models.SystemMetrics{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)

	var ratio float64
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}

	return models.SystemMetrics{
		CacheHitRatio:      ratio,
		CacheHits:          hits,
		CacheMisses:        misses,
		CacheRollbacks:     atomic.LoadUint64(&m.rollbackCount),
		RequestsTotal:      atomic.LoadUint64(&m.requestCount),
		Resolutions:        atomic.LoadUint64(&m.resolutionCount),
		AuditAppendFailure: atomic.LoadUint64(&m.auditFailCount),
		Goroutines:         runtime.NumGoroutine(),
		GeneratedAt:        time.Now().UTC(),
	}
}
