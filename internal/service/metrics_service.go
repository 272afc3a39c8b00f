package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/academy-enroll-api/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP
// surface and the enrollment domain.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	enrollmentStatus *prometheus.GaugeVec
	waitingDepth     *prometheus.GaugeVec
	promotionsTotal  prometheus.Counter
	expiredTotal     *prometheus.CounterVec
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

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	enrollmentStatus := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enrollments_by_status",
		Help: "Current enrollment counts per status",
	}, []string{"status"})

	waitingDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "waiting_list_depth",
		Help: "Queued enrollments per group",
	}, []string{"group_id"})

	promotionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "waiting_list_promotions_total",
		Help: "Total waiting-list promotions",
	})

	expiredTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "expiry_sweep_total",
		Help: "Rows expired by sweep runs",
	}, []string{"kind"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheHits, cacheMisses,
		enrollmentStatus, waitingDepth, promotionsTotal, expiredTotal, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:         registry,
		handler:          handler,
		requestDuration:  requestDuration,
		requestTotal:     requestTotal,
		cacheLatency:     cacheLatency,
		cacheHits:        cacheHits,
		cacheMisses:      cacheMisses,
		enrollmentStatus: enrollmentStatus,
		waitingDepth:     waitingDepth,
		promotionsTotal:  promotionsTotal,
		expiredTotal:     expiredTotal,
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
}

// RecordCacheOperation records cache hit/miss metrics.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	if m.cacheLatency != nil {
		m.cacheLatency.Observe(duration.Seconds())
	}
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// SetEnrollmentCounts refreshes the per-status enrollment gauges.
func (m *MetricsService) SetEnrollmentCounts(counts map[models.EnrollmentStatus]int) {
	if m == nil {
		return
	}
	for _, status := range []models.EnrollmentStatus{
		models.EnrollmentStatusPendingApproval,
		models.EnrollmentStatusActive,
		models.EnrollmentStatusWaitingList,
		models.EnrollmentStatusWithdrawn,
		models.EnrollmentStatusCompleted,
		models.EnrollmentStatusRejected,
		models.EnrollmentStatusExpired,
	} {
		m.enrollmentStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// SetWaitingDepth records queue depth for a group.
func (m *MetricsService) SetWaitingDepth(groupID string, depth int) {
	if m == nil {
		return
	}
	m.waitingDepth.WithLabelValues(groupID).Set(float64(depth))
}

// RecordPromotion counts a waiting-list promotion.
func (m *MetricsService) RecordPromotion() {
	if m == nil {
		return
	}
	m.promotionsTotal.Inc()
}

// RecordExpired counts rows expired by a sweep.
func (m *MetricsService) RecordExpired(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.expiredTotal.WithLabelValues(kind).Add(float64(n))
}
