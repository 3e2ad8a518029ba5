package service

import (
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "bktutor"

// Outcome labels for workflow counters.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
	OutcomeRetry    = "retry"
)

// MetricsService owns the Prometheus registry. Every method is safe on a nil
// receiver so components can run without instrumentation.
type MetricsService struct {
	registry *prometheus.Registry
	handler  http.Handler

	httpDuration  *prometheus.HistogramVec
	httpRequests  *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	cacheLatency  *prometheus.HistogramVec
	cacheHitRatio prometheus.Gauge
	transitions   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	eventsDropped prometheus.Counter
	reportJobs    *prometheus.CounterVec
	reportRuntime prometheus.Histogram

	// Plain counters back Snapshot without scraping the registry.
	cacheHits, cacheMisses uint64
	requests, requestNanos uint64
	transitionsOK          uint64
	dispatched             uint64
	dropped                uint64
	reportsFinished        uint64
}

// MetricsSnapshot summarises the counters for the health endpoint.
type MetricsSnapshot struct {
	CacheHitRatio            float64   `json:"cacheHitRatio"`
	CacheHits                uint64    `json:"cacheHits"`
	CacheMisses              uint64    `json:"cacheMisses"`
	RequestsTotal            uint64    `json:"requestsTotal"`
	AverageRequestDurationMs float64   `json:"averageRequestDurationMs"`
	SessionTransitions       uint64    `json:"sessionTransitions"`
	NotificationsDispatched  uint64    `json:"notificationsDispatched"`
	EventsDropped            uint64    `json:"eventsDropped"`
	ReportsFinished          uint64    `json:"reportsFinished"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generatedAt"`
}

// NewMetricsService registers the collectors on a private registry.
func NewMetricsService() *MetricsService {
	m := &MetricsService{
		registry: prometheus.NewRegistry(),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by route template.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route template and status.",
		}, []string{"method", "route", "status"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "cache", Name: "lookups_total",
			Help: "Progress cache lookups by result.",
		}, []string{"result"}),
		cacheLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "cache", Name: "operation_seconds",
			Help:    "Progress cache latency by operation.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}, []string{"op"}),
		cacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "cache", Name: "hit_ratio",
			Help: "Hits over total lookups since start.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "sessions", Name: "operations_total",
			Help: "Session lifecycle operations by outcome.",
		}, []string{"operation", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "notifications", Name: "dispatched_total",
			Help: "Notifications created by type and outcome.",
		}, []string{"type", "outcome"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "events", Name: "dropped_total",
			Help: "Events dropped because a subscriber buffer was full.",
		}),
		reportJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "reports", Name: "attempts_total",
			Help: "Export job attempts by outcome.",
		}, []string{"format", "outcome"}),
		reportRuntime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Subsystem: "reports", Name: "generation_seconds",
			Help:    "Time spent rendering one export.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpDuration, m.httpRequests,
		m.cacheLookups, m.cacheLatency, m.cacheHitRatio,
		m.transitions, m.notifications, m.eventsDropped,
		m.reportJobs, m.reportRuntime,
	)
	m.handler = promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest implements the HTTP middleware observer.
func (m *MetricsService) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.httpDuration.WithLabelValues(method, route, code).Observe(duration.Seconds())
	m.httpRequests.WithLabelValues(method, route, code).Inc()
	atomic.AddUint64(&m.requests, 1)
	atomic.AddUint64(&m.requestNanos, uint64(duration.Nanoseconds()))
}

// RecordCacheOperation records one lookup.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.WithLabelValues("get").Observe(duration.Seconds())
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		atomic.AddUint64(&m.cacheHits, 1)
	} else {
		m.cacheLookups.WithLabelValues("miss").Inc()
		atomic.AddUint64(&m.cacheMisses, 1)
	}
	if ratio, ok := hitRatio(atomic.LoadUint64(&m.cacheHits), atomic.LoadUint64(&m.cacheMisses)); ok {
		m.cacheHitRatio.Set(ratio)
	}
}

// ObserveCacheWrite records the latency of one cache write.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.WithLabelValues("set").Observe(duration.Seconds())
}

// RecordSessionTransition counts a lifecycle operation attempt.
func (m *MetricsService) RecordSessionTransition(operation, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(operation, outcome).Inc()
	if outcome == OutcomeOK {
		atomic.AddUint64(&m.transitionsOK, 1)
	}
}

// RecordNotification counts a dispatch attempt.
func (m *MetricsService) RecordNotification(notificationType, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(notificationType, outcome).Inc()
	if outcome == OutcomeOK {
		atomic.AddUint64(&m.dispatched, 1)
	}
}

// RecordEventDropped counts an event a slow subscriber missed.
func (m *MetricsService) RecordEventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
	atomic.AddUint64(&m.dropped, 1)
}

// RecordReportAttempt counts one export attempt and how long rendering took.
func (m *MetricsService) RecordReportAttempt(format, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.reportJobs.WithLabelValues(format, outcome).Inc()
	m.reportRuntime.Observe(duration.Seconds())
	if outcome == OutcomeOK {
		atomic.AddUint64(&m.reportsFinished, 1)
	}
}

// Snapshot returns the aggregated counters.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	hits := atomic.LoadUint64(&m.cacheHits)
	misses := atomic.LoadUint64(&m.cacheMisses)
	requests := atomic.LoadUint64(&m.requests)

	snap := MetricsSnapshot{
		CacheHits:               hits,
		CacheMisses:             misses,
		RequestsTotal:           requests,
		SessionTransitions:      atomic.LoadUint64(&m.transitionsOK),
		NotificationsDispatched: atomic.LoadUint64(&m.dispatched),
		EventsDropped:           atomic.LoadUint64(&m.dropped),
		ReportsFinished:         atomic.LoadUint64(&m.reportsFinished),
		Goroutines:              runtime.NumGoroutine(),
		GeneratedAt:             time.Now().UTC(),
	}
	snap.CacheHitRatio, _ = hitRatio(hits, misses)
	if requests > 0 {
		snap.AverageRequestDurationMs = float64(atomic.LoadUint64(&m.requestNanos)) / float64(requests) / float64(time.Millisecond)
	}
	return snap
}

func hitRatio(hits, misses uint64) (float64, bool) {
	total := hits + misses
	if total == 0 {
		return 0, false
	}
	return float64(hits) / float64(total), true
}
