package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the API and the export pipeline.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Histogram
	cacheWrite      prometheus.Histogram
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	exportsStarted      prometheus.Counter
	exportsFinished     *prometheus.CounterVec
	exportsActive       prometheus.Gauge
	exportRows          prometheus.Counter
	exportChunks        prometheus.Counter
	chunkWriteDuration  prometheus.Histogram
	storeRetries        *prometheus.CounterVec
	countMismatches     prometheus.Counter
	progressSubscribers prometheus.Gauge
	progressEvents      *prometheus.CounterVec
	progressCoalesced   prometheus.Counter
	licenseDaysLeft     prometheus.Gauge
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	m := &MetricsService{
		registry: registry,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		cacheLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cache_latency_seconds",
			Help:    "Latency for cache operations",
			Buckets: prometheus.DefBuckets,
		}),
		cacheWrite: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cache_write_seconds",
			Help:    "Latency for cache set operations",
			Buckets: prometheus.DefBuckets,
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),
		exportsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exports_started_total",
			Help: "Exports picked up by a worker",
		}),
		exportsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exports_finished_total",
			Help: "Exports reaching a terminal state",
		}, []string{"status", "code"}),
		exportsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exports_active",
			Help: "Exports currently running",
		}),
		exportRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "export_rows_total",
			Help: "Rows written to export chunks",
		}),
		exportChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "export_chunks_total",
			Help: "Export chunks committed",
		}),
		chunkWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "export_chunk_write_seconds",
			Help:    "Time to serialize and commit one chunk",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		storeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "export_retries_total",
			Help: "Retried export operations",
		}, []string{"operation"}),
		countMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "export_count_mismatch_total",
			Help: "Exports whose written rows differed from the announced total",
		}),
		progressSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "progress_subscribers",
			Help: "Live progress subscribers",
		}),
		progressEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "progress_events_total",
			Help: "Progress events published",
		}, []string{"kind"}),
		progressCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "progress_events_coalesced_total",
			Help: "Superseded progress events dropped for slow subscribers",
		}),
		licenseDaysLeft: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "license_days_left",
			Help: "Days until the active license expires",
		}),
	}

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(
		m.requestDuration, m.requestTotal, m.cacheLatency, m.cacheWrite,
		m.cacheHits, m.cacheMisses, m.exportsStarted, m.exportsFinished, m.exportsActive, m.exportRows,
		m.exportChunks, m.chunkWriteDuration, m.storeRetries, m.countMismatches, m.progressSubscribers,
		m.progressEvents, m.progressCoalesced, m.licenseDaysLeft, goroutines,
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
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

// Registry exposes the underlying registry for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// ExportStarted marks a worker picking up an export.
func (m *MetricsService) ExportStarted() {
	if m == nil {
		return
	}
	m.exportsStarted.Inc()
	m.exportsActive.Inc()
}

// ExportFinished records the terminal state of a running export.
func (m *MetricsService) ExportFinished(status, code string) {
	if m == nil {
		return
	}
	m.exportsActive.Dec()
	m.exportsFinished.WithLabelValues(status, code).Inc()
}

// ObserveChunk records one committed chunk.
func (m *MetricsService) ObserveChunk(rows int, duration time.Duration) {
	if m == nil {
		return
	}
	m.exportChunks.Inc()
	m.exportRows.Add(float64(rows))
	m.chunkWriteDuration.Observe(duration.Seconds())
}

// IncRetry counts a retried operation.
func (m *MetricsService) IncRetry(operation string) {
	if m == nil {
		return
	}
	m.storeRetries.WithLabelValues(operation).Inc()
}

// IncCountMismatch counts exports whose row total drifted from the initial count.
func (m *MetricsService) IncCountMismatch() {
	if m == nil {
		return
	}
	m.countMismatches.Inc()
}

// SetLicenseDaysLeft publishes the license horizon.
func (m *MetricsService) SetLicenseDaysLeft(days int) {
	if m == nil {
		return
	}
	m.licenseDaysLeft.Set(float64(days))
}

// SubscriberAdded implements progress.Observer.
func (m *MetricsService) SubscriberAdded() {
	if m == nil {
		return
	}
	m.progressSubscribers.Inc()
}

// SubscriberRemoved implements progress.Observer.
func (m *MetricsService) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.progressSubscribers.Dec()
}

// EventPublished implements progress.Observer.
func (m *MetricsService) EventPublished(kind string) {
	if m == nil {
		return
	}
	m.progressEvents.WithLabelValues(kind).Inc()
}

// EventsCoalesced implements progress.Observer.
func (m *MetricsService) EventsCoalesced(n int) {
	if m == nil {
		return
	}
	m.progressCoalesced.Add(float64(n))
}
