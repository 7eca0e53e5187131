package pgtiles

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var buildInfoMetric = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "pgtiles",
	Name:      "buildinfo",
}, []string{"version", "revision"})

var buildTimeMetric = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "pgtiles",
	Name:      "buildtime",
})

func init() {
	prometheus.Register(buildInfoMetric)
	prometheus.Register(buildTimeMetric)
}

// SetBuildInfo initializes static metrics with version, git hash, and build time
func SetBuildInfo(version, commit, date string) {
	buildInfoMetric.WithLabelValues(version, commit).Set(1)
	buildTime, err := time.Parse(time.RFC3339, date)
	if err == nil {
		buildTimeMetric.Set(float64(buildTime.Unix()))
	} else {
		buildTimeMetric.Set(0)
	}
}

type metrics struct {
	// overall requests: # requests, request duration, response size by source/handler/status code
	requests        *prometheus.CounterVec
	responseSize    *prometheus.HistogramVec
	requestDuration *prometheus.HistogramVec
	// tile cache: entries, bytes, bytes limit, requests by status (hit/miss/share)
	cacheEntries    prometheus.Gauge
	cacheSizeBytes  prometheus.Gauge
	cacheLimitBytes prometheus.Gauge
	cacheRequests   *prometheus.CounterVec
	// calls to the tile backend: # total, duration by source/outcome
	backendCalls        *prometheus.CounterVec
	backendCallDuration *prometheus.HistogramVec
}

func isCanceled(ctx context.Context) bool {
	return ctx.Err() != nil
}

// utility to time an overall tile request
type requestTracker struct {
	finished bool
	start    time.Time
	metrics  *metrics
}

func (m *metrics) startRequest() *requestTracker {
	return &requestTracker{start: time.Now(), metrics: m}
}

func (r *requestTracker) finish(ctx context.Context, source, handler string, status, responseSize int) {
	if r.finished {
		return
	}
	r.finished = true
	// exclude source from "not found" metrics to limit cardinality on requests for nonexistent sources
	statusString := strconv.Itoa(status)
	if status == 404 {
		source = ""
	} else if isCanceled(ctx) {
		statusString = "canceled"
	}

	labels := []string{source, handler, statusString}
	r.metrics.requests.WithLabelValues(labels...).Inc()
	r.metrics.responseSize.WithLabelValues(labels...).Observe(float64(responseSize))
	r.metrics.requestDuration.WithLabelValues(labels...).Observe(time.Since(r.start).Seconds())
}

// utility to time an individual call to the tile backend
type backendCallTracker struct {
	finished bool
	start    time.Time
	metrics  *metrics
	source   string
}

func (m *metrics) startBackendCall(source string) *backendCallTracker {
	return &backendCallTracker{start: time.Now(), metrics: m, source: source}
}

func (r *backendCallTracker) finish(ctx context.Context, outcome string) {
	if r.finished {
		return
	}
	r.finished = true
	if isCanceled(ctx) {
		outcome = "canceled"
	}
	r.metrics.backendCalls.WithLabelValues(r.source, outcome).Inc()
	r.metrics.backendCallDuration.WithLabelValues(r.source, outcome).Observe(time.Since(r.start).Seconds())
}

func (m *metrics) initCacheStats(limitBytes int) {
	m.cacheLimitBytes.Set(float64(limitBytes))
	m.updateCacheStats(0, 0)
}

func (m *metrics) updateCacheStats(sizeBytes, entries int) {
	m.cacheEntries.Set(float64(entries))
	m.cacheSizeBytes.Set(float64(sizeBytes))
}

func (m *metrics) cacheRequest(source, status string) {
	m.cacheRequests.WithLabelValues(source, status).Inc()
}

func register[K prometheus.Collector](logger *zap.Logger, metric K) K {
	if err := prometheus.Register(metric); err != nil {
		logger.Warn("registering metric", zap.Error(err))
	}
	return metric
}

func createMetrics(scope string, logger *zap.Logger) *metrics {
	namespace := "pgtiles"
	durationBuckets := prometheus.DefBuckets
	kib := 1024.0
	mib := kib * kib
	sizeBuckets := []float64{1.0 * kib, 5.0 * kib, 10.0 * kib, 25.0 * kib, 50.0 * kib, 100 * kib, 250 * kib, 500 * kib, 1.0 * mib}

	return &metrics{
		requests: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "requests_total",
			Help:      "Overall number of requests to the service",
		}, []string{"source", "handler", "status"})),
		responseSize: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "response_size_bytes",
			Help:      "Overall response size in bytes",
			Buckets:   sizeBuckets,
		}, []string{"source", "handler", "status"})),
		requestDuration: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "request_duration_seconds",
			Help:      "Overall request duration in seconds",
			Buckets:   durationBuckets,
		}, []string{"source", "handler", "status"})),

		cacheEntries: register(logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "tile_cache_entries",
			Help:      "Number of tiles in the cache",
		})),
		cacheSizeBytes: register(logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "tile_cache_size_bytes",
			Help:      "Current tile cache usage in bytes",
		})),
		cacheLimitBytes: register(logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "tile_cache_limit_bytes",
			Help:      "Maximum tile cache size limit in bytes",
		})),
		cacheRequests: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "tile_cache_requests",
			Help:      "Requests to the tile cache by source and status (hit/miss/share)",
		}, []string{"source", "status"})),

		backendCalls: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "backend_calls_total",
			Help:      "Calls to the underlying tile backend",
		}, []string{"source", "outcome"})),
		backendCallDuration: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: scope,
			Name:      "backend_call_duration_seconds",
			Help:      "Call duration in seconds for individual calls to the tile backend",
			Buckets:   durationBuckets,
		}, []string{"source", "outcome"})),
	}
}
