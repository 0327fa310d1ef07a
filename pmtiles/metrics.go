package pmtiles

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Metrics bundles the prometheus collectors shared by the registry and the server.
type Metrics struct {
	Registry *prometheus.Registry

	buildInfo *prometheus.GaugeVec
	// overall requests: # requests, request duration, response size by source/handler/status
	requests        *prometheus.CounterVec
	responseSize    *prometheus.HistogramVec
	requestDuration *prometheus.HistogramVec
	// dir cache: # requests, hits, cache entries, cache bytes, cache bytes limit
	dirCacheEntries    prometheus.Gauge
	dirCacheSizeBytes  prometheus.Gauge
	dirCacheLimitBytes prometheus.Gauge
	dirCacheRequests   *prometheus.CounterVec
	// reads against archive sources: # total, duration by archive/status
	sourceReads        *prometheus.CounterVec
	sourceReadDuration *prometheus.HistogramVec
	// registry
	archivesLoaded prometheus.Gauge
	archivesFailed prometheus.Counter
}

// utility to time an overall request
type requestTracker struct {
	finished bool
	start    time.Time
	metrics  *Metrics
}

func (m *Metrics) startRequest() *requestTracker {
	return &requestTracker{start: time.Now(), metrics: m}
}

func (r *requestTracker) finish(ctx context.Context, source, handler string, status, responseSize int) {
	if r.finished {
		return
	}
	r.finished = true
	// unknown sources are dropped from the labels to bound cardinality
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

// utility to time an individual read against an archive source
type sourceReadTracker struct {
	start   time.Time
	metrics *Metrics
	archive string
	kind    string
}

func (m *Metrics) startSourceRead(archive, kind string) *sourceReadTracker {
	return &sourceReadTracker{start: time.Now(), metrics: m, archive: archive, kind: kind}
}

func (r *sourceReadTracker) finish(ctx context.Context, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		if isCanceled(ctx) {
			status = "canceled"
		}
	}
	r.metrics.sourceReads.WithLabelValues(r.archive, r.kind, status).Inc()
	r.metrics.sourceReadDuration.WithLabelValues(r.archive, status).Observe(time.Since(r.start).Seconds())
}

func isCanceled(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

// SetBuildInfo records the binary version as a constant gauge.
func (m *Metrics) SetBuildInfo(version, commit string) {
	m.buildInfo.WithLabelValues(version, commit).Set(1)
}

func (m *Metrics) initCacheStats(limitBytes int) {
	m.dirCacheLimitBytes.Set(float64(limitBytes))
	m.updateCacheStats(0, 0)
}

func (m *Metrics) updateCacheStats(sizeBytes, entries int) {
	m.dirCacheEntries.Set(float64(entries))
	m.dirCacheSizeBytes.Set(float64(sizeBytes))
}

func (m *Metrics) cacheRequest(archive, status string) {
	m.dirCacheRequests.WithLabelValues(archive, status).Inc()
}

func register[K prometheus.Collector](logger *zap.Logger, reg prometheus.Registerer, metric K) K {
	if err := reg.Register(metric); err != nil {
		logger.Warn("registering metric", zap.Error(err))
	}
	return metric
}

// NewMetrics creates the collectors on a fresh prometheus registry.
func NewMetrics(logger *zap.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	namespace := "parcel_tiles"
	durationBuckets := prometheus.DefBuckets
	kib := 1024.0
	mib := kib * kib
	sizeBuckets := []float64{1.0 * kib, 5.0 * kib, 10.0 * kib, 25.0 * kib, 50.0 * kib, 100 * kib, 250 * kib, 500 * kib, 1.0 * mib}

	return &Metrics{
		Registry: reg,

		buildInfo: register(logger, reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buildinfo",
		}, []string{"version", "revision"})),

		// overall requests
		requests: register(logger, reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Overall number of requests to the service",
		}, []string{"source", "handler", "status"})),
		responseSize: register(logger, reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_size_bytes",
			Help:      "Overall response size in bytes",
			Buckets:   sizeBuckets,
		}, []string{"source", "handler", "status"})),
		requestDuration: register(logger, reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Overall request duration in seconds",
			Buckets:   durationBuckets,
		}, []string{"source", "handler", "status"})),

		// dir cache
		dirCacheEntries: register(logger, reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dir_cache_entries",
			Help:      "Number of leaf directories in the cache",
		})),
		dirCacheSizeBytes: register(logger, reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dir_cache_size_bytes",
			Help:      "Current directory cache usage in bytes",
		})),
		dirCacheLimitBytes: register(logger, reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dir_cache_limit_bytes",
			Help:      "Maximum directory cache size limit in bytes",
		})),
		dirCacheRequests: register(logger, reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dir_cache_requests",
			Help:      "Requests to the directory cache by archive and status (hit/miss)",
		}, []string{"archive", "status"})),

		// reads against sources
		sourceReads: register(logger, reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_reads_total",
			Help:      "Byte-range reads against archive sources",
		}, []string{"archive", "kind", "status"})),
		sourceReadDuration: register(logger, reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_read_duration_seconds",
			Help:      "Duration in seconds of individual byte-range reads",
			Buckets:   durationBuckets,
		}, []string{"archive", "status"})),

		// registry
		archivesLoaded: register(logger, reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "archives_loaded",
			Help:      "Number of archives registered at startup",
		})),
		archivesFailed: register(logger, reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archives_failed_total",
			Help:      "Archives skipped at startup because they could not be opened",
		})),
	}
}
