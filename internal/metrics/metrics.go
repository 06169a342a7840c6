package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stossymoji"

// Metrics holds all application metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestBytes    *prometheus.CounterVec
	storeOperations     *prometheus.CounterVec
	storeDuration       *prometheus.HistogramVec
	storeErrors         *prometheus.CounterVec
	cipherOperations    *prometheus.CounterVec
	cipherDuration      *prometheus.HistogramVec
	cipherErrors        *prometheus.CounterVec
	decryptFallbacks    *prometheus.CounterVec
	rewrites            *prometheus.CounterVec
	renameOutcomes      *prometheus.CounterVec
	keyCacheItems       prometheus.Gauge
	keyCacheHits        prometheus.Gauge
	keyCacheMisses      prometheus.Gauge
	activeConnections   prometheus.Gauge
	goroutines          prometheus.Gauge
	memoryAllocBytes    prometheus.Gauge
	memorySysBytes      prometheus.Gauge
}

// NewMetrics registers metrics on the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers metrics on reg. If reg is also a
// Gatherer, Handler serves it.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	reg.MustRegister(versioncollector.NewCollector(namespace))

	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	return &Metrics{
		gatherer: gatherer,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_request_bytes_total",
				Help:      "Total bytes received in HTTP request bodies",
			},
			[]string{"method", "path"},
		),
		storeOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_operations_total",
				Help:      "Total number of blob store operations",
			},
			[]string{"operation", "backend"},
		),
		storeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_operation_duration_seconds",
				Help:      "Blob store operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),
		storeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_operation_errors_total",
				Help:      "Total number of blob store operation errors",
			},
			[]string{"operation", "backend", "error_type"},
		),
		cipherOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cipher_operations_total",
				Help:      "Total number of name encrypt/decrypt operations",
			},
			[]string{"operation"},
		),
		cipherDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cipher_duration_seconds",
				Help:      "Name encrypt/decrypt duration in seconds",
				Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
			},
			[]string{"operation"},
		),
		cipherErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cipher_errors_total",
				Help:      "Total number of name encrypt/decrypt errors",
			},
			[]string{"operation", "error_type"},
		),
		decryptFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decrypt_fallbacks_total",
				Help:      "Names shown in encrypted form because decryption failed",
			},
			[]string{"source"},
		),
		rewrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rewrites_total",
				Help:      "Links rewritten by the render passes",
			},
			[]string{"pass"},
		),
		renameOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rename_outcomes_total",
				Help:      "Rename results by outcome",
			},
			[]string{"outcome"},
		),
		keyCacheItems: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "key_cache_items",
				Help:      "Derived keys currently cached",
			},
		),
		keyCacheHits: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "key_cache_hits",
				Help:      "Derived key cache hits since the last purge",
			},
		),
		keyCacheMisses: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "key_cache_misses",
				Help:      "Derived key cache misses since the last purge",
			},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of in-flight HTTP requests",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_total",
				Help:      "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_alloc_bytes",
				Help:      "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_sys_bytes",
				Help:      "Total bytes of memory obtained from OS",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64) {
	code := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, path, code).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
	if bytes > 0 {
		m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
	}
}

// RecordStoreOperation records a completed blob store call.
func (m *Metrics) RecordStoreOperation(operation, backend string, duration time.Duration) {
	m.storeOperations.WithLabelValues(operation, backend).Inc()
	m.storeDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// RecordStoreError records a failed blob store call.
func (m *Metrics) RecordStoreError(operation, backend, errorType string) {
	m.storeErrors.WithLabelValues(operation, backend, errorType).Inc()
}

// RecordCipherOperation records a name encrypt or decrypt.
func (m *Metrics) RecordCipherOperation(operation string, duration time.Duration) {
	m.cipherOperations.WithLabelValues(operation).Inc()
	m.cipherDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCipherError records a name encrypt or decrypt failure.
func (m *Metrics) RecordCipherError(operation, errorType string) {
	m.cipherErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordDecryptFallback counts a name displayed in its encrypted form.
// source is "list" or "render".
func (m *Metrics) RecordDecryptFallback(source string) {
	m.decryptFallbacks.WithLabelValues(source).Inc()
}

// RecordRewrites adds n rewritten links for pass.
func (m *Metrics) RecordRewrites(pass string, n int) {
	if n <= 0 {
		return
	}
	m.rewrites.WithLabelValues(pass).Add(float64(n))
}

// RecordRenameOutcome counts a rename result.
func (m *Metrics) RecordRenameOutcome(outcome string) {
	m.renameOutcomes.WithLabelValues(outcome).Inc()
}

// UpdateKeyCacheStats publishes the derived-key cache counters.
func (m *Metrics) UpdateKeyCacheStats(items int, hits, misses int64) {
	m.keyCacheItems.Set(float64(items))
	m.keyCacheHits.Set(float64(hits))
	m.keyCacheMisses.Set(float64(misses))
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections gauge.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections gauge.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector updates system metrics every interval until
// ctx is done.
func (m *Metrics) StartSystemMetricsCollector(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.UpdateSystemMetrics()
			}
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
