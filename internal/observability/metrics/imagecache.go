// Package metrics provides custom Prometheus metrics for the image cache components.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ImageCacheMetrics contains all Prometheus metrics related to image cache operations.
// All methods are safe to call on a nil receiver, which records nothing.
type ImageCacheMetrics struct {
	Requests          *prometheus.CounterVec
	Downloads         *prometheus.CounterVec
	DownloadDuration  *prometheus.HistogramVec
	DownloadsInFlight prometheus.Gauge
	Cancellations     *prometheus.CounterVec
	StaleResults      *prometheus.CounterVec
	StoreOperations   *prometheus.CounterVec
	StoreEvictions    *prometheus.CounterVec
	StoreEntries      *prometheus.GaugeVec
}

// NewImageCacheMetrics creates the collectors and registers them with registry.
func NewImageCacheMetrics(registry prometheus.Registerer) (*ImageCacheMetrics, error) {
	m := &ImageCacheMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register image cache metrics: %w", err)
	}
	return m, nil
}

func (m *ImageCacheMetrics) initMetrics() {
	m.Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imagecache_requests_total",
		Help: "Total number of cached image requests by image type and result.",
	}, []string{"type", "result"})

	m.Downloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imagecache_downloads_total",
		Help: "Total number of image downloads by image type and status.",
	}, []string{"type", "status"})

	m.DownloadDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "imagecache_download_duration_seconds",
		Help:    "Duration of image downloads in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"type"})

	m.DownloadsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imagecache_downloads_in_flight",
		Help: "Number of downloads currently in flight.",
	})

	m.Cancellations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imagecache_cancellations_total",
		Help: "Total number of cancelled image requests.",
	}, []string{"type"})

	m.StaleResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imagecache_stale_results_total",
		Help: "Total number of completions dropped because a newer request or a cancel superseded them.",
	}, []string{"slot"})

	m.StoreOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imagecache_store_operations_total",
		Help: "Total number of cache store operations by operation and status.",
	}, []string{"operation", "status"})

	m.StoreEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "imagecache_store_evictions_total",
		Help: "Total number of entries evicted because a type exceeded its capacity.",
	}, []string{"type"})

	m.StoreEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "imagecache_store_entries",
		Help: "Number of persisted entries per image type.",
	}, []string{"type"})
}

// RecordRequest counts a cachedImage call by its result.
func (m *ImageCacheMetrics) RecordRequest(imageType, result string) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(imageType, result).Inc()
}

// DownloadStarted increments the in-flight gauge.
func (m *ImageCacheMetrics) DownloadStarted() {
	if m == nil {
		return
	}
	m.DownloadsInFlight.Inc()
}

// DownloadFinished decrements the in-flight gauge and records the outcome.
func (m *ImageCacheMetrics) DownloadFinished(imageType, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DownloadsInFlight.Dec()
	m.Downloads.WithLabelValues(imageType, status).Inc()
	if status == StatusSuccess {
		m.DownloadDuration.WithLabelValues(imageType).Observe(elapsed.Seconds())
	}
}

// RecordCancellation counts a cancelled request.
func (m *ImageCacheMetrics) RecordCancellation(imageType string) {
	if m == nil {
		return
	}
	m.Cancellations.WithLabelValues(imageType).Inc()
}

// RecordStaleResult counts a completion dropped by a request binding.
func (m *ImageCacheMetrics) RecordStaleResult(slot string) {
	if m == nil {
		return
	}
	m.StaleResults.WithLabelValues(slot).Inc()
}

// RecordStoreOperation counts a cache store operation.
func (m *ImageCacheMetrics) RecordStoreOperation(operation, status string) {
	if m == nil {
		return
	}
	m.StoreOperations.WithLabelValues(operation, status).Inc()
}

// RecordEvictions adds n evictions for imageType.
func (m *ImageCacheMetrics) RecordEvictions(imageType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StoreEvictions.WithLabelValues(imageType).Add(float64(n))
}

// SetStoreEntries sets the persisted entry count for imageType.
func (m *ImageCacheMetrics) SetStoreEntries(imageType string, count int64) {
	if m == nil {
		return
	}
	m.StoreEntries.WithLabelValues(imageType).Set(float64(count))
}

// Collect implements the prometheus.Collector interface.
func (m *ImageCacheMetrics) Collect(ch chan<- prometheus.Metric) {
	m.Requests.Collect(ch)
	m.Downloads.Collect(ch)
	m.DownloadDuration.Collect(ch)
	ch <- m.DownloadsInFlight
	m.Cancellations.Collect(ch)
	m.StaleResults.Collect(ch)
	m.StoreOperations.Collect(ch)
	m.StoreEvictions.Collect(ch)
	m.StoreEntries.Collect(ch)
}

// Describe implements the prometheus.Collector interface.
func (m *ImageCacheMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.Requests.Describe(ch)
	m.Downloads.Describe(ch)
	m.DownloadDuration.Describe(ch)
	ch <- m.DownloadsInFlight.Desc()
	m.Cancellations.Describe(ch)
	m.StaleResults.Describe(ch)
	m.StoreOperations.Describe(ch)
	m.StoreEvictions.Describe(ch)
	m.StoreEntries.Describe(ch)
}
