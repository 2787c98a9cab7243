// Package metrics provides Prometheus metrics for the docsync engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Backend operation metrics
	backendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_backend_operations_total",
			Help: "Total number of backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	backendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docsync_backend_operation_duration_seconds",
			Help:    "Backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// Local access metrics
	localAccessActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docsync_local_access_active",
			Help: "Number of open local access scopes",
		},
		[]string{"backend"},
	)

	writeBacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_write_backs_total",
			Help: "Local access scope endings by result (unchanged, written, failed)",
		},
		[]string{"backend", "result"},
	)

	freshnessPollAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docsync_freshness_poll_attempts",
			Help:    "Metadata polls needed before a revision-guarded open accepted the file",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		},
	)

	// Transfer metrics
	bytesDownloaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_bytes_downloaded_total",
			Help: "Total bytes downloaded from remote backends",
		},
		[]string{"backend"},
	)

	bytesUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_bytes_uploaded_total",
			Help: "Total bytes uploaded to remote backends",
		},
		[]string{"backend"},
	)

	downloadQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docsync_download_queue_depth",
			Help: "Files waiting for background download",
		},
		[]string{"backend"},
	)

	// Cloud query metrics
	queryRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_query_restarts_total",
			Help: "Total number of metadata query (re)starts",
		},
		[]string{"backend"},
	)

	indexedFiles = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docsync_indexed_files",
			Help: "Entries in the backend metadata index",
		},
		[]string{"backend"},
	)

	// Thumbnail metrics
	thumbnailLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_thumbnail_lookups_total",
			Help: "Thumbnail cache lookups by tier and result",
		},
		[]string{"tier", "result"},
	)

	thumbnailGenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsync_thumbnail_generations_total",
			Help: "Thumbnail generations by result",
		},
		[]string{"result"},
	)

	thumbnailGenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docsync_thumbnail_generation_duration_seconds",
			Help:    "Thumbnail generation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Registry metrics
	activeBackendSwitches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docsync_active_backend_switches_total",
			Help: "Number of times the active backend changed",
		},
	)

	registeredBackends = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsync_registered_backends",
			Help: "Number of registered backends",
		},
	)

	// Settings store metrics
	settingsQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docsync_settings_query_duration_seconds",
			Help:    "Settings store query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordBackendOperation records one backend operation.
func RecordBackendOperation(backend, operation string, duration time.Duration, success bool) {
	backendOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	backendOperationsTotal.WithLabelValues(backend, operation, status(success)).Inc()
}

// LocalAccessOpened increments the open scope gauge.
func LocalAccessOpened(backend string) {
	localAccessActive.WithLabelValues(backend).Inc()
}

// LocalAccessClosed decrements the open scope gauge.
func LocalAccessClosed(backend string) {
	localAccessActive.WithLabelValues(backend).Dec()
}

// RecordWriteBack records how a local access scope ended.
func RecordWriteBack(backend, result string) {
	writeBacksTotal.WithLabelValues(backend, result).Inc()
}

// RecordFreshnessPoll records how many polls a guarded open needed.
func RecordFreshnessPoll(attempts int) {
	freshnessPollAttempts.Observe(float64(attempts))
}

// RecordDownload records bytes pulled from a remote backend.
func RecordDownload(backend string, bytes int64) {
	bytesDownloaded.WithLabelValues(backend).Add(float64(bytes))
}

// RecordUpload records bytes pushed to a remote backend.
func RecordUpload(backend string, bytes int64) {
	bytesUploaded.WithLabelValues(backend).Add(float64(bytes))
}

// SetDownloadQueueDepth sets the background download queue depth.
func SetDownloadQueueDepth(backend string, depth int) {
	downloadQueueDepth.WithLabelValues(backend).Set(float64(depth))
}

// RecordQueryRestart records a metadata query (re)start.
func RecordQueryRestart(backend string) {
	queryRestartsTotal.WithLabelValues(backend).Inc()
}

// SetIndexedFiles sets the size of a backend's metadata index.
func SetIndexedFiles(backend string, count int) {
	indexedFiles.WithLabelValues(backend).Set(float64(count))
}

// RecordThumbnailLookup records a thumbnail cache lookup.
func RecordThumbnailLookup(tier string, hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	thumbnailLookupsTotal.WithLabelValues(tier, result).Inc()
}

// RecordThumbnailGeneration records a thumbnail generation attempt.
// result is one of generated, cached, placeholder or cancelled.
func RecordThumbnailGeneration(result string, duration time.Duration) {
	thumbnailGenerationsTotal.WithLabelValues(result).Inc()
	thumbnailGenerationDuration.Observe(duration.Seconds())
}

// RecordActiveBackendSwitch records a change of active backend.
func RecordActiveBackendSwitch() {
	activeBackendSwitches.Inc()
}

// SetRegisteredBackends sets the number of registered backends.
func SetRegisteredBackends(count int) {
	registeredBackends.Set(float64(count))
}

// RecordSettingsQuery records a settings store query duration.
func RecordSettingsQuery(query string, duration time.Duration) {
	settingsQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}
