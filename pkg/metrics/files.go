package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FileMetrics collects the storage service's counters and gauges. A nil
// receiver is valid and records nothing, so callers never need to branch on
// whether metrics are enabled.
type FileMetrics struct {
	uploads       *prometheus.CounterVec
	uploadBytes   prometheus.Counter
	downloads     *prometheus.CounterVec
	downloadBytes *prometheus.CounterVec
	syncEvents    *prometheus.CounterVec
	syncDuration  *prometheus.HistogramVec
	restores      *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	admActive     prometheus.Gauge
	admWaiting    prometheus.Gauge
}

// NewFileMetrics creates the service collectors, or nil when metrics are off.
func NewFileMetrics() *FileMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := Registry()

	return &FileMetrics{
		uploads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tierfs_uploads_total",
				Help: "Completed uploads by kind",
			},
			[]string{"kind"}, // "small", "multipart"
		),
		uploadBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "tierfs_upload_bytes_total",
				Help: "Bytes accepted into the cache tier by uploads",
			},
		),
		downloads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tierfs_downloads_total",
				Help: "Download responses by serving tier",
			},
			[]string{"tier"}, // "cache", "nas", "parts"
		),
		downloadBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tierfs_download_bytes_total",
				Help: "Bytes served to clients by serving tier",
			},
			[]string{"tier"},
		),
		syncEvents: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tierfs_sync_events_total",
				Help: "Sync event attempts by action and outcome",
			},
			[]string{"action", "outcome"}, // outcome: "done", "retry", "failed"
		),
		syncDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tierfs_sync_duration_seconds",
				Help:    "Wall time of successful sync event applications",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"action"},
		),
		restores: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tierfs_cache_restores_total",
				Help: "Cache restore attempts by outcome",
			},
			[]string{"outcome"},
		),
		queueDepth: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tierfs_queue_depth",
				Help: "Jobs waiting in the background queues",
			},
			[]string{"queue"},
		),
		admActive: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "tierfs_admission_active_sessions",
				Help: "Multipart sessions currently holding an admission slot",
			},
		),
		admWaiting: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "tierfs_admission_waiting_tickets",
				Help: "Tickets waiting in the admission queue",
			},
		),
	}
}

// RecordUpload counts a finished upload.
func (m *FileMetrics) RecordUpload(kind string, bytes int64) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(kind).Inc()
	m.uploadBytes.Add(float64(bytes))
}

// RecordDownload counts a download response served from the given tier.
func (m *FileMetrics) RecordDownload(tier string, bytes int64) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(tier).Inc()
	m.downloadBytes.WithLabelValues(tier).Add(float64(bytes))
}

// RecordSyncEvent counts one sync attempt outcome.
func (m *FileMetrics) RecordSyncEvent(action, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.syncEvents.WithLabelValues(action, outcome).Inc()
	if outcome == "done" {
		m.syncDuration.WithLabelValues(action).Observe(duration.Seconds())
	}
}

// RecordRestore counts one cache restore outcome.
func (m *FileMetrics) RecordRestore(outcome string) {
	if m == nil {
		return
	}
	m.restores.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the waiting job count of a queue.
func (m *FileMetrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetAdmission records the admission queue occupancy.
func (m *FileMetrics) SetAdmission(active, waiting int) {
	if m == nil {
		return
	}
	m.admActive.Set(float64(active))
	m.admWaiting.Set(float64(waiting))
}
