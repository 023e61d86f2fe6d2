package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dynamo-dm/dynamo/pkg/metrics"
)

type snapshotMetrics struct {
	fills        *prometheus.CounterVec
	fillDuration *prometheus.HistogramVec
	fillRows     *prometheus.HistogramVec
	evictions    *prometheus.CounterVec
	archiveOps   *prometheus.CounterVec
	archiveBytes *prometheus.CounterVec
	archiveTime  *prometheus.HistogramVec
	openTimeouts prometheus.Counter
}

// NewSnapshotMetrics creates the Prometheus SnapshotMetrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewSnapshotMetrics() metrics.SnapshotMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	f := promauto.With(metrics.GetRegistry())

	return &snapshotMetrics{
		fills: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dynamo_snapshot_fills_total",
				Help: "Hot-tier snapshot accesses by template and cache hit",
			},
			[]string{"template", "hit"},
		),
		fillDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dynamo_snapshot_fill_duration_milliseconds",
				Help: "Duration of hot-tier snapshot fills",
				Buckets: []float64{
					1,     // table already present
					10,    // 10ms
					100,   // 100ms
					1000,  // 1s - spool load
					5000,  // 5s
					30000, // 30s - archive decompression
				},
			},
			[]string{"template", "hit"},
		),
		fillRows: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dynamo_snapshot_fill_rows",
				Help:    "Rows loaded into the hot tier per rehydration",
				Buckets: prometheus.ExponentialBuckets(10, 10, 7),
			},
			[]string{"template"},
		),
		evictions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dynamo_snapshot_evictions_total",
				Help: "Evicted hot-tier tables and spool files",
			},
			[]string{"template", "kind"}, // kind: table, spool
		),
		archiveOps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dynamo_archive_operations_total",
				Help: "Archive store operations by operation and status",
			},
			[]string{"operation", "status"},
		),
		archiveBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dynamo_archive_bytes_total",
				Help: "Compressed bytes moved to or from the archive",
			},
			[]string{"operation"},
		),
		archiveTime: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dynamo_archive_duration_seconds",
				Help:    "Duration of archive store operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		openTimeouts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dynamo_snapshot_open_timeouts_total",
				Help: "Snapshot file open attempts that exceeded the deadline",
			},
		),
	}
}

func (m *snapshotMetrics) ObserveFill(template string, hit bool, rows int, duration time.Duration) {
	h := strconv.FormatBool(hit)
	m.fills.WithLabelValues(template, h).Inc()
	m.fillDuration.WithLabelValues(template, h).Observe(float64(duration.Microseconds()) / 1000)
	if !hit {
		m.fillRows.WithLabelValues(template).Observe(float64(rows))
	}
}

func (m *snapshotMetrics) ObserveEviction(template string, tables, spoolFiles int) {
	m.evictions.WithLabelValues(template, "table").Add(float64(tables))
	m.evictions.WithLabelValues(template, "spool").Add(float64(spoolFiles))
}

func (m *snapshotMetrics) ObserveArchive(operation string, bytes int64, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.archiveOps.WithLabelValues(operation, status).Inc()
	m.archiveTime.WithLabelValues(operation).Observe(duration.Seconds())
	if err == nil {
		m.archiveBytes.WithLabelValues(operation).Add(float64(bytes))
	}
}

func (m *snapshotMetrics) ObserveOpenTimeout() {
	m.openTimeouts.Inc()
}
