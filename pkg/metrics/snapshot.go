package metrics

import "time"

// SnapshotMetrics observes the two-tier snapshot cache.
type SnapshotMetrics interface {
	// ObserveFill records a hot-tier access. hit is false when the table
	// had to be rehydrated.
	ObserveFill(template string, hit bool, rows int, duration time.Duration)

	// ObserveEviction records dropped hot-tier tables and spool files.
	ObserveEviction(template string, tables, spoolFiles int)

	// ObserveArchive records an archive store operation (put, get).
	ObserveArchive(operation string, bytes int64, duration time.Duration, err error)

	// ObserveOpenTimeout records a timed out snapshot file open attempt.
	ObserveOpenTimeout()
}

// NewSnapshotMetrics returns the registered implementation, or nil when
// metrics are disabled.
func NewSnapshotMetrics() SnapshotMetrics {
	if !IsEnabled() || newSnapshotMetrics == nil {
		return nil
	}
	return newSnapshotMetrics()
}

var newSnapshotMetrics func() SnapshotMetrics

// RegisterSnapshotMetricsConstructor is called by the prometheus package init.
func RegisterSnapshotMetricsConstructor(fn func() SnapshotMetrics) {
	newSnapshotMetrics = fn
}

func ObserveFill(m SnapshotMetrics, template string, hit bool, rows int, duration time.Duration) {
	if m != nil {
		m.ObserveFill(template, hit, rows, duration)
	}
}

func ObserveEviction(m SnapshotMetrics, template string, tables, spoolFiles int) {
	if m != nil {
		m.ObserveEviction(template, tables, spoolFiles)
	}
}

func ObserveArchive(m SnapshotMetrics, operation string, bytes int64, duration time.Duration, err error) {
	if m != nil {
		m.ObserveArchive(operation, bytes, duration, err)
	}
}

func ObserveOpenTimeout(m SnapshotMetrics) {
	if m != nil {
		m.ObserveOpenTimeout()
	}
}
