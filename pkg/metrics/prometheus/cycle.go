package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dynamo-dm/dynamo/pkg/metrics"
)

func init() {
	metrics.RegisterCycleMetricsConstructor(NewCycleMetrics)
	metrics.RegisterSnapshotMetricsConstructor(NewSnapshotMetrics)
}

type cycleMetrics struct {
	runs      *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	volume    *prometheus.GaugeVec
	satisfied *prometheus.GaugeVec
	missing   *prometheus.GaugeVec
	requests  *prometheus.CounterVec
}

// NewCycleMetrics creates the Prometheus CycleMetrics.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewCycleMetrics() metrics.CycleMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	f := promauto.With(metrics.GetRegistry())

	return &cycleMetrics{
		runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dynamo_cycles_total",
				Help: "Decision cycles run, by operation, partition and status",
			},
			[]string{"operation", "partition", "status"}, // status: success, error
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dynamo_cycle_duration_seconds",
				Help:    "Duration of decision cycles",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"operation", "partition"},
		),
		volume: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dynamo_deletion_volume_terabytes",
				Help: "Volume per decision in the last deletion cycle",
			},
			[]string{"partition", "decision"},
		),
		satisfied: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dynamo_enforcer_satisfied_datasets",
				Help: "Datasets meeting the target copy count in the last copy cycle",
			},
			[]string{"partition", "rule"},
		),
		missing: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dynamo_enforcer_missing_datasets",
				Help: "Datasets below the target copy count in the last copy cycle",
			},
			[]string{"partition", "rule"},
		),
		requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dynamo_enforcer_copy_requests_total",
				Help: "Copy requests emitted by the enforcer",
			},
			[]string{"partition", "rule"},
		),
	}
}

func (m *cycleMetrics) ObserveCycle(operation, partition string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.runs.WithLabelValues(operation, partition, status).Inc()
	m.duration.WithLabelValues(operation, partition).Observe(duration.Seconds())
}

func (m *cycleMetrics) ObserveVolume(partition, decision string, tb float64) {
	m.volume.WithLabelValues(partition, decision).Set(tb)
}

func (m *cycleMetrics) ObserveRule(partition, rule string, satisfied, missing, requested int) {
	m.satisfied.WithLabelValues(partition, rule).Set(float64(satisfied))
	m.missing.WithLabelValues(partition, rule).Set(float64(missing))
	m.requests.WithLabelValues(partition, rule).Add(float64(requested))
}
