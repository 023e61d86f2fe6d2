package metrics

import "time"

// CycleMetrics observes decision cycle runs.
type CycleMetrics interface {
	// ObserveCycle records a finished run. operation is deletion, copy or
	// their _test variants.
	ObserveCycle(operation, partition string, duration time.Duration, err error)

	// ObserveVolume records the TB assigned to decision in partition.
	ObserveVolume(partition, decision string, tb float64)

	// ObserveRule records the outcome of one replication rule.
	ObserveRule(partition, rule string, satisfied, missing, requested int)
}

// NewCycleMetrics returns the registered implementation, or nil when metrics
// are disabled.
func NewCycleMetrics() CycleMetrics {
	if !IsEnabled() || newCycleMetrics == nil {
		return nil
	}
	return newCycleMetrics()
}

var newCycleMetrics func() CycleMetrics

// RegisterCycleMetricsConstructor is called by the prometheus package init.
func RegisterCycleMetricsConstructor(fn func() CycleMetrics) {
	newCycleMetrics = fn
}

func ObserveCycle(m CycleMetrics, operation, partition string, duration time.Duration, err error) {
	if m != nil {
		m.ObserveCycle(operation, partition, duration, err)
	}
}

func ObserveVolume(m CycleMetrics, partition, decision string, tb float64) {
	if m != nil {
		m.ObserveVolume(partition, decision, tb)
	}
}

func ObserveRule(m CycleMetrics, partition, rule string, satisfied, missing, requested int) {
	if m != nil {
		m.ObserveRule(partition, rule, satisfied, missing, requested)
	}
}
