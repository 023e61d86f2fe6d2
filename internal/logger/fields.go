package logger

import (
	"log/slog"
	"time"
)

// Standard field keys. Use these consistently so log lines can be queried by
// partition, cycle and entity.
const (
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Cycles
	KeyPartition = "partition"
	KeyCycle     = "cycle"
	KeyOperation = "operation"
	KeyPolicy    = "policy"
	KeyCondition = "condition"
	KeyDecision  = "decision"

	// Inventory
	KeySite    = "site"
	KeyDataset = "dataset"
	KeyBlock   = "block"
	KeyGroup   = "group"
	KeySize    = "size"

	// Enforcer
	KeyRule     = "rule"
	KeyTarget   = "target"
	KeyMissing  = "missing"
	KeyEnforced = "enforced"
	KeyRequests = "requests"

	// Snapshot cache
	KeyTemplate = "template"
	KeyTable    = "table"
	KeyPath     = "path"
	KeyKey      = "key"
	KeyRows     = "rows"
	KeyEvicted  = "evicted"
	KeyAttempt  = "attempt"

	// Generic
	KeyCount      = "count"
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyOwner      = "owner"
)

func Partition(name string) slog.Attr { return slog.String(KeyPartition, name) }
func Cycle(id int64) slog.Attr        { return slog.Int64(KeyCycle, id) }
func Site(name string) slog.Attr      { return slog.String(KeySite, name) }
func Dataset(name string) slog.Attr   { return slog.String(KeyDataset, name) }
func Rule(name string) slog.Attr      { return slog.String(KeyRule, name) }
func Template(name string) slog.Attr  { return slog.String(KeyTemplate, name) }
func Rows(n int) slog.Attr            { return slog.Int(KeyRows, n) }
func Attempt(n int) slog.Attr         { return slog.Int(KeyAttempt, n) }

// DurationMs returns an attr with the elapsed milliseconds since start.
func DurationMs(start time.Time) slog.Attr {
	return slog.Float64(KeyDurationMs, Duration(start))
}

// Err returns an error attr, or an empty attr (dropped by handlers) for nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
