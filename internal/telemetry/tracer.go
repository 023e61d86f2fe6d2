package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys.
const (
	AttrPartition = "dynamo.partition"
	AttrCycle     = "dynamo.cycle"
	AttrOperation = "dynamo.operation"
	AttrRule      = "dynamo.rule"
	AttrCount     = "dynamo.count"

	AttrTemplate = "snapshot.template"
	AttrTable    = "snapshot.table"
	AttrRows     = "snapshot.rows"
	AttrCacheHit = "snapshot.cache_hit"

	AttrArchiveKey  = "archive.key"
	AttrArchiveType = "archive.type"
	AttrBytes       = "archive.bytes"
)

func Partition(name string) attribute.KeyValue { return attribute.String(AttrPartition, name) }
func Cycle(id int64) attribute.KeyValue        { return attribute.Int64(AttrCycle, id) }
func Operation(op string) attribute.KeyValue   { return attribute.String(AttrOperation, op) }
func Rule(name string) attribute.KeyValue      { return attribute.String(AttrRule, name) }
func Count(n int) attribute.KeyValue           { return attribute.Int(AttrCount, n) }
func Template(name string) attribute.KeyValue  { return attribute.String(AttrTemplate, name) }
func Rows(n int) attribute.KeyValue            { return attribute.Int(AttrRows, n) }
func CacheHit(hit bool) attribute.KeyValue     { return attribute.Bool(AttrCacheHit, hit) }
func ArchiveKey(key string) attribute.KeyValue { return attribute.String(AttrArchiveKey, key) }
func ArchiveType(t string) attribute.KeyValue  { return attribute.String(AttrArchiveType, t) }
func Bytes(n int64) attribute.KeyValue         { return attribute.Int64(AttrBytes, n) }

// StartCycleSpan starts the root span of a decision cycle run.
func StartCycleSpan(ctx context.Context, operation, partition string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{Operation(operation), Partition(partition)}, attrs...)
	return StartSpan(ctx, "cycle."+operation, trace.WithAttributes(all...))
}

// StartSnapshotSpan starts a span for a snapshot cache operation
// (save, fill, evict).
func StartSnapshotSpan(ctx context.Context, operation string, cycle int64, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{Cycle(cycle)}, attrs...)
	return StartSpan(ctx, "snapshot."+operation, trace.WithAttributes(all...))
}

// StartArchiveSpan starts a span for an archive store operation.
func StartArchiveSpan(ctx context.Context, operation, key string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{ArchiveKey(key)}, attrs...)
	return StartSpan(ctx, "archive."+operation, trace.WithAttributes(all...))
}
