package logger

import (
	"context"
	"time"
)

type contextKey struct{}

// CycleContext carries the fields every log line of a cycle run should have.
type CycleContext struct {
	TraceID   string
	SpanID    string
	Partition string
	Operation string // deletion, deletion_test, copy, copy_test
	CycleID   int64
	StartTime time.Time
}

// WithContext returns a child context carrying cc.
func WithContext(ctx context.Context, cc *CycleContext) context.Context {
	return context.WithValue(ctx, contextKey{}, cc)
}

// FromContext returns the CycleContext stored in ctx, or nil.
func FromContext(ctx context.Context) *CycleContext {
	if ctx == nil {
		return nil
	}
	cc, _ := ctx.Value(contextKey{}).(*CycleContext)
	return cc
}

// NewCycleContext starts a context for a run over partition.
func NewCycleContext(partition, operation string) *CycleContext {
	return &CycleContext{
		Partition: partition,
		Operation: operation,
		StartTime: time.Now(),
	}
}

// Clone returns a copy of cc.
func (cc *CycleContext) Clone() *CycleContext {
	if cc == nil {
		return nil
	}
	c := *cc
	return &c
}

// WithCycle returns a copy with the cycle id set.
func (cc *CycleContext) WithCycle(id int64) *CycleContext {
	c := cc.Clone()
	if c != nil {
		c.CycleID = id
	}
	return c
}

// WithTrace returns a copy with trace info set.
func (cc *CycleContext) WithTrace(traceID, spanID string) *CycleContext {
	c := cc.Clone()
	if c != nil {
		c.TraceID = traceID
		c.SpanID = spanID
	}
	return c
}

// DurationMs returns the time since StartTime in milliseconds.
func (cc *CycleContext) DurationMs() float64 {
	if cc == nil || cc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(cc.StartTime).Microseconds()) / 1000.0
}
