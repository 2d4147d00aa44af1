package tracing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey represents keys used for context values
type ContextKey string

const (
	// CycleIDKey identifies one poll-process cycle of the monitor.
	CycleIDKey ContextKey = "cycle_id"
	// MessageIDKey carries the content hash of the message being handled.
	MessageIDKey ContextKey = "message_id"
	// TraceIDKey is the context key for trace IDs
	TraceIDKey ContextKey = "trace_id"
	// SpanIDKey is the context key for span IDs
	SpanIDKey ContextKey = "span_id"
	// StartTimeKey is the context key for the cycle start time
	StartTimeKey ContextKey = "start_time"
)

// GenerateCycleID returns a short random identifier for a cycle.
func GenerateCycleID() string {
	return "cyc_" + uuid.NewString()[:8]
}

// WithCycleID adds a cycle ID to the context
func WithCycleID(ctx context.Context, cycleID string) context.Context {
	return context.WithValue(ctx, CycleIDKey, cycleID)
}

// WithMessageID adds a message ID to the context
func WithMessageID(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, MessageIDKey, messageID)
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithSpanID adds a span ID to the context
func WithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, SpanIDKey, spanID)
}

// WithStartTime adds a start time to the context
func WithStartTime(ctx context.Context, startTime time.Time) context.Context {
	return context.WithValue(ctx, StartTimeKey, startTime)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetCycleID extracts the cycle ID from context
func GetCycleID(ctx context.Context) string { return stringValue(ctx, CycleIDKey) }

// GetMessageID extracts the message ID from context
func GetMessageID(ctx context.Context) string { return stringValue(ctx, MessageIDKey) }

// GetTraceID extracts the trace ID from context
func GetTraceID(ctx context.Context) string { return stringValue(ctx, TraceIDKey) }

// GetSpanID extracts the span ID from context
func GetSpanID(ctx context.Context) string { return stringValue(ctx, SpanIDKey) }

// GetStartTime extracts the start time from context
func GetStartTime(ctx context.Context) time.Time {
	if startTime, ok := ctx.Value(StartTimeKey).(time.Time); ok {
		return startTime
	}
	return time.Time{}
}

// StartCycle tags ctx with a fresh cycle ID and start time.
func StartCycle(ctx context.Context) context.Context {
	ctx = WithCycleID(ctx, GenerateCycleID())
	return WithStartTime(ctx, time.Now())
}

// Duration calculates the duration since the start time in context
func Duration(ctx context.Context) time.Duration {
	startTime := GetStartTime(ctx)
	if startTime.IsZero() {
		return 0
	}
	return time.Since(startTime)
}

// LogFields returns the non-empty correlation values as log fields.
func LogFields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	for _, key := range []ContextKey{CycleIDKey, MessageIDKey, TraceIDKey} {
		if v := stringValue(ctx, key); v != "" {
			fields[string(key)] = v
		}
	}
	return fields
}
