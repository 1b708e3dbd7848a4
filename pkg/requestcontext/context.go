// Package requestcontext provides request-scoped values threaded through
// context: a single "now" timestamp so every store write within one logical
// operation shares the same instant, and a correlation ID for audit trails.
// Tests inject fixed times with WithTime instead of faking clocks.
package requestcontext

import (
	"context"
	"time"
)

type timeKey struct{}
type requestIDKey struct{}

// WithTime injects a specific time into a context.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, timeKey{}, t)
}

// Now retrieves the request-scoped time from context, falling back to the
// wall clock in UTC when none was injected. All domain timestamps are UTC.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(timeKey{}).(time.Time); ok {
		return t.UTC()
	}
	return time.Now().UTC()
}

// WithRequestID attaches a correlation ID to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the correlation ID from context, or "" when absent.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
