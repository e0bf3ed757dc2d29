package trace

import (
	"context"

	"github.com/google/uuid"
)

// HeaderName is the HTTP/AMQP header carrying the trace id.
const HeaderName = "X-Trace-ID"

type ctxKey struct{}

// NewID returns a fresh trace id. Sync cycles use it as their cycle id.
func NewID() string {
	return uuid.NewString()
}

// FromContext returns the trace id stored in ctx, or "".
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// WithContext stores traceID in ctx.
func WithContext(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, traceID)
}

// Ensure keeps an existing trace id or attaches a new one.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := NewID()
	return WithContext(ctx, id), id
}

// FromHeader falls back to a new id when the inbound header is empty.
func FromHeader(headerValue string) string {
	if headerValue != "" {
		return headerValue
	}
	return NewID()
}
