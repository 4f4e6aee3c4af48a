// Package logging provides request ID context propagation for log correlation.
package logging

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "requestId"

// NewRequestID creates a relay-prefixed request ID.
func NewRequestID() string {
	return "relay-" + uuid.New().String()
}

// RequestIDFromHeader returns the inbound X-Request-ID, generating one when absent.
func RequestIDFromHeader(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return NewRequestID()
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
// Returns empty string if not found.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
