package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type sessionIDKey struct{}
type workerIDKey struct{}
type claimIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithSessionID attaches a session_id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithWorkerID attaches the dispatcher worker index to the context.
func WithWorkerID(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, workerIDKey{}, id)
}

// WorkerID extracts the worker index. Returns -1 outside a worker.
func WorkerID(ctx context.Context) int {
	if v, ok := ctx.Value(workerIDKey{}).(int); ok {
		return v
	}
	return -1
}

// WithClaimID attaches the lease token of the claim being processed.
func WithClaimID(ctx context.Context, claimID string) context.Context {
	return context.WithValue(ctx, claimIDKey{}, claimID)
}

// ClaimID extracts the lease token. Returns "" if absent.
func ClaimID(ctx context.Context) string {
	if v, ok := ctx.Value(claimIDKey{}).(string); ok {
		return v
	}
	return ""
}
