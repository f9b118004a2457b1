package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type jobIDKey struct{}
type toolUseIDKey struct{}

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

// WithJobID attaches the research job id to the context.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, jobID)
}

// JobID extracts the research job id from context. Returns "" if absent.
func JobID(ctx context.Context) string {
	if v, ok := ctx.Value(jobIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithToolUseID attaches the id of the tool call being executed.
func WithToolUseID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, toolUseIDKey{}, id)
}

// ToolUseID extracts the current tool call id. Returns "" if absent.
func ToolUseID(ctx context.Context) string {
	if v, ok := ctx.Value(toolUseIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewID generates a new random identifier for jobs, updates and documents.
func NewID() string {
	return uuid.NewString()
}
