package telemetry

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// ContextKey type for context keys
type ContextKey string

const (
	// RunIDKey carries the id of one plan execution
	RunIDKey ContextKey = "run_id"
	// ConversationIDKey carries the conversation being served
	ConversationIDKey ContextKey = "conversation_id"
)

// NewID returns a fresh random identifier
func NewID() string {
	return uuid.New().String()
}

// WithRunID stores a run id in ctx
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RunIDKey, id)
}

// GetRunID retrieves the run id from ctx
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(RunIDKey).(string); ok {
		return id
	}
	return ""
}

// WithConversationID stores a conversation id in ctx
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, id)
}

// GetConversationID retrieves the conversation id from ctx
func GetConversationID(ctx context.Context) string {
	if id, ok := ctx.Value(ConversationIDKey).(string); ok {
		return id
	}
	return ""
}

// EnrichFields appends correlation ids and the active trace context to a
// key/value field list.
func EnrichFields(ctx context.Context, fields ...interface{}) []interface{} {
	if id := GetRunID(ctx); id != "" {
		fields = append(fields, "run_id", id)
	}
	if id := GetConversationID(ctx); id != "" {
		fields = append(fields, "conversation_id", id)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields, "trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	return fields
}
