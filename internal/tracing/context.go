package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// JobIDKey is the context key for a merge/mux job ID
	JobIDKey ContextKey = "job_id"
	// UserKeyKey is the context key for the user key ("user:<id>")
	UserKeyKey ContextKey = "user_key"
	// ActionKey is the context key for the event action being handled
	ActionKey ContextKey = "action"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID string
	JobID   string
	UserKey string
	Action  string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewJobID generates a new job ID
func NewJobID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithJobID adds a job ID to the context
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, JobIDKey, jobID)
}

// WithUserKey adds a user key to the context
func WithUserKey(ctx context.Context, userKey string) context.Context {
	return context.WithValue(ctx, UserKeyKey, userKey)
}

// WithAction adds the handled action to the context
func WithAction(ctx context.Context, action string) context.Context {
	return context.WithValue(ctx, ActionKey, action)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetJobID retrieves the job ID from the context
func GetJobID(ctx context.Context) string {
	if jobID, ok := ctx.Value(JobIDKey).(string); ok {
		return jobID
	}
	return ""
}

// GetUserKey retrieves the user key from the context
func GetUserKey(ctx context.Context) string {
	if userKey, ok := ctx.Value(UserKeyKey).(string); ok {
		return userKey
	}
	return ""
}

// GetAction retrieves the action from the context
func GetAction(ctx context.Context) string {
	if action, ok := ctx.Value(ActionKey).(string); ok {
		return action
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID: GetTraceID(ctx),
		JobID:   GetJobID(ctx),
		UserKey: GetUserKey(ctx),
		Action:  GetAction(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.JobID != "" {
		ctx = WithJobID(ctx, tc.JobID)
	}
	if tc.UserKey != "" {
		ctx = WithUserKey(ctx, tc.UserKey)
	}
	if tc.Action != "" {
		ctx = WithAction(ctx, tc.Action)
	}
	return ctx
}

// NewRequestContext creates a new context for an inbound event with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewJobContext creates a new context for a media job with a new job ID
func NewJobContext(ctx context.Context) context.Context {
	return WithJobID(ctx, NewJobID())
}
