package observability

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var auditLogger atomic.Pointer[zerolog.Logger]

// SetAuditLogger routes audit records to l. Until it is called they go to
// the global zerolog logger.
func SetAuditLogger(l zerolog.Logger) {
	l = l.With().Str("component", "audit").Logger()
	auditLogger.Store(&l)
}

func currentAuditLogger() *zerolog.Logger {
	if l := auditLogger.Load(); l != nil {
		return l
	}
	l := log.Logger.With().Str("component", "audit").Logger()
	return &l
}

// RecordSessionAudit records a session ending: cancelled, reset, expired.
func RecordSessionAudit(ctx context.Context, userID int64, reason string, fields map[string]interface{}) {
	record(ctx, "session", userID, reason, "ok", fields)
}

// RecordJobAudit records a merge or mux job moving to status: started,
// delivered, delivery_failed, discarded.
func RecordJobAudit(ctx context.Context, kind string, userID int64, status string, fields map[string]interface{}) {
	record(ctx, "job", userID, "run:"+kind, status, fields)
}

func record(ctx context.Context, typ string, userID int64, action, status string, fields map[string]interface{}) {
	entry := currentAuditLogger().Log().
		Str("type", typ).
		Int64("user_id", userID).
		Str("action", action).
		Str("status", status)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		entry = entry.Str("trace_id", span.SpanContext().TraceID().String())
		span.AddEvent(action, trace.WithAttributes(
			attribute.String("audit.type", typ),
			attribute.String("audit.status", status),
			attribute.Int64("user_id", userID),
		))
	}

	if len(fields) > 0 {
		entry = entry.Fields(fields)
	}
	entry.Msg("")
}
