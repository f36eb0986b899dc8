package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey int

const (
	userIDKey ctxKey = iota
	roomIDKey
)

// WithUserID stores the authenticated user on ctx for later log lines.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// WithRoomID stores the room a request operates on.
func WithRoomID(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, roomIDKey, roomID)
}

// FromContext returns l annotated with the trace, span, user and room
// carried by ctx. l is returned unchanged when ctx carries none of them.
func FromContext(ctx context.Context, l *zap.SugaredLogger) *zap.SugaredLogger {
	var fields []any

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			"trace_id", sc.TraceID().String(),
			"span_id", sc.SpanID().String(),
		)
	}
	if id, ok := ctx.Value(userIDKey).(string); ok && id != "" {
		fields = append(fields, "user_id", id)
	}
	if id, ok := ctx.Value(roomIDKey).(string); ok && id != "" {
		fields = append(fields, "room_id", id)
	}

	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}
