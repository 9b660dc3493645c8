package logger

import (
	"context"
	"log/slog"
)

type contextKey string

const TraceIDKey contextKey = "trace_id"

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

func GetTraceID(ctx context.Context) string {
	if id, ok := ctx.Value(TraceIDKey).(string); ok {
		return id
	}
	return ""
}

// FromContext decorates l with the request id carried by ctx, if any.
func FromContext(ctx context.Context, l *slog.Logger) *slog.Logger {
	l = Or(l)
	if id := GetTraceID(ctx); id != "" {
		return l.With("request_id", id)
	}
	return l
}
