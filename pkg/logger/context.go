package logger

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// With stores a logger carrying fields in ctx. Fields accumulate across
// calls, so middleware can add trace_id and later user_id.
func With(ctx context.Context, fields ...any) context.Context {
	return context.WithValue(ctx, ctxKey{}, From(ctx).With(fields...))
}

// From returns the logger stored in ctx, or the process default.
func From(ctx context.Context) *slog.Logger {
	return FromContext(ctx, LoggerWrapper())
}

// FromContext returns the request logger when one was stored, otherwise
// fallback. Components built with their own logger use it to pick up
// request fields.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
			return l
		}
	}
	return fallback
}
