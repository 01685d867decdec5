package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the bardic tracer.
const tracerName = "github.com/MrWong99/bardic"

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx, plus guild_id when one was attached with
// [WithGuild].
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if g, ok := ctx.Value(guildKey{}).(string); ok && g != "" {
		l = l.With(slog.String("guild_id", g))
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

type guildKey struct{}

// WithGuild returns a copy of ctx tagged with guildID for [Logger] and
// [SpanGuild].
func WithGuild(ctx context.Context, guildID string) context.Context {
	return context.WithValue(ctx, guildKey{}, guildID)
}

// SpanGuild returns the span attribute for the guild stored in ctx, if any.
func SpanGuild(ctx context.Context) []attribute.KeyValue {
	if g, ok := ctx.Value(guildKey{}).(string); ok && g != "" {
		return []attribute.KeyValue{attribute.String("guild.id", g)}
	}
	return nil
}
