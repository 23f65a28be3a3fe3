package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for all Voclaria spans.
const tracerName = "github.com/voclaria/voclaria"

// StartSpan starts a span under the Voclaria instrumentation scope using the
// globally registered tracer provider. The caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// TraceID returns the hex trace ID of the active span in ctx, or the empty
// string when ctx carries no recording trace. The diagnostics middleware
// mirrors it into the X-Correlation-ID response header so a scrape or
// /statusz fetch can be matched to its server-side log lines.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Log returns the default [slog.Logger] enriched with trace_id and span_id
// when ctx carries an active span, and unchanged otherwise.
func Log(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
