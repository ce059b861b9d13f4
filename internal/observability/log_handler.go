package observability

import (
	"context"
	"log/slog"

	oteltrace "go.opentelemetry.io/otel/trace"
)

// spanLogHandler decorates an slog.Handler so every record emitted inside an
// active span carries trace_id and span_id, letting operators jump from a
// log line to the matching distributed trace.
type spanLogHandler struct {
	inner slog.Handler
}

// NewSpanLogHandler wraps inner with span correlation. A nil inner falls
// back to slog.Default's handler.
func NewSpanLogHandler(inner slog.Handler) slog.Handler {
	if inner == nil {
		inner = slog.Default().Handler()
	}
	return &spanLogHandler{inner: inner}
}

func (h *spanLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *spanLogHandler) Handle(ctx context.Context, record slog.Record) error {
	if span := oteltrace.SpanFromContext(ctx); span != nil {
		if sc := span.SpanContext(); sc.IsValid() && span.IsRecording() {
			record.AddAttrs(
				slog.String("trace_id", sc.TraceID().String()),
				slog.String("span_id", sc.SpanID().String()),
			)
		}
	}
	return h.inner.Handle(ctx, record)
}

func (h *spanLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &spanLogHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *spanLogHandler) WithGroup(name string) slog.Handler {
	return &spanLogHandler{inner: h.inner.WithGroup(name)}
}
