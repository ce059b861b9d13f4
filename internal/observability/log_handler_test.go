package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSpanLogHandlerWithoutSpan(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(NewSpanLogHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "plain message")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("unmarshal log record: %v", err)
	}
	if _, ok := record["trace_id"]; ok {
		t.Fatal("expected no trace_id without an active span")
	}
	if _, ok := record["span_id"]; ok {
		t.Fatal("expected no span_id without an active span")
	}
}

func TestSpanLogHandlerEnrichesActiveSpan(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	logger := slog.New(NewSpanLogHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(ctx, "inside span")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("unmarshal log record: %v", err)
	}
	if got := record["trace_id"]; got != span.SpanContext().TraceID().String() {
		t.Fatalf("trace_id = %v, want %s", got, span.SpanContext().TraceID())
	}
	if got := record["span_id"]; got != span.SpanContext().SpanID().String() {
		t.Fatalf("span_id = %v, want %s", got, span.SpanContext().SpanID())
	}
}
