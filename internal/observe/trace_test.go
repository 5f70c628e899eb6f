package observe

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// newTestTracerProvider returns a TracerProvider with an in-memory exporter
// for inspecting recorded spans.
func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func TestLogger_NoSpanReturnsDefault(t *testing.T) {
	if Logger(context.Background()) == nil {
		t.Fatal("Logger returned nil without an active span")
	}
}

func TestLogger_WithSpanAttachesTraceContext(t *testing.T) {
	tp, _ := newTestTracerProvider(t)
	tracer := tp.Tracer("test")

	ctx, span := tracer.Start(context.Background(), "test-span")
	defer span.End()

	if Logger(ctx) == nil {
		t.Fatal("Logger returned nil with an active span")
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		t.Fatal("span context missing trace ID")
	}
}

func TestStartSpan_RecordsSpan(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	tracer := tp.Tracer(tracerName)

	_, span := tracer.Start(context.Background(), "session.connect")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "session.connect" {
		t.Errorf("span name = %q", spans[0].Name)
	}
}
