package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartSpan_RecordsAttributes(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "engine.tool", attribute.String("tool", "locate"))
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d", len(ended))
	}
	if ended[0].Name() != "engine.tool" {
		t.Errorf("name = %s", ended[0].Name())
	}
	if got := ended[0].Attributes(); len(got) != 1 || got[0].Value.AsString() != "locate" {
		t.Errorf("attributes = %v", got)
	}
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("VIDI_OTEL_EXPORTER", " STDOUT ")
	t.Setenv("VIDI_OTEL_SAMPLER_RATIO", "0.25")
	cfg := TracingConfigFromEnv()
	if cfg.Exporter != "stdout" || cfg.SampleRatio != 0.25 {
		t.Errorf("cfg = %+v", cfg)
	}
}
