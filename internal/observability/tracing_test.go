package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTracingConfigFromLookup(t *testing.T) {
	env := map[string]string{
		"ZONEMAP_TRACING_ENABLED":      "TRUE",
		"ZONEMAP_TRACING_EXPORTER":     "OTLP",
		"ZONEMAP_TRACING_SAMPLE_RATIO": "0.25",
		"ZONEMAP_OTLP_ENDPOINT":        "collector:4317",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg := TracingConfigFromLookup(lookup)
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.SampleRatio != 0.25 || cfg.Endpoint != "collector:4317" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.ServiceName != "zonemap" {
		t.Fatalf("default service name = %q", cfg.ServiceName)
	}

	env["ZONEMAP_TRACING_SAMPLE_RATIO"] = "7"
	if cfg = TracingConfigFromLookup(lookup); cfg.SampleRatio != 1 {
		t.Fatalf("out of range ratio should fall back to 1, got %v", cfg.SampleRatio)
	}
}

func TestTracingResourceCarriesProviderSource(t *testing.T) {
	res := TracingConfig{ServiceName: "zonemap", Exporter: "stdout", ProviderSource: "sqlite"}.resource()
	got := make(map[attribute.Key]string)
	for _, kv := range res.Attributes() {
		got[kv.Key] = kv.Value.AsString()
	}
	if got["service.name"] != "zonemap" || got["service.namespace"] != "coverage-zones" || got["zonemap.provider_source"] != "sqlite" {
		t.Fatalf("resource attributes = %v", got)
	}
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	ShutdownWithTimeout(context.Background(), shutdown, nil)

	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, nil); err == nil {
		t.Fatalf("expected error for unsupported exporter")
	}
}

func TestTraceHTTPParentsHandlerSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	h := TraceHTTP("/api/filters", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, span := otel.Tracer("test").Start(r.Context(), "zonemap.RefreshVisibility")
		span.End()
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/filters", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	child, server := spans[0], spans[1]
	if server.Name() != "POST /api/filters" {
		t.Fatalf("server span name = %q", server.Name())
	}
	if child.Name() != "zonemap.RefreshVisibility" || child.Parent().SpanID() != server.SpanContext().SpanID() {
		t.Fatalf("handler span %q is not a child of the request span", child.Name())
	}
}
