package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/coverage-zones/internal/logging"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	envTracingEnabled  = "ZONEMAP_TRACING_ENABLED"
	envTracingExporter = "ZONEMAP_TRACING_EXPORTER"
	envTracingService  = "ZONEMAP_TRACING_SERVICE_NAME"
	envTracingRatio    = "ZONEMAP_TRACING_SAMPLE_RATIO"
	envOTLPEndpoint    = "ZONEMAP_OTLP_ENDPOINT"

	defaultServiceName  = "zonemap"
	defaultOTLPEndpoint = "localhost:4317"
	serviceNamespace    = "coverage-zones"
)

// TracingConfig selects the span exporter and sampler for the map server.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // otlp only
	SampleRatio float64

	// ProviderSource is recorded on the tracing resource so spans from
	// file, sqlite and postgres deployments can be told apart.
	ProviderSource string
}

// TracingConfigFromLookup reads the ZONEMAP_TRACING_* variables through
// lookup. Unset or unparsable values keep their defaults.
func TracingConfigFromLookup(lookup func(string) (string, bool)) TracingConfig {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	cfg := TracingConfig{
		Enabled:     strings.EqualFold(get(envTracingEnabled, ""), "true"),
		ServiceName: get(envTracingService, defaultServiceName),
		Exporter:    strings.ToLower(get(envTracingExporter, "stdout")),
		Endpoint:    get(envOTLPEndpoint, ""),
		SampleRatio: 1,
	}
	if ratio, err := strconv.ParseFloat(get(envTracingRatio, ""), 64); err == nil && ratio >= 0 && ratio <= 1 {
		cfg.SampleRatio = ratio
	}
	return cfg
}

func (cfg TracingConfig) resource() *resource.Resource {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", serviceNamespace),
		attribute.String("zonemap.exporter", cfg.Exporter),
	}
	if cfg.ProviderSource != "" {
		attrs = append(attrs, attribute.String("zonemap.provider_source", cfg.ProviderSource))
	}
	return resource.NewSchemaless(attrs...)
}

// InitTracing installs the global propagator and tracer provider. With
// tracing disabled the provider is a noop, so controller and HTTP spans
// cost nothing. The returned function flushes pending spans.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		log.Info(ctx, "tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(cfg.resource()),
	)
	otel.SetTracerProvider(tp)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.String("provider_source", cfg.ProviderSource),
		logging.Float64("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

func newSpanExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "", "stdout":
		return stdouttrace.New(stdouttrace.WithWriter(os.Stdout), stdouttrace.WithoutTimestamps())
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	default:
		return nil, fmt.Errorf("unsupported tracing exporter %q", cfg.Exporter)
	}
}

// TraceHTTP starts a server span named "<METHOD> <route>" around h. Spans
// started by the handler from the request context, such as the controller's
// load and refresh passes, become its children.
func TraceHTTP(route string, h http.Handler) http.Handler {
	return otelhttp.NewHandler(h, route,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + route
		}),
	)
}

// ShutdownWithTimeout flushes spans through shutdown, giving up after five
// seconds. Failures are only logged.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
