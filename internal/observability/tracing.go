package observability

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
)

const tracerName = "abuela"

// TracingConfig selects where compile and request spans go.
type TracingConfig struct {
	// Exporter is none, stdout, otlp (gRPC) or otlphttp.
	Exporter string
	Endpoint string
	Headers  map[string]string
	Insecure bool
	// SampleRatio is the share of root spans kept, clamped to [0, 1].
	SampleRatio float64
}

// Session describes the preview session every span belongs to.
type Session struct {
	ID         string
	Compiler   string
	Resolution int
}

// TracingConfigFromEnv reads ABUELA_OTEL_EXPORTER, ABUELA_OTEL_ENDPOINT,
// ABUELA_OTEL_HEADERS (k=v,k=v), ABUELA_OTEL_INSECURE and
// ABUELA_OTEL_SAMPLE_RATIO.
func TracingConfigFromEnv() TracingConfig {
	cfg := TracingConfig{
		Exporter:    strings.ToLower(strings.TrimSpace(os.Getenv("ABUELA_OTEL_EXPORTER"))),
		Endpoint:    strings.TrimSpace(os.Getenv("ABUELA_OTEL_ENDPOINT")),
		Headers:     parseHeaders(strings.TrimSpace(os.Getenv("ABUELA_OTEL_HEADERS"))),
		Insecure:    true,
		SampleRatio: 1,
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv("ABUELA_OTEL_INSECURE"))); err == nil {
		cfg.Insecure = v
	}
	if v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv("ABUELA_OTEL_SAMPLE_RATIO")), 64); err == nil {
		cfg.SampleRatio = v
	}
	return cfg
}

// InitTracing installs the global tracer provider and returns its shutdown.
// With no exporter configured spans are dropped.
func InitTracing(ctx context.Context, cfg TracingConfig, s Session) (func(context.Context) error, error) {
	if cfg.Exporter == "" || cfg.Exporter == "none" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	exp, err := buildExporter(ctx, cfg)
	if err != nil {
		return func(context.Context) error { return nil }, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(tracerName),
			semconv.ServiceInstanceIDKey.String(s.ID),
			attribute.String("abuela.compiler", s.Compiler),
			attribute.Int("abuela.resolution_dpi", s.Resolution),
		),
	)
	if err != nil {
		return func(context.Context) error { return nil }, err
	}

	ratio := min(max(cfg.SampleRatio, 0), 1)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func buildExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "grpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{})))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "otlphttp", "http":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:4318"
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported ABUELA_OTEL_EXPORTER value %q", cfg.Exporter)
	}
}

func parseHeaders(raw string) map[string]string {
	out := map[string]string{}
	for _, p := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if ok && k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}
