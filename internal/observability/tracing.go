package observability

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

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
	"google.golang.org/grpc/credentials"
)

// Exporter names accepted in GPS_OTEL_EXPORTER.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPGRPC = "otlp"
	ExporterOTLPHTTP = "otlphttp"
)

// TracingConfig selects where the coordinator's and workers' spans go.
// Spans cover store transactions, coordinator visits and target runs.
type TracingConfig struct {
	Exporter string
	Endpoint string
	Insecure bool
	Headers  map[string]string
	// SampleRatio is the fraction of root spans kept; 0 keeps none.
	SampleRatio float64
}

// TracingConfigFromEnv reads GPS_OTEL_EXPORTER, GPS_OTEL_ENDPOINT,
// GPS_OTEL_INSECURE, GPS_OTEL_HEADERS (k=v,k=v) and GPS_OTEL_SAMPLE_RATIO.
func TracingConfigFromEnv() (TracingConfig, error) {
	cfg := TracingConfig{
		Exporter:    strings.ToLower(strings.TrimSpace(os.Getenv("GPS_OTEL_EXPORTER"))),
		Endpoint:    strings.TrimSpace(os.Getenv("GPS_OTEL_ENDPOINT")),
		Insecure:    true,
		Headers:     parseHeaders(os.Getenv("GPS_OTEL_HEADERS")),
		SampleRatio: 1,
	}
	if cfg.Exporter == "" {
		cfg.Exporter = ExporterNone
	}
	switch cfg.Exporter {
	case ExporterNone, ExporterStdout, ExporterOTLPGRPC, ExporterOTLPHTTP:
	default:
		return cfg, fmt.Errorf("GPS_OTEL_EXPORTER: unknown exporter %q", cfg.Exporter)
	}
	if v := strings.TrimSpace(os.Getenv("GPS_OTEL_INSECURE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("GPS_OTEL_INSECURE: %w", err)
		}
		cfg.Insecure = b
	}
	if v := strings.TrimSpace(os.Getenv("GPS_OTEL_SAMPLE_RATIO")); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r < 0 || r > 1 {
			return cfg, fmt.Errorf("GPS_OTEL_SAMPLE_RATIO: want a number in [0 1], got %q", v)
		}
		cfg.SampleRatio = r
	}
	return cfg, nil
}

var (
	tracerOnce sync.Once
	shutdownFn func(context.Context) error
)

// InitTracing installs the process-wide tracer provider once. run tags
// every span with the configuration run it belongs to.
func InitTracing(ctx context.Context, service, run string, cfg TracingConfig) (func(context.Context) error, error) {
	var initErr error
	tracerOnce.Do(func() {
		shutdownFn = func(context.Context) error { return nil }
		if cfg.Exporter == ExporterNone || cfg.Exporter == "" {
			otel.SetTracerProvider(trace.NewNoopTracerProvider())
			return
		}
		exp, err := newExporter(ctx, cfg)
		if err != nil {
			initErr = fmt.Errorf("%s exporter: %w", cfg.Exporter, err)
			return
		}
		res, err := resource.New(ctx, resource.WithAttributes(
			semconv.ServiceNameKey.String(service),
			attribute.String("gps.run", run),
		))
		if err != nil {
			initErr = err
			return
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.TraceContext{})
		shutdownFn = tp.Shutdown
	})
	return shutdownFn, initErr
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("gps").Start(ctx, name, trace.WithAttributes(attrs...))
}

// TaskAttributes describes one target algorithm run on a span.
func TaskAttributes(param, value, instance string, seed int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("gps.param", param),
		attribute.String("gps.value", value),
		attribute.String("gps.instance", instance),
		attribute.Int64("gps.seed", seed),
	}
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(orDefault(cfg.Endpoint, "localhost:4317"))}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(orDefault(cfg.Endpoint, "http://localhost:4318"))}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	}
}

func parseHeaders(raw string) map[string]string {
	out := map[string]string{}
	for _, p := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(p, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if ok && k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
