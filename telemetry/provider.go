package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultServiceName names the service when neither ProviderConfig nor
// OTEL_SERVICE_NAME does.
const DefaultServiceName = "postflow"

// ProviderConfig configures OTLP trace export.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string

	// Endpoint is host:port of the collector; OTEL_EXPORTER_OTLP_ENDPOINT
	// is used when empty. A scheme prefix is ignored.
	Endpoint string
	// Protocol is "grpc" or "http". Empty means grpc.
	Protocol string
	Insecure bool
	Headers  map[string]string

	// Debug records prompts and captions on model spans.
	Debug bool

	BatchTimeout  time.Duration
	ExportTimeout time.Duration
	// SampleRatio below 1 samples root spans by trace id. Zero keeps all.
	SampleRatio float64
}

// Provider is the installed SDK tracer provider.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// InitProvider installs the global tracer provider, W3C propagation and
// the package tracer. Shutdown flushes buffered spans.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	endpoint := firstNonEmpty(cfg.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return nil, errors.New("tracing needs an endpoint (telemetry.endpoint or OTEL_EXPORTER_OTLP_ENDPOINT)")
	}
	if i := strings.Index(endpoint, "://"); i >= 0 {
		endpoint = endpoint[i+3:]
	}
	name := firstNonEmpty(cfg.ServiceName, os.Getenv("OTEL_SERVICE_NAME"), DefaultServiceName)

	exporter, err := exporterFor(ctx, endpoint, cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(name),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	var sampler sdktrace.Sampler = sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}
	var batch []sdktrace.BatchSpanProcessorOption
	if cfg.BatchTimeout > 0 {
		batch = append(batch, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, batch...),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	SetGlobalTracer(NewTracer(name, cfg.Debug))
	return &Provider{tp: tp}, nil
}

func exporterFor(ctx context.Context, endpoint string, cfg ProviderConfig) (sdktrace.SpanExporter, error) {
	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch cfg.Protocol {
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithHeaders(cfg.Headers)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracegrpc.WithTimeout(cfg.ExportTimeout))
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithHeaders(cfg.Headers)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if cfg.ExportTimeout > 0 {
			opts = append(opts, otlptracehttp.WithTimeout(cfg.ExportTimeout))
		}
		exp, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown protocol %q: want grpc or http", cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("otlp %s exporter: %w", cfg.Protocol, err)
	}
	return exp, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Shutdown flushes pending spans and stops export.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
