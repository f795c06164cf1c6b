// Package otel wires OpenTelemetry tracing and metrics for the agent engine.
// Tracing and metrics are enabled independently; whatever is off is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "agentq"
	MeterName  = "agentq"
	// Version is reported as a resource attribute.
	Version = "v0.1-dev"
)

// Config holds OTel configuration. Enabled and Exporter govern traces.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`

	// Prometheus exposes the engine's instruments for scraping on /metrics.
	Prometheus bool `yaml:"prometheus"`

	// MetricReaders receive the engine's instruments, e.g. a manual reader in tests.
	MetricReaders []sdkmetric.Reader `yaml:"-"`
}

// Provider holds the tracer and meter the engine records through.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	// Gatherer is non-nil when Prometheus export is on.
	Gatherer prometheus.Gatherer

	shutdowns []func(context.Context) error
}

// Init builds the providers described by cfg. The result must be Shutdown on
// exit to flush spans.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{
		Tracer: nooptrace.NewTracerProvider().Tracer(TracerName),
		Meter:  noop.NewMeterProvider().Meter(MeterName),
	}
	readers := append([]sdkmetric.Reader(nil), cfg.MetricReaders...)
	if !cfg.Enabled && !cfg.Prometheus && len(readers) == 0 {
		return p, nil
	}

	res, err := newResource(ctx, cfg.ServiceName)
	if err != nil {
		return nil, err
	}

	if cfg.Enabled {
		exporter, err := createExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create exporter: %w", err)
		}
		sampleRate := cfg.SampleRate
		if sampleRate <= 0 {
			sampleRate = 1.0
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
		)
		otel.SetTracerProvider(tp)
		p.TracerProvider = tp
		p.Tracer = tp.Tracer(TracerName)
		p.shutdowns = append(p.shutdowns, tp.Shutdown)
	}

	if cfg.Prometheus {
		reg := prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		readers = append(readers, exporter)
		p.Gatherer = reg
	}
	if len(readers) > 0 {
		opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
		for _, r := range readers {
			opts = append(opts, sdkmetric.WithReader(r))
		}
		mp := sdkmetric.NewMeterProvider(opts...)
		p.Meter = mp.Meter(MeterName)
		p.shutdowns = append(p.shutdowns, mp.Shutdown)
	}
	return p, nil
}

func newResource(ctx context.Context, serviceName string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = "agentq"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("agentq.version", Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

// Shutdown flushes pending spans and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdowns {
		errs = append(errs, fn(ctx))
	}
	p.shutdowns = nil
	return errors.Join(errs...)
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

// discardExporter keeps spans recording without sending them anywhere.
type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
