// Package otel wires OpenTelemetry traces and decision metrics for the
// kernel. When disabled every instrument is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
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
	TracerName = "clawkernel"
	MeterName  = "clawkernel"
	// Version is reported as service.version unless Config overrides it.
	Version = "v0.1-dev"

	defaultServiceName  = "clawkernel"
	defaultOTLPEndpoint = "localhost:4318"
)

// Exporter names accepted in telemetry.exporter.
const (
	ExporterOTLPHTTP = "otlp-http"
	ExporterStdout   = "stdout"
	ExporterNone     = "none"
)

type Config struct {
	Enabled        bool
	Exporter       string
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	// SampleRate is the parent-based trace ratio; values outside (0, 1] mean 1.
	SampleRate float64

	// SpanExporter and Reader replace the configured exporter and attach a
	// metric reader. Tests use in-memory implementations of both.
	SpanExporter sdktrace.SpanExporter
	Reader       sdkmetric.Reader
}

// Provider holds the tracer and meter handed to kernel components.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	shutdown       func(context.Context) error
}

// NormalizeExporter maps aliases onto the supported exporter names. An
// empty name selects OTLP over HTTP.
func NormalizeExporter(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "otlp", ExporterOTLPHTTP:
		return ExporterOTLPHTTP, nil
	case ExporterStdout:
		return ExporterStdout, nil
	case ExporterNone, "off":
		return ExporterNone, nil
	default:
		return "", fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", name)
	}
}

// Init returns a no-op provider when cfg.Enabled is false. Otherwise the
// returned provider is also installed as the global tracer provider and
// must be shut down on exit.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:         mp.Meter(MeterName),
			MeterProvider: mp,
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	exporterName, err := NormalizeExporter(cfg.Exporter)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(firstNonEmpty(cfg.ServiceName, defaultServiceName)),
			semconv.ServiceVersion(firstNonEmpty(cfg.ServiceVersion, Version)),
			attribute.String("clawkernel.exporter", exporterName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(SampleRatio(cfg.SampleRate)))),
	}
	switch {
	case cfg.SpanExporter != nil:
		tpOpts = append(tpOpts, sdktrace.WithSyncer(cfg.SpanExporter))
	case exporterName != ExporterNone:
		exp, err := newSpanExporter(ctx, exporterName, cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("create exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Reader != nil {
		mpOpts = append(mpOpts, sdkmetric.WithReader(cfg.Reader))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Meter:          mp.Meter(MeterName),
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}, nil
}

// Shutdown flushes pending spans and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// SampleRatio clamps a configured sample rate to (0, 1].
func SampleRatio(rate float64) float64 {
	if rate <= 0 || rate > 1 {
		return 1.0
	}
	return rate
}

func newSpanExporter(ctx context.Context, name, endpoint string) (sdktrace.SpanExporter, error) {
	switch name {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(firstNonEmpty(endpoint, defaultOTLPEndpoint)),
			otlptracehttp.WithInsecure(),
		)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
