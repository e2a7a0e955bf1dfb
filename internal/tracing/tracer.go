// Package tracing bootstraps the OpenTelemetry tracer provider used to
// bracket each accepted connection's lifecycle with a span.
package tracing

import (
	"context"
	"fmt"
	"time"

	"cacheproxy/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// InitTracing wires exporters and a sampler from cfg into a global
// tracer provider and propagator, returning a shutdown func that
// flushes and closes it. A no-op shutdown is returned when tracing is
// disabled.
func InitTracing(cfg config.TracingConfig) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	exporters, err := buildExporters(cfg)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(buildSampler(cfg.SamplingRatio)),
	)
	for _, exporter := range exporters {
		tp.RegisterSpanProcessor(trace.NewBatchSpanProcessor(
			exporter,
			trace.WithBatchTimeout(5*time.Second),
			trace.WithMaxExportBatchSize(512),
		))
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(ctx)
	}, nil
}

// buildExporters constructs one exporter per configured endpoint. At
// least one of JaegerEndpoint/OTLPEndpoint must be set when tracing is
// enabled.
func buildExporters(cfg config.TracingConfig) ([]trace.SpanExporter, error) {
	var exporters []trace.SpanExporter

	if cfg.JaegerEndpoint != "" {
		exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
		if err != nil {
			return nil, fmt.Errorf("building jaeger exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}

	if cfg.OTLPEndpoint != "" {
		exp, err := otlptracehttp.New(context.Background(),
			otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("building otlp exporter: %w", err)
		}
		exporters = append(exporters, exp)
	}

	if len(exporters) == 0 {
		return nil, fmt.Errorf("tracing enabled but no exporter endpoint configured")
	}
	return exporters, nil
}

func buildSampler(ratio float64) trace.Sampler {
	switch {
	case ratio <= 0:
		return trace.NeverSample()
	case ratio >= 1:
		return trace.AlwaysSample()
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}
