// Package telemetry sets up OpenTelemetry tracing. Tracing is opt-in: with
// tracing disabled or no endpoint configured, Setup installs nothing and
// returns a no-op shutdown.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Options selects the exporter.
type Options struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

// Shutdown flushes pending spans.
type Shutdown func(context.Context) error

// Setup registers a global tracer provider exporting over OTLP/HTTP.
func Setup(ctx context.Context, opts Options) (Shutdown, error) {
	noop := func(context.Context) error { return nil }
	if !opts.Enabled || opts.Endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(opts.Endpoint))
	if err != nil {
		return noop, err
	}

	name := opts.ServiceName
	if name == "" {
		name = "sceneweaver"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}
