// Package tracing wires the OpenTelemetry span provider shared by
// cmd/agent and cmd/coordinator, grounded on the teacher's own
// internal/observability/telemetry.go (same provider/exporter/sampler
// shape, generalized from a single SampleRate-configured Config to the
// daemons' plain Enabled/Endpoint/ServiceName config.TracingConfig).
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

type Provider struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

var global = &Provider{enabled: false, tracer: trace.NewNoopTracerProvider().Tracer("")}

// Init configures the global tracer provider. Disabled configs get a
// no-op tracer so callers never need to branch on Enabled themselves.
func Init(ctx context.Context, enabled bool, endpoint, serviceName string) error {
	if !enabled {
		global = &Provider{enabled: false, tracer: trace.NewNoopTracerProvider().Tracer("")}
		return nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return fmt.Errorf("build telemetry resource: %w", err)
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return fmt.Errorf("create otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	global = &Provider{tp: tp, tracer: tp.Tracer(serviceName), enabled: true}
	return nil
}

func Shutdown(ctx context.Context) error {
	if global.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return global.tp.Shutdown(ctx)
}

func Tracer() trace.Tracer { return global.tracer }

func Enabled() bool { return global.enabled }

// StartSpan is the common entry point for the two hot paths that need
// spans: agent RPC dispatch and reconcile passes.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return global.tracer.Start(ctx, name)
}
