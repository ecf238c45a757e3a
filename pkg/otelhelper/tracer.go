// Package otelhelper provides distributed tracing for run and activity
// execution.
package otelhelper

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys shared by the engine, executor, and timer sweep.
const (
	RunIDKey        = "capflow.run.id"
	WorkflowTypeKey = "capflow.run.workflow_type"
	ActivityIDKey   = "capflow.activity.id"
	ActivityNameKey = "capflow.activity.name"
	AttemptKey      = "capflow.activity.attempt"
	TimerIDKey      = "capflow.timer.id"
	SequenceKey     = "capflow.event.sequence"
	WorkerIDKey     = "capflow.worker.id"
)

// NewTracer installs a global OTLP-over-HTTP tracer provider and returns a
// tracer for the service. The exporter endpoint comes from the standard
// OTEL_EXPORTER_OTLP_* environment variables.
func NewTracer(ctx context.Context, serviceName string) (trace.Tracer, error) {
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}))

	return provider.Tracer(serviceName), nil
}

// StartSpan opens a span with the given attributes attached at creation.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
