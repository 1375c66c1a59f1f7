package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig configures the OpenTelemetry tracer provider. There is no
// OTLP exporter wiring here, since this is a single-process kernel with
// no cluster egress; a local, in-process sampler is enough for turn/tool
// span timing.
type TracingConfig struct {
	ServiceName string
	Enabled     bool
}

// NewTracerProvider builds a minimal in-process tracer provider. When
// disabled, it returns a no-op provider so call sites never need to
// branch on whether tracing is configured.
func NewTracerProvider(cfg TracingConfig) *sdktrace.TracerProvider {
	if !cfg.Enabled {
		return sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
	}
	name := cfg.ServiceName
	if name == "" {
		name = "agentsociety"
	}
	res := resource.NewSchemaless(attribute.String("service.name", name))
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
	)
}

// Tracer returns the kernel tracer from a provider. Call sites pass it
// explicitly rather than reaching for a package-level global.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	return tp.Tracer("agentsociety/kernel")
}

// StartSpan is a small convenience wrapper around tracer.Start. No kernel
// package calls it; turns and tool dispatches are not traced.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}
