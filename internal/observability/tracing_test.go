package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewTracerProviderDisabledNeverSamples(t *testing.T) {
	tp := NewTracerProvider(TracingConfig{Enabled: false})
	tracer := Tracer(tp)

	_, span := StartSpan(context.Background(), tracer, "turn")
	defer span.End()

	require.False(t, span.SpanContext().IsSampled())
}

func TestNewTracerProviderEnabledAlwaysSamples(t *testing.T) {
	tp := NewTracerProvider(TracingConfig{Enabled: true, ServiceName: "agentsociety-test"})
	tracer := Tracer(tp)

	_, span := StartSpan(context.Background(), tracer, "turn")
	defer span.End()

	require.True(t, span.SpanContext().IsSampled())
}

func TestNewTracerProviderDefaultsServiceName(t *testing.T) {
	tp := NewTracerProvider(TracingConfig{Enabled: true})
	require.NotNil(t, tp)
	require.IsType(t, &sdktrace.TracerProvider{}, tp)
}
