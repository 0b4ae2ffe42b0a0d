// o11y exports traces and logs over OTLP/HTTP when the standard OTEL
// endpoint variables are set.
package o11y

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used on span attributes and clog context values.
const (
	AttrRunID    = "run_id"
	AttrStage    = "stage"
	AttrVariant  = "variant"
	AttrHost     = "host"
	AttrInstance = "instance_id"
)

const (
	envTracesEndpoint = "OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"
	tracerName        = "github.com/chainguard-dev/bluegreen"
)

// ShutdownFunc flushes and stops an exporter.
type ShutdownFunc func(context.Context) error

func noop(context.Context) error { return nil }

// SetupTracing configures the global otel TracerProvider. When
// OTEL_EXPORTER_OTLP_TRACES_ENDPOINT is set, spans are exported via OTLP/HTTP.
func SetupTracing(ctx context.Context) (ShutdownFunc, error) {
	if os.Getenv(envTracesEndpoint) == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx, resource.WithFromEnv())
	if err != nil {
		return noop, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// Tracer returns the tracer used for pipeline spans.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartStage opens a span for one pipeline stage.
func StartStage(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(AttrStage, stage))
	return Tracer().Start(ctx, stage, trace.WithAttributes(attrs...))
}

// EndStage records 'err' on the span, if any, and ends it.
func EndStage(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
