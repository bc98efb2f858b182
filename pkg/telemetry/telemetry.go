// Package telemetry sets up the broker's OpenTelemetry tracer, used to wrap
// the two cross-cutting operations worth following end to end in a trace
// viewer: a delegation registry's Delegate call and a token exchange
// engine's call to the IDP token endpoint (a cache hit opens no span), both
// of which fan out to a network call a caller can't otherwise see the
// latency of.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope every span in this broker is
// recorded under.
const tracerName = "github.com/stacklok/authbroker"

// Config controls where spans are exported.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint is the collector's HTTP endpoint (host:port, no scheme).
	// Empty disables export: spans are still created and can be inspected
	// by tests, but never leave the process.
	OTLPEndpoint string
	Insecure     bool
}

// Init installs a global TracerProvider per cfg and returns a shutdown func
// that flushes pending spans and releases the exporter's connection.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if cfg.OTLPEndpoint != "" {
		exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
		}
		exporter, expErr := otlptracehttp.New(ctx, exporterOpts...)
		if expErr != nil {
			return nil, fmt.Errorf("telemetry: create OTLP exporter: %w", expErr)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns the broker's shared tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name under Tracer(), setting the status to
// an error code if the caller's deferred end func receives a non-nil error.
// The typical call shape is:
//
//	ctx, end := telemetry.StartSpan(ctx, "delegation.delegate")
//	defer func() { end(err) }()
func StartSpan(ctx context.Context, name string) (context.Context, func(err error)) {
	ctx, span := Tracer().Start(ctx, name)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
