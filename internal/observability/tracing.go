package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InitTracing builds a TracerProvider from cfg and installs it as the
// process-wide global provider. With OTLPEndpoint empty, tracing stays on
// the SDK's default no-op provider and InitTracing returns a no-op
// shutdown. Hot-path spans (per-block, per-segment) are replaced with
// no-op spans unless cfg.TraceVerbose is set, via NewFilteringTracerProvider.
func InitTracing(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	if len(cfg.OTLPHeaders) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.OTLPHeaders))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp trace exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("merge trace resource: %w", err)
	}

	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio(cfg)))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	provider := trace.TracerProvider(tp)
	if !cfg.TraceVerbose {
		provider = NewFilteringTracerProvider(tp)
	}

	otel.SetTracerProvider(provider)

	return tp.Shutdown, nil
}

func sampleRatio(cfg Config) float64 {
	if cfg.DebugTrace {
		return 1.0
	}

	if cfg.SampleRatio > 0 {
		return cfg.SampleRatio
	}

	return 1.0
}
