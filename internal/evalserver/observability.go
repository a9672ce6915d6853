package evalserver

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type Observability struct {
	Tracer oteltrace.Tracer
	Meter  metric.Meter

	traceProvider     *sdktrace.TracerProvider
	RunCounter        metric.Int64Counter
	TestLatency       metric.Int64Histogram
	TransportFailures metric.Int64Counter
	FlaggedCategories metric.Int64Counter
	KeyPoolBlocked    metric.Int64Counter
}

func SetupObservability(ctx context.Context, cfg ObservabilityConfig) (*Observability, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "guardrail-api"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}
	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	if cfg.OTLPEndpoint != "" {
		exporter, exportErr := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if exportErr != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", exportErr)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler),
		)
	} else {
		slog.Info("otel trace exporter not configured; using local tracer provider")
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	meter := otel.Meter(serviceName)
	tracer := otel.Tracer(serviceName)
	runCounter, _ := meter.Int64Counter("eval_run_total")
	testLatency, _ := meter.Int64Histogram("eval_test_latency_ms")
	transportFailures, _ := meter.Int64Counter("eval_transport_failures_total")
	flaggedCategories, _ := meter.Int64Counter("eval_flagged_categories_total")
	keyPoolBlocked, _ := meter.Int64Counter("eval_key_pool_block_total")
	return &Observability{
		Tracer:            tracer,
		Meter:             meter,
		traceProvider:     tp,
		RunCounter:        runCounter,
		TestLatency:       testLatency,
		TransportFailures: transportFailures,
		FlaggedCategories: flaggedCategories,
		KeyPoolBlocked:    keyPoolBlocked,
	}, nil
}

func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.traceProvider == nil {
		return nil
	}
	return o.traceProvider.Shutdown(ctx)
}

func (o *Observability) MarkRun(ctx context.Context, status string) {
	if o == nil {
		return
	}
	o.RunCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

func (o *Observability) MarkTestLatency(ctx context.Context, category string, latencyMS int64) {
	if o == nil {
		return
	}
	o.TestLatency.Record(ctx, latencyMS, metric.WithAttributes(
		attribute.String("category", category),
	))
}

func (o *Observability) MarkTransportFailures(ctx context.Context, count int) {
	if o == nil || count <= 0 {
		return
	}
	o.TransportFailures.Add(ctx, int64(count))
}

func (o *Observability) MarkFlaggedCategory(ctx context.Context, category string) {
	if o == nil {
		return
	}
	o.FlaggedCategories.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
	))
}

func (o *Observability) MarkKeyPoolBlocked(ctx context.Context, reason string) {
	if o == nil {
		return
	}
	o.KeyPoolBlocked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}
