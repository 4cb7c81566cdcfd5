// Package telemetry wraps OpenTelemetry tracing and metrics for the memory
// engine. Without Setup the global no-op providers apply, so instrumented code
// costs almost nothing in tests.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/iammorganparry/clive/apps/memengine"

// Setup installs SDK tracer and meter providers exporting over OTLP/HTTP to
// endpoint. An empty endpoint leaves the no-op providers in place and returns
// a no-op shutdown func.
func Setup(ctx context.Context, endpoint, serviceVersion string, logger *slog.Logger) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("memengine"),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	traceExporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	metricExporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(endpoint))
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("telemetry enabled", "endpoint", endpoint)
	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// Instruments records spans, an operation counter and a duration histogram
// for engine operations.
type Instruments struct {
	tracer   trace.Tracer
	ops      metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
}

// New builds instruments from the current global providers.
func New() *Instruments {
	return NewWithProviders(otel.GetTracerProvider(), otel.GetMeterProvider())
}

// NewWithProviders builds instruments from explicit providers.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) *Instruments {
	meter := mp.Meter(instrumentationName)
	in := &Instruments{tracer: tp.Tracer(instrumentationName)}

	// Instrument creation only fails on invalid names; fall back to no-ops.
	var err error
	if in.ops, err = meter.Int64Counter("memengine.operations.total",
		metric.WithDescription("Engine operations executed"),
		metric.WithUnit("{operation}"),
	); err != nil {
		in.ops = nil
	}
	if in.errors, err = meter.Int64Counter("memengine.errors.total",
		metric.WithDescription("Engine operations that returned an error"),
		metric.WithUnit("{error}"),
	); err != nil {
		in.errors = nil
	}
	if in.duration, err = meter.Float64Histogram("memengine.operation.duration",
		metric.WithDescription("Engine operation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		in.duration = nil
	}
	return in
}

// Track starts a span for op and returns a func that ends it, recording the
// outcome. Call it with the operation's final error.
func (in *Instruments) Track(ctx context.Context, op, project string) (context.Context, func(error)) {
	if in == nil {
		return ctx, func(error) {}
	}
	attrs := []attribute.KeyValue{
		attribute.String("memengine.op", op),
		attribute.String("memengine.project", project),
	}
	start := time.Now()
	ctx, span := in.tracer.Start(ctx, "memengine."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	return ctx, func(err error) {
		set := metric.WithAttributes(attrs...)
		if in.ops != nil {
			in.ops.Add(ctx, 1, set)
		}
		if in.duration != nil {
			in.duration.Record(ctx, time.Since(start).Seconds(), set)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if in.errors != nil {
				in.errors.Add(ctx, 1, set)
			}
		}
		span.End()
	}
}
