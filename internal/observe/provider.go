package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Options configures [Init].
type Options struct {
	// ServiceName is the service name reported in telemetry. Default: "voclaria".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// SpanExporter is an optional exporter for spans. When nil, spans are
	// recorded in-process but never exported, which is all a local tutor
	// session needs; an OTLP exporter can be plugged in here for a hosted
	// deployment.
	SpanExporter sdktrace.SpanExporter
}

// Telemetry owns the process-wide OpenTelemetry SDK handles created by
// [Init]. A single instance lives for the whole process.
type Telemetry struct {
	meters *sdkmetric.MeterProvider
	traces *sdktrace.TracerProvider
}

// Init wires the OpenTelemetry SDK for the process: a meter provider backed
// by a Prometheus exporter (so the diagnostics server can serve /metrics), a
// tracer provider, and the W3C trace-context propagator. All three are
// registered as the OTel globals, which is what [DefaultMetrics] and
// [StartSpan] read from.
func Init(opts Options) (*Telemetry, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "voclaria"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if opts.SpanExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(opts.SpanExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Telemetry{meters: mp, traces: tp}, nil
}

// Shutdown flushes and stops both providers. Call it in a defer from main().
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.meters.Shutdown(ctx),
		t.traces.Shutdown(ctx),
	)
}
