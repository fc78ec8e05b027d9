package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const defaultServiceName = "lectern"

// ProviderConfig holds what [InitProvider] needs to build the SDK providers.
type ProviderConfig struct {
	ServiceName    string // default "lectern"
	ServiceVersion string

	// Registerer is where the Prometheus bridge registers its collector.
	// nil means prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	// SampleRatio samples that fraction of root traces. Incoming sampled
	// parents are honoured either way. nil samples every trace.
	SampleRatio *float64

	// SpanExporter receives finished spans in batches. nil keeps spans in
	// process only, which still gives logs and X-Correlation-ID a trace id.
	SpanExporter sdktrace.SpanExporter
}

// Sampler returns the trace sampler described by c.
func (c ProviderConfig) Sampler() sdktrace.Sampler {
	if c.SampleRatio == nil {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(*c.SampleRatio))
}

// InitProvider installs global meter and tracer providers plus the W3C
// trace context propagator. Metrics are exposed through the Prometheus
// registry in cfg. The returned function flushes and stops both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	if r := cfg.SampleRatio; r != nil && (*r < 0 || *r > 1) {
		return nil, fmt.Errorf("observe: sample ratio %v outside [0, 1]", *r)
	}

	// Attributes carry no schema URL so they merge with whatever semconv
	// version the SDK detectors use.
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	bridge, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(bridge))

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(cfg.Sampler()),
	}
	if cfg.SpanExporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.SpanExporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
