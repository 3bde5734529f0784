package otel

import (
	"context"
	"errors"
	"strings"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/petal-labs/toolkit"

// Config configures telemetry export.
type Config struct {
	// Endpoint is the OTLP/HTTP collector host:port. Empty disables span
	// export.
	Endpoint    string
	Insecure    bool
	ServiceName string

	// Readers receive metrics; none means metrics are recorded but not
	// exported.
	Readers []sdkmetric.Reader
}

// Telemetry bundles the providers created by Setup.
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider

	shutdown []func(context.Context) error
}

// Tracer returns the toolkit tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.TracerProvider.Tracer(instrumentationName)
}

// Meter returns the toolkit meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.MeterProvider.Meter(instrumentationName)
}

// Observer builds an Observer from the configured providers.
func (t *Telemetry) Observer() (*Observer, error) {
	return NewObserver(t.Meter(), t.Tracer())
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// Setup creates tracer and meter providers and registers them globally.
func Setup(ctx context.Context, cfg Config) (*Telemetry, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "toolkit"
	}
	res := resource.NewSchemaless(attribute.String("service.name", name))

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range cfg.Readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	tel := &Telemetry{
		MeterProvider: mp,
		shutdown:      []func(context.Context) error{mp.Shutdown},
	}

	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		tel.TracerProvider = noop.NewTracerProvider()
	} else {
		exportOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.Insecure {
			exportOpts = append(exportOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, exportOpts...)
		if err != nil {
			_ = mp.Shutdown(ctx)
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		tel.TracerProvider = tp
		tel.shutdown = append(tel.shutdown, tp.Shutdown)
	}

	otelapi.SetTracerProvider(tel.TracerProvider)
	otelapi.SetMeterProvider(tel.MeterProvider)
	return tel, nil
}
