// Package telemetry configures the OpenTelemetry providers used to trace
// synchronization passes and count their row outcomes.
//
// Telemetry is off by default: Init installs no-op providers unless stdout
// export is requested or a test reader or span processor is supplied.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// InstrumentationScope names the meter and tracer used by the synchronization engine.
	InstrumentationScope = "github.com/MarcoPoloResearchLab/companion-sync"

	defaultServiceName    = "companion-sync"
	defaultExportInterval = 30 * time.Second
)

// Config selects the exporters.
type Config struct {
	ServiceName string
	Version     string
	// Stdout writes spans and metrics to standard output.
	Stdout         bool
	ExportInterval time.Duration
	// Reader and SpanProcessor are extra sinks, e.g. a manual reader or a span
	// recorder in tests.
	Reader        sdkmetric.Reader
	SpanProcessor sdktrace.SpanProcessor
}

// Provider owns the installed meter and tracer providers.
type Provider struct {
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	shutdown       []func(context.Context) error
}

// Init builds the providers and installs them globally.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Stdout && cfg.Reader == nil && cfg.SpanProcessor == nil {
		meterProvider := metricnoop.NewMeterProvider()
		tracerProvider := tracenoop.NewTracerProvider()
		otel.SetMeterProvider(meterProvider)
		otel.SetTracerProvider(tracerProvider)
		return &Provider{meterProvider: meterProvider, tracerProvider: tracerProvider}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	tracerProvider, err := buildTracerProvider(res, cfg)
	if err != nil {
		return nil, err
	}
	meterProvider, err := buildMeterProvider(res, cfg)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, err
	}

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	return &Provider{
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		shutdown:       []func(context.Context) error{tracerProvider.Shutdown, meterProvider.Shutdown},
	}, nil
}

func buildTracerProvider(res *resource.Resource, cfg Config) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if cfg.Stdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	if cfg.SpanProcessor != nil {
		opts = append(opts, sdktrace.WithSpanProcessor(cfg.SpanProcessor))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func buildMeterProvider(res *resource.Resource, cfg Config) (*sdkmetric.MeterProvider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Stdout {
		exporter, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout metric exporter: %w", err)
		}
		interval := cfg.ExportInterval
		if interval <= 0 {
			interval = defaultExportInterval
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval)),
		))
	}
	if cfg.Reader != nil {
		opts = append(opts, sdkmetric.WithReader(cfg.Reader))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

// Meter returns the engine's meter.
func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meterProvider == nil {
		return otel.Meter(InstrumentationScope)
	}
	return p.meterProvider.Meter(InstrumentationScope)
}

// Tracer returns the engine's tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracerProvider == nil {
		return otel.Tracer(InstrumentationScope)
	}
	return p.tracerProvider.Tracer(InstrumentationScope)
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdown = nil
	return errors.Join(errs...)
}
