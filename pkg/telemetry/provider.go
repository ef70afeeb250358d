// ABOUTME: OpenTelemetry provider implementation with metric and trace provider setup for NVS store telemetry
// ABOUTME: Handles provider lifecycle, resource detection, and sampling configuration

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TelemetryProvider implements the Telemetry interface using OpenTelemetry SDK.
type TelemetryProvider struct {
	config         Config
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter
	tracer         oteltrace.Tracer
	resource       *sdkresource.Resource

	mu         sync.Mutex
	histograms map[string]metric.Float64Histogram
	counters   map[string]metric.Int64Counter
}

// New creates a new TelemetryProvider with the given configuration, wiring
// its metric and trace exporters (stdout by default) behind the Telemetry
// interface.
func New(cfg Config) (Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	res, err := sdkresource.Merge(sdkresource.Default(), sdkresource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	metricExporters, err := createMetricExporters(cfg)
	if err != nil {
		return nil, fmt.Errorf("create metric exporters: %w", err)
	}
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, exp := range metricExporters {
		meterOpts = append(meterOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	}
	meterProvider := sdkmetric.NewMeterProvider(meterOpts...)

	traceExporters, err := createTraceExporters(cfg)
	if err != nil {
		return nil, fmt.Errorf("create trace exporters: %w", err)
	}
	tracerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
	}
	for _, exp := range traceExporters {
		tracerOpts = append(tracerOpts, sdktrace.WithBatcher(exp))
	}
	tracerProvider := sdktrace.NewTracerProvider(tracerOpts...)

	return &TelemetryProvider{
		config:         cfg,
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
		meter:          meterProvider.Meter(cfg.ServiceName),
		tracer:         tracerProvider.Tracer(cfg.ServiceName),
		resource:       res,
		histograms:     make(map[string]metric.Float64Histogram),
		counters:       make(map[string]metric.Int64Counter),
	}, nil
}

func (p *TelemetryProvider) histogramFor(name string) (metric.Float64Histogram, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.histograms[name]; ok {
		return h, nil
	}
	h, err := p.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	p.histograms[name] = h
	return h, nil
}

func (p *TelemetryProvider) counterFor(name string) (metric.Int64Counter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[name]; ok {
		return c, nil
	}
	c, err := p.meter.Int64Counter(name)
	if err != nil {
		return nil, err
	}
	p.counters[name] = c
	return c, nil
}

// RecordHistogram records a histogram value with optional attributes.
func (p *TelemetryProvider) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	h, err := p.histogramFor(name)
	if err != nil {
		return
	}
	h.Record(ctx, value, metric.WithAttributes(attrs...))
}

// RecordCounter records a counter increment with optional attributes.
func (p *TelemetryProvider) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	c, err := p.counterFor(name)
	if err != nil {
		return
	}
	c.Add(ctx, value, metric.WithAttributes(attrs...))
}

// StartSpan creates a new tracing span with the given name and attributes.
func (p *TelemetryProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return p.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// Shutdown gracefully shuts down the meter and tracer providers, flushing
// any data still buffered for export.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.tracerProvider.Shutdown(ctx),
		p.meterProvider.Shutdown(ctx),
	)
}
