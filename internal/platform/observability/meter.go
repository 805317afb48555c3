package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MeterProvider hands out per-component meters so each package owns its
// instruments (route cache, fill coordinator, traffic switcher, ...).
type MeterProvider interface {
	Meter(name string) Meter
	Shutdown(ctx context.Context) error
	// Handler serves /metrics when a Prometheus reader is configured.
	Handler() http.Handler
}

// Meter creates instruments for one component.
type Meter interface {
	Counter(name, description string) Counter
	Gauge(name, description string) Gauge
	Histogram(name, description string, buckets ...float64) Histogram
}

// Counter is a monotonically increasing metric.
type Counter interface {
	Add(ctx context.Context, value int64, attrs ...attribute.KeyValue)
	Inc(ctx context.Context, attrs ...attribute.KeyValue)
}

// Gauge records the latest value of something that goes up and down.
type Gauge interface {
	Record(ctx context.Context, value int64, attrs ...attribute.KeyValue)
}

// Histogram records distributions.
type Histogram interface {
	Record(ctx context.Context, value float64, attrs ...attribute.KeyValue)
	RecordDuration(ctx context.Context, start time.Time, attrs ...attribute.KeyValue)
}

// MetricExporter selects a metric backend.
type MetricExporter string

const (
	ExporterPrometheus MetricExporter = "prometheus"
	ExporterOTLP       MetricExporter = "otlp"
)

// MeterProviderConfig configures NewMeterProvider.
type MeterProviderConfig struct {
	ServiceName  string
	Version      string
	Exporter     MetricExporter
	OTLPEndpoint string
	Insecure     bool
}

type otelMeterProvider struct {
	provider   *sdkmetric.MeterProvider
	prometheus bool
}

// NewMeterProvider builds an OTEL meter provider backed by Prometheus (default) or OTLP.
func NewMeterProvider(ctx context.Context, cfg MeterProviderConfig) (MeterProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var reader sdkmetric.Reader
	isPrometheus := false

	switch cfg.Exporter {
	case ExporterOTLP:
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		exp, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp)
	default:
		exp, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		reader = exp
		isPrometheus = true
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(provider)

	return &otelMeterProvider{provider: provider, prometheus: isPrometheus}, nil
}

func (p *otelMeterProvider) Meter(name string) Meter {
	return &otelMeter{meter: p.provider.Meter(name)}
}

func (p *otelMeterProvider) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}

func (p *otelMeterProvider) Handler() http.Handler {
	if p.prometheus {
		return promhttp.Handler()
	}
	return http.NotFoundHandler()
}

type otelMeter struct {
	meter metric.Meter
}

func (m *otelMeter) Counter(name, description string) Counter {
	c, err := m.meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		return noopCounter{}
	}
	return &otelCounter{counter: c}
}

func (m *otelMeter) Gauge(name, description string) Gauge {
	g, err := m.meter.Int64Gauge(name, metric.WithDescription(description))
	if err != nil {
		return noopGauge{}
	}
	return &otelGauge{gauge: g}
}

func (m *otelMeter) Histogram(name, description string, buckets ...float64) Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(description), metric.WithUnit("ms")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := m.meter.Float64Histogram(name, opts...)
	if err != nil {
		return noopHistogram{}
	}
	return &otelHistogram{histogram: h}
}

type otelCounter struct{ counter metric.Int64Counter }

func (c *otelCounter) Add(ctx context.Context, value int64, attrs ...attribute.KeyValue) {
	c.counter.Add(ctx, value, metric.WithAttributes(attrs...))
}

func (c *otelCounter) Inc(ctx context.Context, attrs ...attribute.KeyValue) {
	c.counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

type otelGauge struct{ gauge metric.Int64Gauge }

func (g *otelGauge) Record(ctx context.Context, value int64, attrs ...attribute.KeyValue) {
	g.gauge.Record(ctx, value, metric.WithAttributes(attrs...))
}

type otelHistogram struct{ histogram metric.Float64Histogram }

func (h *otelHistogram) Record(ctx context.Context, value float64, attrs ...attribute.KeyValue) {
	h.histogram.Record(ctx, value, metric.WithAttributes(attrs...))
}

func (h *otelHistogram) RecordDuration(ctx context.Context, start time.Time, attrs ...attribute.KeyValue) {
	h.histogram.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
}

// --- Noop implementations ---

type noopCounter struct{}

func (noopCounter) Add(context.Context, int64, ...attribute.KeyValue) {}
func (noopCounter) Inc(context.Context, ...attribute.KeyValue)        {}

type noopGauge struct{}

func (noopGauge) Record(context.Context, int64, ...attribute.KeyValue) {}

type noopHistogram struct{}

func (noopHistogram) Record(context.Context, float64, ...attribute.KeyValue)           {}
func (noopHistogram) RecordDuration(context.Context, time.Time, ...attribute.KeyValue) {}

type noopMeterProvider struct{}

// NewNoopMeterProvider returns a meter provider that records nothing.
func NewNoopMeterProvider() MeterProvider { return noopMeterProvider{} }

func (noopMeterProvider) Meter(string) Meter             { return noopMeter{} }
func (noopMeterProvider) Shutdown(context.Context) error { return nil }
func (noopMeterProvider) Handler() http.Handler          { return http.NotFoundHandler() }

type noopMeter struct{}

// NoopMeter returns a meter whose instruments discard everything.
func NoopMeter() Meter { return noopMeter{} }

func (noopMeter) Counter(string, string) Counter                 { return noopCounter{} }
func (noopMeter) Gauge(string, string) Gauge                     { return noopGauge{} }
func (noopMeter) Histogram(string, string, ...float64) Histogram { return noopHistogram{} }
