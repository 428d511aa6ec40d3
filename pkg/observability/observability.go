// Package observability wires OpenTelemetry tracing and metrics for the privacy core.
//
// A Provider built with Enabled=false, or a nil *Provider, is a no-op: every method is
// safe to call and spans come from the global (no-op) tracer.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "kbguard"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC, e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	MetricInterval time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns defaults with telemetry disabled until an endpoint is configured.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "kbguard",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider owns the trace and metric providers and the instruments recorded by the
// detector and the erasure workflow.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	operations   metric.Int64Counter
	errors       metric.Int64Counter
	duration     metric.Float64Histogram
	active       metric.Int64UpDownCounter
	findings     metric.Int64Counter
	erasedDocs   metric.Int64Counter
	alertsRaised metric.Int64Counter
}

// New creates a provider. A nil config uses DefaultConfig.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	if err := p.initTracing(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetrics(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTracing(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	interval := p.config.MetricInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.operations, err = p.meter.Int64Counter("kbguard.operations.total",
		metric.WithDescription("Operations started"), metric.WithUnit("{operation}")); err != nil {
		return err
	}
	if p.errors, err = p.meter.Int64Counter("kbguard.errors.total",
		metric.WithDescription("Operations that returned an error"), metric.WithUnit("{error}")); err != nil {
		return err
	}
	if p.duration, err = p.meter.Float64Histogram("kbguard.operation.duration",
		metric.WithDescription("Operation duration in seconds"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600)); err != nil {
		return err
	}
	if p.active, err = p.meter.Int64UpDownCounter("kbguard.operations.active",
		metric.WithDescription("Operations in flight"), metric.WithUnit("{operation}")); err != nil {
		return err
	}
	if p.findings, err = p.meter.Int64Counter("kbguard.pii.findings",
		metric.WithDescription("PII findings returned by detection"), metric.WithUnit("{finding}")); err != nil {
		return err
	}
	if p.erasedDocs, err = p.meter.Int64Counter("kbguard.gdpr.documents_deleted",
		metric.WithDescription("Documents removed by erasure requests"), metric.WithUnit("{document}")); err != nil {
		return err
	}
	if p.alertsRaised, err = p.meter.Int64Counter("kbguard.alerts.raised",
		metric.WithDescription("Alerts published by the core"), metric.WithUnit("{alert}")); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer, or the global one when disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter, or the global one when disabled.
func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// StartSpan starts a span named name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// TrackOperation starts a span and the RED instruments for name. The returned function
// must be called exactly once with the operation's error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	opAttrs := append([]attribute.KeyValue{AttrOperation.String(name)}, attrs...)
	set := metric.WithAttributes(opAttrs...)
	if p != nil && p.active != nil {
		p.active.Add(ctx, 1, set)
		p.operations.Add(ctx, 1, set)
	}

	return ctx, func(err error) {
		if p != nil && p.active != nil {
			p.active.Add(ctx, -1, set)
			p.duration.Record(ctx, time.Since(start).Seconds(), set)
			if err != nil {
				p.errors.Add(ctx, 1, metric.WithAttributes(append(opAttrs, attribute.String("error.type", fmt.Sprintf("%T", err)))...))
			}
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

// RecordFindings counts PII findings per entity type.
func (p *Provider) RecordFindings(ctx context.Context, entityType string, n int) {
	if p == nil || p.findings == nil || n <= 0 {
		return
	}
	p.findings.Add(ctx, int64(n), metric.WithAttributes(AttrEntityType.String(entityType)))
}

// RecordErasure counts documents removed for a knowledge base.
func (p *Provider) RecordErasure(ctx context.Context, knowledgeBaseID string, documents int) {
	if p == nil || p.erasedDocs == nil || documents <= 0 {
		return
	}
	p.erasedDocs.Add(ctx, int64(documents), metric.WithAttributes(AttrKnowledgeBaseID.String(knowledgeBaseID)))
}

// RecordAlert counts a published alert.
func (p *Provider) RecordAlert(ctx context.Context, failureMode, level string) {
	if p == nil || p.alertsRaised == nil {
		return
	}
	p.alertsRaised.Add(ctx, 1, metric.WithAttributes(
		AttrFailureMode.String(failureMode),
		AttrAlertLevel.String(level),
	))
}
