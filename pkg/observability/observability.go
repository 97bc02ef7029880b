// Package observability provides OpenTelemetry tracing and metrics for the
// governance safety core. It exports OTLP over gRPC and exposes counters for
// the governance events operators alarm on: quarantines, violations,
// rollbacks, and automated emergency actions.
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

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "aegis-governance-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers plus governance counters.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	quarantines      metric.Int64Counter
	resolutions      metric.Int64Counter
	violations       metric.Int64Counter
	rollbacks        metric.Int64Counter
	emergencyActions metric.Int64Counter
}

// New creates a provider. When disabled, all recording methods are no-ops.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
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
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SampleRate)),
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(config.BatchTimeout)),
	)
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
	)

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	p.tracer = p.tracerProvider.Tracer("aegis/governance")
	p.meter = p.meterProvider.Meter("aegis/governance")

	if err := p.initCounters(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initCounters() error {
	var err error
	if p.quarantines, err = p.meter.Int64Counter("aegis.quarantine.created",
		metric.WithDescription("Quarantine records created")); err != nil {
		return err
	}
	if p.resolutions, err = p.meter.Int64Counter("aegis.quarantine.resolved",
		metric.WithDescription("Quarantine records resolved")); err != nil {
		return err
	}
	if p.violations, err = p.meter.Int64Counter("aegis.violations.recorded",
		metric.WithDescription("Governance violations recorded")); err != nil {
		return err
	}
	if p.rollbacks, err = p.meter.Int64Counter("aegis.rollbacks.executed",
		metric.WithDescription("Policy rollbacks executed")); err != nil {
		return err
	}
	if p.emergencyActions, err = p.meter.Int64Counter("aegis.emergency.actions",
		metric.WithDescription("Automated emergency actions dispatched")); err != nil {
		return err
	}
	return nil
}

// RecordQuarantine counts one created quarantine record.
func (p *Provider) RecordQuarantine(ctx context.Context, modelName, corruptionType string) {
	if p == nil || p.quarantines == nil {
		return
	}
	p.quarantines.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", modelName),
		attribute.String("corruption_type", corruptionType),
	))
}

// RecordResolution counts one resolved record.
func (p *Provider) RecordResolution(ctx context.Context, modelName string) {
	if p == nil || p.resolutions == nil {
		return
	}
	p.resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("model", modelName)))
}

// RecordViolation counts one recorded violation.
func (p *Provider) RecordViolation(ctx context.Context, violationType string) {
	if p == nil || p.violations == nil {
		return
	}
	p.violations.Add(ctx, 1, metric.WithAttributes(attribute.String("violation_type", violationType)))
}

// RecordRollback counts one executed rollback.
func (p *Provider) RecordRollback(ctx context.Context) {
	if p == nil || p.rollbacks == nil {
		return
	}
	p.rollbacks.Add(ctx, 1)
}

// RecordEmergencyAction counts one automated mitigation dispatch.
func (p *Provider) RecordEmergencyAction(ctx context.Context, action, target string) {
	if p == nil || p.emergencyActions == nil {
		return
	}
	p.emergencyActions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("target", target),
	))
}

// Tracer returns the provider's tracer, or a no-op tracer when disabled.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer("aegis/noop")
	}
	return p.tracer
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
