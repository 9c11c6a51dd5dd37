// Package observability wires OpenTelemetry tracing and metrics for the
// decision pipeline: one span per stage and RED metrics for runs, stages,
// ledger appends and writeback attempts.
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

const instrumentationName = "casegate.pipeline"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g., "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // How long to wait before sending batched spans
	MetricInterval time.Duration
	Enabled        bool
	Insecure       bool // Use insecure connection (dev only)
}

// DefaultConfig returns local defaults. Telemetry is off until enabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "casegate",
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

// Provider manages OpenTelemetry trace and metric providers. A nil
// *Provider is valid and records nothing.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	runCounter       metric.Int64Counter
	stageCounter     metric.Int64Counter
	stageErrors      metric.Int64Counter
	stageDuration    metric.Float64Histogram
	ledgerAppends    metric.Int64Counter
	writebackTries   metric.Int64Counter
	activeRuns       metric.Int64UpDownCounter
	pendingReviewsUp metric.Int64UpDownCounter
}

// New creates a provider exporting over OTLP gRPC when config.Enabled.
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
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initPipelineMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init pipeline metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
		"insecure", config.Insecure,
	)
	return p, nil
}

// NewWithProviders builds a provider on caller-owned SDK providers, e.g. a
// manual metric reader in tests. Shutdown does not close them.
func NewWithProviders(mp metric.MeterProvider, tp trace.TracerProvider) (*Provider, error) {
	p := &Provider{
		config: DefaultConfig(),
		tracer: tp.Tracer(instrumentationName),
		meter:  mp.Meter(instrumentationName),
		logger: slog.Default().With("component", "observability"),
	}
	if err := p.initPipelineMetrics(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
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

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
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

func (p *Provider) initPipelineMetrics() error {
	var err error
	if p.runCounter, err = p.meter.Int64Counter("casegate.runs.total",
		metric.WithDescription("Runs that reached a resting state"),
		metric.WithUnit("{run}")); err != nil {
		return err
	}
	if p.stageCounter, err = p.meter.Int64Counter("casegate.stage.invocations",
		metric.WithDescription("Stage invocations"),
		metric.WithUnit("{invocation}")); err != nil {
		return err
	}
	if p.stageErrors, err = p.meter.Int64Counter("casegate.stage.errors",
		metric.WithDescription("Stage invocations that failed or timed out"),
		metric.WithUnit("{error}")); err != nil {
		return err
	}
	if p.stageDuration, err = p.meter.Float64Histogram("casegate.stage.duration",
		metric.WithDescription("Stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0)); err != nil {
		return err
	}
	if p.ledgerAppends, err = p.meter.Int64Counter("casegate.ledger.appends",
		metric.WithDescription("Ledger entries appended"),
		metric.WithUnit("{entry}")); err != nil {
		return err
	}
	if p.writebackTries, err = p.meter.Int64Counter("casegate.writeback.attempts",
		metric.WithDescription("External finalize attempts"),
		metric.WithUnit("{attempt}")); err != nil {
		return err
	}
	if p.activeRuns, err = p.meter.Int64UpDownCounter("casegate.runs.active",
		metric.WithDescription("Runs currently dispatched to a worker"),
		metric.WithUnit("{run}")); err != nil {
		return err
	}
	p.pendingReviewsUp, err = p.meter.Int64UpDownCounter("casegate.reviews.pending",
		metric.WithDescription("Runs parked for human review"),
		metric.WithUnit("{review}"))
	return err
}

// Shutdown flushes and stops the providers New created.
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

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// TrackStage opens a span for one stage invocation and returns the
// function that closes it and records duration and outcome.
func (p *Provider) TrackStage(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append(attrs, AttrStage.String(stage))
	ctx, span := p.StartSpan(ctx, "stage."+stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p != nil && p.stageCounter != nil {
		p.stageCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(err error) {
		if p != nil && p.stageDuration != nil {
			p.stageDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
			SetSpanStatus(ctx, err)
			if p != nil && p.stageErrors != nil {
				p.stageErrors.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))...))
			}
		}
		span.End()
	}
}

// RecordRun counts a run reaching status.
func (p *Provider) RecordRun(ctx context.Context, eventType, status, finalAction string) {
	if p == nil || p.runCounter == nil {
		return
	}
	p.runCounter.Add(ctx, 1, metric.WithAttributes(
		AttrEventType.String(eventType),
		AttrRunStatus.String(status),
		AttrFinalAction.String(finalAction),
	))
}

// RunActive moves the active-run gauge by delta.
func (p *Provider) RunActive(ctx context.Context, delta int64) {
	if p == nil || p.activeRuns == nil {
		return
	}
	p.activeRuns.Add(ctx, delta)
}

// ReviewPending moves the pending-review gauge by delta.
func (p *Provider) ReviewPending(ctx context.Context, reason string, delta int64) {
	if p == nil || p.pendingReviewsUp == nil {
		return
	}
	p.pendingReviewsUp.Add(ctx, delta, metric.WithAttributes(AttrReviewReason.String(reason)))
}

// RecordLedgerAppend counts one appended entry.
func (p *Provider) RecordLedgerAppend(ctx context.Context, action string) {
	if p == nil || p.ledgerAppends == nil {
		return
	}
	p.ledgerAppends.Add(ctx, 1, metric.WithAttributes(AttrLedgerAction.String(action)))
}

// RecordWritebackAttempt counts one finalize attempt.
func (p *Provider) RecordWritebackAttempt(ctx context.Context, attempt int, err error) {
	if p == nil || p.writebackTries == nil {
		return
	}
	p.writebackTries.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("casegate.writeback.attempt", attempt),
		attribute.Bool("casegate.writeback.success", err == nil),
	))
}
