// Package trace provides distributed tracing for training runs. It
// integrates the OpenTelemetry SDK to emit spans for epochs, train steps,
// validation passes, and checkpoint writes, exported to Jaeger, Zipkin,
// or an OTLP collector depending on configuration.
package trace

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/Jwoo5/ai612-project2-2023/pkg/config"
	"github.com/Jwoo5/ai612-project2-2023/pkg/types"
)

// ============================================================================
// Tracer Interface
// ============================================================================

// Tracer defines the tracing interface the training loop depends on
type Tracer interface {
	// Start creates a new span
	Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span)

	// GetTraceID returns trace ID from context
	GetTraceID(ctx context.Context) string

	// GetSpanID returns span ID from context
	GetSpanID(ctx context.Context) string

	// Shutdown flushes pending spans and shuts down the tracer
	Shutdown(ctx context.Context) error
}

// ============================================================================
// OpenTelemetry Tracer Implementation
// ============================================================================

// OtelTracer wraps OpenTelemetry tracer
type OtelTracer struct {
	tracer      trace.Tracer
	provider    *sdktrace.TracerProvider
	serviceName string
}

// ============================================================================
// Tracer Initialization
// ============================================================================

// NewTracer creates a tracer from the tracing configuration. A backend of
// "none" (or empty) yields a no-op tracer, so callers never branch on
// whether tracing is enabled.
func NewTracer(cfg config.TracingConfig, serviceVersion string) (Tracer, error) {
	backend := types.TraceBackend(cfg.Backend)
	if backend == "" || backend == types.TraceBackendNone {
		return NewNoopTracer(), nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "ai612-train"
	}

	// Create resource
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create exporter based on backend
	var exporter sdktrace.SpanExporter
	switch backend {
	case types.TraceBackendJaeger:
		exporter, err = createJaegerExporter(cfg.Endpoint)
	case types.TraceBackendZipkin:
		exporter, err = createZipkinExporter(cfg.Endpoint)
	case types.TraceBackendOTLP:
		exporter, err = createOTLPExporter(cfg.Endpoint)
	default:
		return nil, fmt.Errorf("unsupported tracing backend: %s", cfg.Backend)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	// Create sampler
	sampler := sdktrace.ParentBased(
		sdktrace.TraceIDRatioBased(cfg.SamplingRate),
	)

	// Create trace provider
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	// Create tracer
	tracer := tp.Tracer(
		serviceName,
		trace.WithInstrumentationVersion(serviceVersion),
	)

	return &OtelTracer{
		tracer:      tracer,
		provider:    tp,
		serviceName: serviceName,
	}, nil
}

// ============================================================================
// Exporter Creation
// ============================================================================

// createJaegerExporter creates a Jaeger exporter
func createJaegerExporter(endpoint string) (sdktrace.SpanExporter, error) {
	return jaeger.New(
		jaeger.WithCollectorEndpoint(
			jaeger.WithEndpoint(endpoint),
		),
	)
}

// createZipkinExporter creates a Zipkin exporter
func createZipkinExporter(endpoint string) (sdktrace.SpanExporter, error) {
	return zipkin.New(endpoint)
}

// createOTLPExporter creates an OTLP exporter
func createOTLPExporter(endpoint string) (sdktrace.SpanExporter, error) {
	ctx := context.Background()
	client := otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	return otlptrace.New(ctx, client)
}

// ============================================================================
// Tracer Methods
// ============================================================================

// Start creates a new span
func (t *OtelTracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

// GetTraceID returns trace ID from context
func (t *OtelTracer) GetTraceID(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.HasTraceID() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// GetSpanID returns span ID from context
func (t *OtelTracer) GetSpanID(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.HasSpanID() {
		return spanCtx.SpanID().String()
	}
	return ""
}

// Shutdown flushes pending spans and shuts down the tracer
func (t *OtelTracer) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// ============================================================================
// Span Helpers
// ============================================================================

// SetSpanAttributes sets attributes on current span
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attrs...)
}

// RecordSpanError records an error on current span
func RecordSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AddSpanEvent adds an event to current span
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// ============================================================================
// Common Attribute Constructors
// ============================================================================

// StringAttr creates a string attribute
func StringAttr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// IntAttr creates an int attribute
func IntAttr(key string, value int) attribute.KeyValue {
	return attribute.Int(key, value)
}

// Int64Attr creates an int64 attribute
func Int64Attr(key string, value int64) attribute.KeyValue {
	return attribute.Int64(key, value)
}

// Float64Attr creates a float64 attribute
func Float64Attr(key string, value float64) attribute.KeyValue {
	return attribute.Float64(key, value)
}

// BoolAttr creates a bool attribute
func BoolAttr(key string, value bool) attribute.KeyValue {
	return attribute.Bool(key, value)
}

// ============================================================================
// Training Attributes
// ============================================================================

// RunIDAttr identifies the training run a span belongs to
func RunIDAttr(runID string) attribute.KeyValue {
	return attribute.String("run.id", runID)
}

// RankAttr identifies the worker rank that produced a span
func RankAttr(rank int) attribute.KeyValue {
	return attribute.Int("run.rank", rank)
}

// EpochAttr records the epoch a span covers
func EpochAttr(epoch int) attribute.KeyValue {
	return attribute.Int("run.epoch", epoch)
}

// NumUpdatesAttr records the update counter at span time
func NumUpdatesAttr(numUpdates int) attribute.KeyValue {
	return attribute.Int("run.num_updates", numUpdates)
}

// SplitAttr records the dataset split a span operates on
func SplitAttr(split string) attribute.KeyValue {
	return attribute.String("run.split", split)
}

// ============================================================================
// Utility Functions
// ============================================================================

// TraceFunc wraps a function with tracing
func TraceFunc(ctx context.Context, tracer Tracer, name string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		RecordSpanError(ctx, err)
	}

	return err
}

// TraceFuncWithResult wraps a function with tracing and returns result
func TraceFuncWithResult[T any](ctx context.Context, tracer Tracer, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()

	result, err := fn(ctx)
	if err != nil {
		RecordSpanError(ctx, err)
	}

	return result, err
}

// ============================================================================
// No-op Tracer
// ============================================================================

// NoopTracer is a tracer that does nothing
type NoopTracer struct{}

// NewNoopTracer creates a no-op tracer
func NewNoopTracer() Tracer {
	return &NoopTracer{}
}

func (t *NoopTracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

func (t *NoopTracer) GetTraceID(ctx context.Context) string {
	return ""
}

func (t *NoopTracer) GetSpanID(ctx context.Context) string {
	return ""
}

func (t *NoopTracer) Shutdown(ctx context.Context) error {
	return nil
}

// ============================================================================
// Timing Utilities
// ============================================================================

// Timer helps measure operation duration
type Timer struct {
	start time.Time
	span  trace.Span
}

// StartTimer starts a new timer with span
func StartTimer(ctx context.Context, tracer Tracer, name string) (*Timer, context.Context) {
	ctx, span := tracer.Start(ctx, name)
	return &Timer{
		start: time.Now(),
		span:  span,
	}, ctx
}

// Stop stops the timer and records duration
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.start)
	t.span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))
	t.span.End()
	return duration
}
