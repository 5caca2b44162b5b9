// Package tracing wires OpenTelemetry for the saga services and carries trace
// context across HTTP requests and Redis Stream messages.
package tracing

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/filesaga/platform/pkg/logger"
)

// Config 由 TRACING_* 环境变量加载
type Config struct {
	ServiceName string
	Endpoint    string // Jaeger collector endpoint
	Enabled     bool
	SampleRate  float64
}

const (
	tracerName     = "filesaga/saga"
	fallbackName   = "saga.span"
	unknownService = "filesaga"

	AttrSagaID = attribute.Key("saga.id")
	AttrStep   = attribute.Key("saga.step")
	AttrAction = attribute.Key("saga.compensation")
)

var enabled atomic.Bool

func noopShutdown(context.Context) error { return nil }

// Init installs the global provider and propagator. Disabled tracing still
// installs the propagator so inbound traceparent headers survive a hop.
func Init(cfg Config) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		enabled.Store(false)
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return noopShutdown, nil
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("tracing enabled without collector endpoint")
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
	if err != nil {
		return nil, fmt.Errorf("jaeger exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = unknownService
	}
	res, err := sdkresource.New(context.Background(),
		sdkresource.WithAttributes(attribute.String("service.name", name)),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRate(cfg.SampleRate)))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	enabled.Store(true)
	return tp.Shutdown, nil
}

func clampRate(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// Enabled reports whether Init installed a real provider.
func Enabled() bool {
	return enabled.Load()
}

// StartSpan 开始一个 span；未启用时返回不记录的 span
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !enabled.Load() {
		return ctx, trace.SpanFromContext(context.Background())
	}
	if name == "" {
		name = fallbackName
	}
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartSagaSpan starts a span tagged with the saga id and step, and copies the
// ids into the logger context so log lines and spans can be joined.
func StartSagaSpan(ctx context.Context, name, sagaID, step string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{AttrSagaID.String(sagaID)}
	if step != "" {
		attrs = append(attrs, AttrStep.String(step))
	}
	ctx, span := StartSpan(ctx, name, trace.WithAttributes(attrs...))
	if sagaID != "" {
		ctx = logger.ContextWithSagaID(ctx, sagaID)
	}
	return withLogIDs(ctx), span
}

func withLogIDs(ctx context.Context) context.Context {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ctx
	}
	ctx = logger.ContextWithTraceID(ctx, sc.TraceID().String())
	return logger.ContextWithSpanID(ctx, sc.SpanID().String())
}

// AddEvent 在当前 span 上记事件
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if span := recordingSpan(ctx); span != nil {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// SetError 标记当前 span 失败
func SetError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if span := recordingSpan(ctx); span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func recordingSpan(ctx context.Context) trace.Span {
	if !enabled.Load() || ctx == nil {
		return nil
	}
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return nil
	}
	return span
}
