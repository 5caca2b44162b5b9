package tracing

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	httpTraceHeader = "X-Trace-ID"

	// 流消息字段：W3C 头以前缀存放，_traceId 供只认 trace id 的旧消费者读取
	streamHeaderPrefix = "_otel."
	redisTraceField    = "_traceId"
)

type ctxKeyTraceID struct{}

// HTTPMiddleware starts a server span per request and echoes the trace id.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !enabled.Load() {
			next.ServeHTTP(w, r)
			return
		}
		ctx, span := StartSpan(ExtractHTTP(r.Context(), r), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			),
		)
		defer span.End()

		ctx = withLogIDs(ctx)
		if traceID := TraceIDFromContext(ctx); traceID != "" {
			w.Header().Set(httpTraceHeader, traceID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractHTTP 优先 traceparent，其次 X-Trace-ID
func ExtractHTTP(ctx context.Context, req *http.Request) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if !enabled.Load() || req == nil {
		return ctx
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(req.Header))
	if TraceIDFromContext(ctx) != "" {
		return ctx
	}
	if tid := req.Header.Get(httpTraceHeader); tid != "" {
		return ContextWithTraceID(ctx, tid)
	}
	return ctx
}

func TraceIDFromContext(ctx context.Context) string {
	if !enabled.Load() || ctx == nil {
		return ""
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	s, _ := ctx.Value(ctxKeyTraceID{}).(string)
	return s
}

// ContextWithTraceID adopts a bare trace id as the remote parent.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if !enabled.Load() || traceID == "" {
		return ctx
	}
	ctx = context.WithValue(ctx, ctxKeyTraceID{}, traceID)
	tid, err := trace.TraceIDFromHex(traceID)
	if err != nil || !tid.IsValid() {
		return ctx
	}
	return trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))
}

// streamCarrier adapts XADD field values to the otel carrier interface.
type streamCarrier map[string]interface{}

func (c streamCarrier) Get(key string) string {
	switch v := c[streamHeaderPrefix+key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func (c streamCarrier) Set(key, value string) {
	c[streamHeaderPrefix+key] = value
}

func (c streamCarrier) Keys() []string {
	keys := make([]string, 0, 2)
	for k := range c {
		if strings.HasPrefix(k, streamHeaderPrefix) {
			keys = append(keys, strings.TrimPrefix(k, streamHeaderPrefix))
		}
	}
	return keys
}

// InjectRedisStream writes the trace context into stream message fields.
func InjectRedisStream(ctx context.Context, values map[string]interface{}) {
	if !enabled.Load() || ctx == nil || values == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, streamCarrier(values))
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		values[redisTraceField] = traceID
	}
}

// ExtractRedisStream restores the publisher's trace context on the consumer side.
func ExtractRedisStream(ctx context.Context, values map[string]interface{}) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if !enabled.Load() || values == nil {
		return ctx
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, streamCarrier(values))
	if TraceIDFromContext(ctx) != "" {
		return withLogIDs(ctx)
	}

	var traceID string
	switch v := values[redisTraceField].(type) {
	case nil:
		return ctx
	case string:
		traceID = v
	case []byte:
		traceID = string(v)
	default:
		traceID = fmt.Sprint(v)
	}
	return ContextWithTraceID(ctx, traceID)
}
