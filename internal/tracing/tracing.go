// Package tracing owns the OTel setup and the span helpers the outbound
// clients use. Spans are cheap no-ops until Initialize enables export.
package tracing

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultService = "mnemo-core"

var active atomic.Pointer[oteltrace.Tracer]

// Config holds tracing configuration.
type Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func current() oteltrace.Tracer {
	if t := active.Load(); t != nil {
		return *t
	}
	t := otel.Tracer(defaultService)
	active.Store(&t)
	return t
}

// Initialize wires the OTLP/gRPC exporter when enabled. Disabled tracing
// still installs a tracer handle so the helpers below stay valid.
func Initialize(cfg Config, logger *zap.Logger) error {
	name := cfg.ServiceName
	if name == "" {
		name = defaultService
	}

	if !cfg.Enabled {
		t := otel.Tracer(name)
		active.Store(&t)
		logger.Info("Tracing disabled")
		return nil
	}

	endpoint := cfg.OTLPEndpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	ctx := context.Background()
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("otlp exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		return fmt.Errorf("otel resource: %w", err)
	}

	otel.SetTracerProvider(sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	))
	t := otel.Tracer(name)
	active.Store(&t)

	logger.Info("Tracing initialized",
		zap.String("service", name),
		zap.String("endpoint", endpoint),
	)
	return nil
}

// StartSpan opens a span for an internal pipeline stage.
func StartSpan(ctx context.Context, name string) (context.Context, oteltrace.Span) {
	return current().Start(ctx, name)
}

// StartHTTPSpan opens a client span for an outbound HTTP call.
func StartHTTPSpan(ctx context.Context, method, url string) (context.Context, oteltrace.Span) {
	ctx, span := current().Start(ctx, "HTTP "+method,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient))
	span.SetAttributes(
		semconv.HTTPRequestMethodKey.String(method),
		semconv.URLFull(url),
	)
	return ctx, span
}

// W3CTraceparent renders the current span context in traceparent form, or
// "" when there is no recorded span.
func W3CTraceparent(ctx context.Context) string {
	sc := oteltrace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return fmt.Sprintf("00-%s-%s-%02x", sc.TraceID(), sc.SpanID(), sc.TraceFlags())
}

// InjectTraceparent propagates the span context on an outbound request.
func InjectTraceparent(ctx context.Context, req *http.Request) {
	if tp := W3CTraceparent(ctx); tp != "" {
		req.Header.Set("traceparent", tp)
	}
}
