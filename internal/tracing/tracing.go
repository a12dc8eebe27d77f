// Package tracing wires an in-process OpenTelemetry tracer for the
// reasoning pipeline. Grounded on the reference framework's
// telemetry/otel.go OTelProvider, trimmed down to a log-backed span
// exporter: this gateway runs without a collector dependency, so spans
// are exported by logging their name and duration rather than shipped
// over OTLP.
package tracing

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrelai/ensemble/internal/gatewaycore"
)

// Provider owns the process-wide TracerProvider and exposes a Tracer for
// the orchestrator and ingress layers to start spans from.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// New installs a log-backed TracerProvider as the process global and
// returns a Provider wrapping it. serviceName tags every span.
func New(serviceName string, logger gatewaycore.ComponentAwareLogger) *Provider {
	exporter := &logExporter{logger: logger.WithComponent("tracing")}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		tp:     tp,
		tracer: tp.Tracer(serviceName),
	}
}

// Tracer returns the tracer used to start spans for this service.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes and stops the provider. Safe to call once at process
// exit.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// StartThreadSpan starts a span covering one thinking thread's run,
// tagged with its thread id. Callers must call the returned func to end
// the span.
func StartThreadSpan(ctx context.Context, tracer trace.Tracer, threadID int) (context.Context, func()) {
	ctx, span := tracer.Start(ctx, "thread.run", trace.WithAttributes(
		attribute.Int("thread.id", threadID),
	))
	return ctx, func() { span.End() }
}

// StartRequestSpan starts a span covering one inbound HTTP request.
func StartRequestSpan(ctx context.Context, tracer trace.Tracer, requestID string) (context.Context, func()) {
	ctx, span := tracer.Start(ctx, "gateway.request", trace.WithAttributes(
		attribute.String("request.id", requestID),
	))
	return ctx, func() { span.End() }
}

// logExporter implements sdktrace.SpanExporter by logging each span's
// name, duration and attributes instead of shipping them over OTLP.
type logExporter struct {
	logger gatewaycore.Logger
	mu     sync.Mutex
}

func (e *logExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range spans {
		fields := map[string]interface{}{
			"span":        s.Name(),
			"duration_ms": s.EndTime().Sub(s.StartTime()) / time.Millisecond,
			"trace_id":    s.SpanContext().TraceID().String(),
		}
		for _, attr := range s.Attributes() {
			fields[string(attr.Key)] = attr.Value.AsInterface()
		}
		e.logger.Debug("span finished", fields)
	}
	return nil
}

func (e *logExporter) Shutdown(ctx context.Context) error {
	return nil
}
