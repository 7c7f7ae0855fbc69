package tracing

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Options configures the bot's tracer provider.
type Options struct {
	ServiceName    string
	ServiceVersion string
	// SampleRatio is the share of root traces kept, 0..1.
	SampleRatio float64
	// SpanLogger receives every finished span at debug level when set.
	SpanLogger *zerolog.Logger
}

// Provider owns the tracer provider installed by Setup.
type Provider struct {
	tp  *sdktrace.TracerProvider
	res *resource.Resource
}

// Setup builds a tracer provider from opts and installs it as the global one.
func Setup(opts Options) (*Provider, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "mixdown"
	}
	if opts.SampleRatio < 0 || opts.SampleRatio > 1 {
		return nil, fmt.Errorf("sample ratio must be between 0 and 1, got %g", opts.SampleRatio)
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(opts.ServiceName)}
	if opts.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.ServiceVersion))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to build tracing resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
		sdktrace.WithResource(res),
	}
	if opts.SpanLogger != nil {
		tpOpts = append(tpOpts, sdktrace.WithSyncer(&logExporter{logger: *opts.SpanLogger}))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, res: res}, nil
}

// Resource returns the resource attached to every span.
func (p *Provider) Resource() *resource.Resource {
	return p.res
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// logExporter writes finished spans to a zerolog logger.
type logExporter struct {
	logger zerolog.Logger
}

func (e *logExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		ev := e.logger.Debug().
			Str("span", s.Name()).
			Str("trace_id", s.SpanContext().TraceID().String()).
			Dur("elapsed", s.EndTime().Sub(s.StartTime())).
			Str("status", s.Status().Code.String())
		for _, kv := range s.Attributes() {
			ev = ev.Str(string(kv.Key), kv.Value.Emit())
		}
		ev.Msg("Span finished")
	}
	return nil
}

func (e *logExporter) Shutdown(ctx context.Context) error {
	return nil
}

// StartSpan starts a span and carries its trace id into the context so log
// lines of the same event share it.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}
