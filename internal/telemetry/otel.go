// Package telemetry configures OpenTelemetry tracing.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Options selects where spans go and which of them are kept.
type Options struct {
	// Component names the binary ("api", "worker"). The service name defaults
	// to "rollcall-<component>" when ServiceName is empty.
	Component   string
	ServiceName string
	Environment string
	Endpoint    string
	Insecure    bool
	// SampleRatio is the share of root traces kept. Child spans follow their
	// parent's decision.
	SampleRatio float64
}

func (o Options) serviceName() string {
	if o.ServiceName != "" {
		return o.ServiceName
	}
	if o.Component == "" {
		return "rollcall"
	}
	return "rollcall-" + o.Component
}

// Resource describes this process to the trace backend.
func Resource(opts Options) *resource.Resource {
	attrs := []attribute.KeyValue{semconv.ServiceName(opts.serviceName())}
	if opts.Component != "" {
		attrs = append(attrs, attribute.String("rollcall.component", opts.Component))
	}
	if opts.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(opts.Environment))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

// Sampler keeps roughly ratio of new traces and honours the caller's decision
// for propagated ones.
func Sampler(ratio float64) trace.Sampler {
	switch {
	case ratio >= 1:
		return trace.ParentBased(trace.AlwaysSample())
	case ratio <= 0:
		return trace.ParentBased(trace.NeverSample())
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// Init installs an OTLP/HTTP tracer provider when an endpoint is set. With no
// endpoint the global no-op provider stays in place. The returned func flushes
// and stops the provider.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	if opts.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	exportOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		exportOpts = append(exportOpts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, exportOpts...)
	if err != nil {
		return nil, err
	}
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithSampler(Sampler(opts.SampleRatio)),
		trace.WithResource(Resource(opts)),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", "service", opts.serviceName(), "endpoint", opts.Endpoint, "sample_ratio", opts.SampleRatio)

	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("tracer provider shutdown failed", "error", err)
		}
		return nil
	}, nil
}
