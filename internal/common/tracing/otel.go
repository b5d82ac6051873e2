// Package tracing initializes the process-wide OTel tracer used by the HTTP
// surface and the agent invoker.
//
// Tracing activates only when an OTLP endpoint is configured through the
// standard OTEL_EXPORTER_OTLP_ENDPOINT (or the traces-specific variant);
// otherwise every tracer returned is a no-op with zero overhead.
package tracing

import (
	"context"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultServiceName = "agentq"

var (
	initOnce    sync.Once
	provider    trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider *sdktrace.TracerProvider
)

// enabled reports whether an OTLP endpoint is configured. The exporter reads
// the endpoint, scheme, and headers from the standard OTEL_* variables on its
// own, so no further parsing happens here.
func enabled() bool {
	return os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" ||
		os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT") != ""
}

func initTracing() {
	if !enabled() {
		return
	}
	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		// Tracing is optional; a broken exporter must not take the
		// process down.
		return
	}

	// OTEL_SERVICE_NAME and OTEL_RESOURCE_ATTRIBUTES take precedence over
	// the built-in service name.
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(defaultServiceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		res = resource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	provider = sdkProvider
	otel.SetTracerProvider(provider)
}

// Tracer returns a named tracer, initializing the provider on first use.
func Tracer(name string) trace.Tracer {
	initOnce.Do(initTracing)
	return provider.Tracer(name)
}

// Shutdown flushes buffered spans. Safe to call when tracing never started.
func Shutdown(ctx context.Context) error {
	if sdkProvider == nil {
		return nil
	}
	return sdkProvider.Shutdown(ctx)
}
