// Package tracing records OpenTelemetry spans for session connects, turns
// and approval decisions.
//
// Spans are exported over OTLP/HTTP when OTEL_EXPORTER_OTLP_ENDPOINT is set.
// Otherwise every tracer is a no-op.
package tracing

import (
	"context"
	"net/url"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const endpointEnv = "OTEL_EXPORTER_OTLP_ENDPOINT"

var (
	mu          sync.Mutex
	started     bool
	serviceName = "codey-client"
	provider    trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider *sdktrace.TracerProvider
)

// SetServiceName names this process in exported spans. It has no effect
// once the first tracer was handed out.
func SetServiceName(name string) {
	mu.Lock()
	defer mu.Unlock()
	if !started && name != "" {
		serviceName = name
	}
}

// start installs the exporting provider on first use. Exporter errors leave
// the no-op provider in place.
func start() {
	if started {
		return
	}
	started = true

	endpoint := os.Getenv(endpointEnv)
	if endpoint == "" {
		return
	}

	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx, exporterOptions(endpoint)...)
	if err != nil {
		return
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
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

func exporterOptions(endpoint string) []otlptracehttp.Option {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpointHost(endpoint))}
	if !strings.HasPrefix(endpoint, "https://") {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts
}

// endpointHost reduces an endpoint URL to host[:port], the form
// otlptracehttp.WithEndpoint expects.
func endpointHost(endpoint string) string {
	if !strings.Contains(endpoint, "://") {
		return strings.TrimRight(endpoint, "/")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	return u.Host
}

// Tracer returns a named tracer.
func Tracer(name string) trace.Tracer {
	mu.Lock()
	defer mu.Unlock()
	start()
	return provider.Tracer(name)
}

// Shutdown flushes buffered spans. It is a no-op when nothing is exported.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	p := sdkProvider
	mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Shutdown(ctx)
}
