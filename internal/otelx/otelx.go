// Package otelx sets up tracing for siteguard: the global tracer provider, the
// propagators, and the shared rules for which requests are worth a span.
package otelx

import (
	"context"
	"net/http"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/keithlinneman/siteguard/internal/xerrors"
)

type Options struct {
	Enabled   bool
	Endpoint  string
	Insecure  bool
	Sample    float64
	Service   string
	Component string
	Version   string
}

// dialTimeout bounds the exporter dial, which otherwise blocks forever. The
// collector runs on the same host, so a slow dial means it is not there.
const dialTimeout = 3 * time.Second

var propagator = propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})

// Init installs the global tracer provider and propagators. When tracing is
// disabled the provider records nothing, but incoming trace context is still
// propagated to the upstream so the site's own traces stay connected.
func Init(ctx context.Context, o Options) (shutdown func(context.Context) error, err error) {
	otel.SetTextMapPropagator(propagator)
	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newExporter(ctx, o)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(o.Sample))),
		sdktrace.WithBatcher(exp, sdktrace.WithMaxQueueSize(2048), sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(newResource(ctx, o)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, o Options) (*otlptrace.Exporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(o.Endpoint)}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	exp, err := otlptracegrpc.New(dialCtx, opts...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "otlp exporter for %s", o.Endpoint)
	}
	return exp, nil
}

// newResource names the service "siteguard.<component>". Detector failures
// fall back to the default resource rather than failing startup.
func newResource(ctx context.Context, o Options) *resource.Resource {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(o.Service+"."+o.Component),
			semconv.ServiceVersionKey.String(o.Version),
		),
	)
	if err != nil {
		return resource.Default()
	}
	return res
}

var (
	untracedPaths    = map[string]bool{"/favicon.ico": true, "/favicon.svg": true, "/robots.txt": true, "/sitemap.xml": true}
	untracedPrefixes = []string{"/-/", "/_next/static/", "/_next/image"}
	untracedExts     = map[string]bool{
		".css": true, ".js": true, ".map": true,
		".png": true, ".jpg": true, ".jpeg": true, ".webp": true, ".avif": true, ".svg": true, ".ico": true,
		".woff": true, ".woff2": true,
	}
)

// ShouldTrace reports whether a request path deserves a server span and an
// access log line. Health checks and static assets drown out pages and the API.
func ShouldTrace(p string) bool {
	if untracedPaths[p] || untracedExts[strings.ToLower(path.Ext(p))] {
		return false
	}
	for _, prefix := range untracedPrefixes {
		if strings.HasPrefix(p, prefix) {
			return false
		}
	}
	return true
}

// Transport instruments upstream round trips so proxy latency shows up as a
// client span under the server span and the trace context reaches the upstream.
func Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "upstream " + r.Method
		}),
	)
}
