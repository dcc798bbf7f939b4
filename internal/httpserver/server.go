package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/siteguard/internal/health"
	"github.com/keithlinneman/siteguard/internal/httpmw"
	"github.com/keithlinneman/siteguard/internal/log"
	"github.com/keithlinneman/siteguard/internal/otelx"
	"github.com/keithlinneman/siteguard/internal/xerrors"
)

// compressible lists the types siteguard compresses itself. The upstream
// usually compresses its own pages, in which case Content-Encoding is already
// set and chi leaves the body alone.
var compressible = []string{
	"text/html",
	"text/css",
	"text/javascript",
	"application/javascript",
	"application/json",
	"image/svg+xml",
}

// NewHandler assembles the public handler. main owns the *http.Server so it
// can drain it on shutdown.
func NewHandler(opts *Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	var h http.Handler = newRouter(opts)

	// innermost first; the first request-facing layer is the last one applied
	h = httpmw.CORS(opts.CORS)(h)
	h = httpmw.WithLogger(opts.Logger)(h)
	if opts.MetricsMW != nil {
		h = opts.MetricsMW(h)
	}
	h = httpmw.TraceResponseHeaders("X-Trace-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return otelx.ShouldTrace(r.URL.Path) }),
		// renamed to "METHOD route" by AnnotateHTTPRoute once chi has matched
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string { return r.Method }),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
	h = httpmw.ClientIPWithOptions(opts.ClientIPOpts)(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	if opts.UseRecoverMW {
		h = httpmw.Recover(opts.Logger, opts.OnPanic)(h)
	}
	// outermost, so 429s, panics and the maintenance page carry them too
	return httpmw.SecurityHeaders(httpmw.SecurityOptions{ContentSecurityPolicy: opts.ContentSecurityPolicy})(h)
}

func newRouter(opts *Options) chi.Router {
	r := chi.NewRouter()
	r.Use(httpmw.BindRoutes(r))
	r.Use(middleware.Compress(5, compressible...))
	r.Use(httpmw.AnnotateHTTPRoute)
	// before the limiter so rejections are logged with their status
	r.Use(httpmw.AccessLog(httpmw.AccessLogOptions{
		Skip: func(r *http.Request) bool { return !otelx.ShouldTrace(r.URL.Path) },
	}))
	if opts.RateLimitMW != nil {
		r.Use(exemptHealthChecks(opts.RateLimitMW))
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	r.Use(httpmw.MaxBody(maxBody))

	if opts.Health != nil {
		r.Get("/-/healthy", health.Handler(opts.Health, "ok\n"))
	}
	if opts.Readiness != nil {
		r.Get("/-/ready", health.Handler(opts.Readiness, "ready\n"))
	}
	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}
	// the site owns every path the API does not, including wrong methods on it
	if opts.SiteHandler != nil {
		r.NotFound(opts.SiteHandler.ServeHTTP)
		r.MethodNotAllowed(opts.SiteHandler.ServeHTTP)
	}
	return r
}

// exemptHealthChecks keeps load balancer checks under /-/ out of the rate limiter.
func exemptHealthChecks(limit func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limited := limit(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/-/") {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

// Listener timeouts, shared with opshttp. WriteTimeout covers the whole proxied
// response, so it stays above the upstream's 15s response header timeout.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 64 << 10
)

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start listens on opts.Port (8080 when unset) and serves the public handler.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	return Serve(ctx, opts.Logger, "public", NewServer(fmt.Sprintf(":%d", port), NewHandler(opts)))
}

// Serve listens on srv.Addr and serves in the background. The returned stop
// drains in-flight requests until its context ends and is safe to call twice.
func Serve(ctx context.Context, L log.Logger, name string, srv *http.Server) (func(context.Context) error, error) {
	if L == nil {
		L = log.Nop()
	}
	L = L.With("listener", name)

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", srv.Addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen %s for %s", srv.Addr, name)
	}

	go func() {
		L.Info(ctx, "listener started", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "listener failed")
		}
	}()

	var once sync.Once
	var stopErr error
	return func(sctx context.Context) error {
		once.Do(func() {
			L.Info(sctx, "listener draining")
			stopErr = srv.Shutdown(sctx)
		})
		return stopErr
	}, nil
}
