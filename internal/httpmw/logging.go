package httpmw

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/siteguard/internal/log"
)

// WithLogger stores a request-scoped logger in the context. Its fields come
// from the connection and from values earlier middleware resolved (request id,
// client address). Host, query string, headers and cookies are left out: they
// are client-controlled, and proxied query strings routinely carry tokens and
// tracking ids.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := RequestIDFromContext(ctx)

			client := ClientIPFromContext(ctx)
			if client == "" {
				client = r.RemoteAddr
			}
			peer := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peer); err == nil {
				peer = host
			}
			scheme := schemeFromRequest(r)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("client.address", client),
					attribute.String("network.peer.address", peer),
					attribute.String("url.scheme", scheme),
				)
			}

			L := base.With(
				"request_id", reqID,
				"client.address", client,
				"network.peer.address", peer,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

// AccessLogOptions configures AccessLog.
type AccessLogOptions struct {
	// Skip drops the log line for matching requests that succeeded. Failed
	// responses (>= 400, rate limit rejections included) are always logged.
	Skip func(*http.Request) bool
}

// AccessLog writes one "http request" line per request through the logger
// WithLogger attached, after the handler returns so the chi route is known.
func AccessLog(opts AccessLogOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &accessWriter{ResponseWriter: w, ctx: r.Context(), start: start}

			next.ServeHTTP(rw, r)
			rw.endWriteSpan()

			status := rw.statusOrOK()
			if status < 400 && opts.Skip != nil && opts.Skip(r) {
				return
			}

			var reqBytes int64
			if r.ContentLength > 0 {
				reqBytes = r.ContentLength
			}
			ctx := r.Context()
			log.FromContext(ctx).Info(ctx, "http request",
				"http.route", RoutePattern(r),
				"http.response.status_code", status,
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.request.body.size", reqBytes,
				"http.response.body.size", rw.bytes,
			)
		})
	}
}

// Scope tags the request logger and span with the handler name.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			L := log.FromContext(ctx).With("handler", handler)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

var validSchemes = map[string]bool{"http": true, "https": true}

// schemeFromRequest prefers X-Forwarded-Proto (ClientIP strips it from
// untrusted peers), then the request URL, then the TLS state.
func schemeFromRequest(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		if s := strings.ToLower(strings.TrimSpace(first)); validSchemes[s] {
			return s
		}
	}
	if r.URL != nil {
		if s := strings.ToLower(r.URL.Scheme); validSchemes[s] {
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// accessWriter records status and size, and times writes to the client in a
// response.write child span (slow readers show up there, not in the handler).
type accessWriter struct {
	http.ResponseWriter
	status int
	bytes  int64

	ctx     context.Context
	start   time.Time
	span    trace.Span
	began   bool
	blocked time.Duration
	err     error
}

func (w *accessWriter) statusOrOK() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *accessWriter) beginWriteSpan() {
	if w.began {
		return
	}
	w.began = true
	if !trace.SpanFromContext(w.ctx).IsRecording() {
		return
	}
	_, w.span = otel.Tracer("siteguard/httpmw").Start(w.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", time.Since(w.start).Seconds())),
	)
}

func (w *accessWriter) endWriteSpan() {
	if w.span == nil {
		return
	}
	w.span.SetAttributes(
		attribute.Int("http.response.status_code", w.statusOrOK()),
		attribute.Int64("http.response.body.size", w.bytes),
		attribute.Float64("http.server.write.block_seconds", w.blocked.Seconds()),
	)
	if w.err != nil {
		w.span.RecordError(w.err)
		w.span.SetStatus(codes.Error, w.err.Error())
	}
	w.span.End()
}

func (w *accessWriter) WriteHeader(code int) {
	w.beginWriteSpan()
	if w.status == 0 && code >= 200 {
		w.status = code
	}
	t := time.Now()
	w.ResponseWriter.WriteHeader(code)
	w.blocked += time.Since(t)
}

func (w *accessWriter) Write(p []byte) (int, error) {
	w.beginWriteSpan()
	if w.status == 0 {
		w.status = http.StatusOK
	}
	t := time.Now()
	n, err := w.ResponseWriter.Write(p)
	w.blocked += time.Since(t)
	w.bytes += int64(n)
	if err != nil && w.err == nil {
		w.err = err
	}
	return n, err
}

func (w *accessWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *accessWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
	}
	return h.Hijack()
}

func (w *accessWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
