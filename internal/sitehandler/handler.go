// Package sitehandler proxies page traffic to the upstream site and serves an
// embedded maintenance page while the upstream is unreachable.
package sitehandler

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httputil"
	"strconv"
	"time"

	"github.com/keithlinneman/siteguard/internal/httpmw"
	"github.com/keithlinneman/siteguard/internal/pathutil"
)

type Handler struct {
	opts  Options
	proxy *httputil.ReverseProxy
}

// NewTransport returns the upstream transport used when Options.Transport is nil.
func NewTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.ResponseHeaderTimeout = 15 * time.Second
	t.MaxIdleConnsPerHost = 32
	return t
}

func New(opts *Options) (*Handler, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Transport == nil {
		opts.Transport = NewTransport()
	}

	h := &Handler{opts: *opts}
	h.proxy = &httputil.ReverseProxy{
		Rewrite:        h.rewrite,
		Transport:      opts.Transport,
		ModifyResponse: h.modifyResponse,
		ErrorHandler:   h.upstreamError,
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// the site is read-only, writes are handled by our own API routes
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if pathutil.Unsafe(r.URL.EscapedPath()) {
		w.Header().Set("Cache-Control", "no-store")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	h.proxy.ServeHTTP(w, r)
}

func (h *Handler) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(h.opts.Upstream)
	if h.opts.PreserveHost {
		pr.Out.Host = pr.In.Host
	}

	ctx := pr.In.Context()
	// only the resolved client address is forwarded, never the inbound chain
	if ip := httpmw.ClientIPFromContext(ctx); ip != "" {
		pr.Out.Header.Set("X-Forwarded-For", ip)
		pr.Out.Header.Set("X-Real-IP", ip)
	}
	pr.Out.Header.Set("X-Forwarded-Host", pr.In.Host)
	pr.Out.Header.Set("X-Forwarded-Proto", forwardedProto(pr.In))
	if id := httpmw.RequestIDFromContext(ctx); id != "" {
		pr.Out.Header.Set("X-Request-Id", id)
	}
}

// forwardedProto trusts X-Forwarded-Proto because httpmw.ClientIPWithOptions strips it from untrusted peers.
func forwardedProto(r *http.Request) string {
	if p := r.Header.Get("X-Forwarded-Proto"); p == "https" || p == "http" {
		return p
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func (h *Handler) modifyResponse(resp *http.Response) error {
	resp.Header.Del("X-Powered-By")
	resp.Header.Del("Server")
	if resp.Header.Get("Cache-Control") == "" && resp.StatusCode < 400 {
		resp.Header.Set("Cache-Control", cacheControlForPath(resp.Request.URL.Path, &h.opts))
	}
	return nil
}

func (h *Handler) upstreamError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	// client went away, nothing to answer and nothing wrong upstream
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return
	}

	if h.opts.OnUpstreamError != nil {
		h.opts.OnUpstreamError(err)
	}
	h.opts.Logger.Warn(ctx, "upstream unavailable, serving maintenance page",
		"error", err,
		"upstream", h.opts.Upstream.Host,
	)
	h.serveMaintenance(w, r)
}

func (h *Handler) serveMaintenance(w http.ResponseWriter, r *http.Request) {
	// maintenance should never be cached
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Retry-After", strconv.Itoa(int(h.opts.RetryAfter/time.Second)))

	serveFileWithStatus(w, r, http.StatusServiceUnavailable, h.opts.FallbackFS, h.opts.MaintenanceFile)
}

// we want to serve a file but force an HTTP status code (503)
// but http.ServeFileFS writes a status code on its own so wrapping
// ResponseWriter and overriding the first WriteHeader call here
type statusOverrideWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusOverrideWriter) WriteHeader(code int) {
	if w.wroteHeader {
		w.ResponseWriter.WriteHeader(code)
		return
	}
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(w.status)
}

func (w *statusOverrideWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(w.status)
	}
	return w.ResponseWriter.Write(b)
}

func serveFileWithStatus(w http.ResponseWriter, r *http.Request, status int, fsys fs.FS, name string) {
	sw := &statusOverrideWriter{ResponseWriter: w, status: status}
	// ServeFileFS honours conditional headers, a 304 would hide the outage
	r = r.Clone(r.Context())
	r.Header.Del("If-Modified-Since")
	r.Header.Del("If-None-Match")
	r.Header.Del("Range")
	http.ServeFileFS(sw, r, fsys, name)
}
