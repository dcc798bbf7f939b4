package httpmw

import "net/http"

// DefaultContentSecurityPolicy guards framing, plugins and base/form targets
// only. Script, style and image sources are left to the upstream's own policy,
// which knows its hydration nonces and CMS media origins.
const DefaultContentSecurityPolicy = "frame-ancestors 'none'; object-src 'none'; base-uri 'self'; form-action 'self'; upgrade-insecure-requests"

// SecurityOptions configures SecurityHeaders.
type SecurityOptions struct {
	// ContentSecurityPolicy is sent when the response carries none, empty uses DefaultContentSecurityPolicy
	ContentSecurityPolicy string
}

// SecurityHeaders sets baseline security headers on every response, including
// 429s and the maintenance page. Each header is filled in only where the handler
// did not set its own, so a proxied page keeps the upstream's policy instead of
// carrying two. Cross-Origin-Embedder-Policy is never added: require-corp would
// block media served from the CMS origin.
func SecurityHeaders(opts SecurityOptions) func(http.Handler) http.Handler {
	csp := opts.ContentSecurityPolicy
	if csp == "" {
		csp = DefaultContentSecurityPolicy
	}
	defaults := [][2]string{
		{"Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload"},
		{"X-Content-Type-Options", "nosniff"},
		{"Referrer-Policy", "strict-origin-when-cross-origin"},
		{"Permissions-Policy", "accelerometer=(), camera=(), geolocation=(), gyroscope=(), magnetometer=(), microphone=(), payment=(), usb=()"},
		{"X-Permitted-Cross-Domain-Policies", "none"},
		{"Content-Security-Policy", csp},
		{"X-Frame-Options", "DENY"},
		{"Cross-Origin-Opener-Policy", "same-origin"},
		{"Cross-Origin-Resource-Policy", "same-origin"},
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(&defaultHeaderWriter{ResponseWriter: w, defaults: defaults}, r)
		})
	}
}

// defaultHeaderWriter adds missing defaults when the response header is sent.
// The upstream's headers are only known at that point: ReverseProxy copies
// them with Add right before WriteHeader.
type defaultHeaderWriter struct {
	http.ResponseWriter
	defaults [][2]string
	sent     bool
}

func (w *defaultHeaderWriter) fill() {
	if w.sent {
		return
	}
	w.sent = true
	h := w.ResponseWriter.Header()
	for _, kv := range w.defaults {
		if len(h.Values(kv[0])) == 0 {
			h.Set(kv[0], kv[1])
		}
	}
}

func (w *defaultHeaderWriter) WriteHeader(code int) {
	// 1xx responses are followed by the real header block
	if code >= 200 {
		w.fill()
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *defaultHeaderWriter) Write(p []byte) (int, error) {
	w.fill()
	return w.ResponseWriter.Write(p)
}

func (w *defaultHeaderWriter) Flush() {
	w.fill()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer (ReverseProxy flushes and hijacks through it).
func (w *defaultHeaderWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
