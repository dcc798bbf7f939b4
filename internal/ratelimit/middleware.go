package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/keithlinneman/siteguard/internal/httpmw"
	"github.com/keithlinneman/siteguard/internal/log"
)

// rejection is the 429 response body
type rejection struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter"`
}

// ClientKey is the default key: the IP resolved by httpmw.ClientIPWithOptions, or the
// request's own remote address when that middleware did not run.
func ClientKey(r *http.Request) string {
	if ip := httpmw.ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	return httpmw.ClientIPFromRequest(r, httpmw.ClientIPOptions{})
}

// Handle admits r by calling next, or writes a terminal 429 and does not call next.
func (l *Limiter) Handle(w http.ResponseWriter, r *http.Request, next http.Handler) {
	d := l.CheckAndRecord(r.Context(), l.keyFunc(r))

	if l.cfg.EnableHeaders && !d.FailOpen {
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(unixCeil(d.ResetAt.UnixMilli()), 10))
	}

	if !d.Allowed {
		log.FromContext(r.Context()).Debug(r.Context(), "rate limit exceeded", "limiter", l.cfg.Name)
		l.reject(w)
		// a 429 is a failed response too
		if l.cfg.SkipFailedRequests {
			l.Forget(r.Context(), d)
		}
		return
	}

	if d.entryID == "" || (!l.cfg.SkipSuccessfulRequests && !l.cfg.SkipFailedRequests) {
		next.ServeHTTP(w, r)
		return
	}

	sw := &statusRecorder{ResponseWriter: w}
	next.ServeHTTP(sw, r)

	status := sw.status
	if status == 0 {
		status = http.StatusOK
	}
	if (status < 400 && l.cfg.SkipSuccessfulRequests) || (status >= 400 && l.cfg.SkipFailedRequests) {
		l.Forget(r.Context(), d)
	}
}

// Middleware adapts Handle to the middleware chain.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l.Handle(w, r, next)
	})
}

func (l *Limiter) reject(w http.ResponseWriter) {
	secs := l.cfg.retryAfterSeconds()
	body, _ := json.Marshal(rejection{
		Error:      "Too Many Requests",
		Message:    "Too many requests from this client, retry after " + strconv.FormatInt(secs, 10) + " seconds.",
		RetryAfter: secs,
	})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write(body)
}

func unixCeil(ms int64) int64 {
	s := ms / 1000
	if ms%1000 != 0 {
		s++
	}
	return s
}

// statusRecorder captures the status the wrapped handler wrote
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer
func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }
