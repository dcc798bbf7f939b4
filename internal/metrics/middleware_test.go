package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/siteguard/internal/httpmw"
)

// publicRouter mirrors the public listener: the middleware wraps a chi router
// with the inquiry route, a limiter that can reject, and the site as NotFound.
func publicRouter(m *ServerMetrics, limited *bool) http.Handler {
	r := chi.NewRouter()
	r.Use(httpmw.BindRoutes(r))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if *limited {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Post("/api/inquiries", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("fail") != "" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte("<html>page</html>"))
	})
	return m.Middleware(r)
}

func TestMiddleware_RouteLabels(t *testing.T) {
	m := New()
	limited := false
	h := publicRouter(m, &limited)

	for _, p := range []string{"/", "/about", "/services/platform?utm=x"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/inquiries", nil))

	pages := sample(t, m.reg, "http_requests_total", map[string]string{"method": "GET", "route": httpmw.RouteUnmatched, "status": "200"})
	if v := pages.GetCounter().GetValue(); v != 3 {
		t.Errorf("proxied pages = %v, want 3 on one series", v)
	}
	sample(t, m.reg, "http_requests_total", map[string]string{"method": "POST", "route": "/api/inquiries", "status": "202"})

	for _, s := range family(t, m.reg, "http_requests_total").GetMetric() {
		if r := labelsOf(s)["route"]; r != httpmw.RouteUnmatched && r != "/api/inquiries" {
			t.Errorf("unexpected route label %q", r)
		}
	}
	if n := sample(t, m.reg, "http_response_size_bytes", map[string]string{"route": httpmw.RouteUnmatched}).GetHistogram().GetSampleSum(); n != 3*float64(len("<html>page</html>")) {
		t.Errorf("page bytes = %v", n)
	}
}

func TestMiddleware_RejectionKeepsRoute(t *testing.T) {
	m := New()
	limited := true
	h := publicRouter(m, &limited)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/inquiries", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/pricing", nil))

	if v := sample(t, m.reg, "http_requests_total", map[string]string{"route": "/api/inquiries", "status": "429"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("429 on inquiry route = %v", v)
	}
	sample(t, m.reg, "http_requests_total", map[string]string{"route": httpmw.RouteUnmatched, "status": "429"})
}

func TestMiddleware_ServerErrorsCounted(t *testing.T) {
	m := New()
	limited := false
	h := publicRouter(m, &limited)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/inquiries?fail=1", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/inquiries", nil))

	errs := family(t, m.reg, "http_errors_total").GetMetric()
	if len(errs) != 1 || errs[0].GetCounter().GetValue() != 1 || labelsOf(errs[0])["route"] != "/api/inquiries" {
		t.Fatalf("http_errors_total = %v", errs)
	}
	if n := family(t, m.reg, "http_inflight_requests").GetMetric()[0].GetGauge().GetValue(); n != 0 {
		t.Fatalf("inflight = %v after requests finished", n)
	}
}

func TestMiddleware_EarlyHintsNotRecorded(t *testing.T) {
	m := New()
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusEarlyHints)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	sample(t, m.reg, "http_requests_total", map[string]string{"status": "503"})
}

func TestTraceExemplar(t *testing.T) {
	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctxWith := func(flags trace.TraceFlags) context.Context {
		return trace.ContextWithSpanContext(context.Background(),
			trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: flags}))
	}

	if ex := traceExemplar(ctxWith(trace.FlagsSampled)); ex["trace_id"] != tid.String() {
		t.Fatalf("sampled exemplar = %v", ex)
	}
	if ex := traceExemplar(ctxWith(0)); ex != nil {
		t.Fatalf("unsampled exemplar = %v", ex)
	}
	if ex := traceExemplar(context.Background()); ex != nil {
		t.Fatalf("exemplar without a span = %v", ex)
	}
}
