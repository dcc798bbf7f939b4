package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/siteguard/internal/httpmw"
	"github.com/keithlinneman/siteguard/internal/log"
)

type stubCheck struct{ err error }

func (c stubCheck) Check(context.Context) error { return c.err }

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

// rejectAll stands in for a limiter whose budget is spent.
func rejectAll(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	})
}

func TestNewHandler_Routing(t *testing.T) {
	site := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Served-By", "site")
		w.WriteHeader(http.StatusOK)
	})
	h := NewHandler(&Options{
		Health:    stubCheck{},
		Readiness: stubCheck{err: errors.New("store unreachable")},
		APIRoutes: func(r chi.Router) {
			r.Post("/api/inquiries", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) })
		},
		SiteHandler: site,
	})

	tests := []struct {
		method, path string
		status       int
		site         bool
	}{
		{http.MethodPost, "/api/inquiries", http.StatusAccepted, false},
		{http.MethodGet, "/api/inquiries", http.StatusOK, true},
		{http.MethodGet, "/services/platform", http.StatusOK, true},
		{http.MethodGet, "/-/healthy", http.StatusOK, false},
		{http.MethodGet, "/-/ready", http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := serve(h, tt.method, tt.path)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if got := rec.Header().Get("X-Served-By") == "site"; got != tt.site {
				t.Fatalf("served by site = %v, want %v", got, tt.site)
			}
		})
	}
}

func TestNewHandler_RejectionsKeepOuterHeaders(t *testing.T) {
	reached := false
	h := NewHandler(&Options{
		Health:      stubCheck{},
		RateLimitMW: rejectAll,
		SiteHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { reached = true }),
	})
	rec := serve(h, http.MethodGet, "/pricing")

	if rec.Code != http.StatusTooManyRequests || reached {
		t.Fatalf("status = %d, site reached = %v", rec.Code, reached)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("429 missing X-Request-Id")
	}
	if got := rec.Header().Get("Content-Security-Policy"); got != httpmw.DefaultContentSecurityPolicy {
		t.Errorf("429 Content-Security-Policy = %q", got)
	}
}

func TestNewHandler_HealthChecksBypassLimiter(t *testing.T) {
	h := NewHandler(&Options{Health: stubCheck{}, Readiness: stubCheck{}, RateLimitMW: rejectAll})
	for _, p := range []string{"/-/healthy", "/-/ready"} {
		if rec := serve(h, http.MethodGet, p); rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, want 200", p, rec.Code)
		}
	}
}

func TestNewHandler_ConfiguredContentSecurityPolicy(t *testing.T) {
	const csp = "default-src 'self'"
	h := NewHandler(&Options{
		ContentSecurityPolicy: csp,
		APIRoutes: func(r chi.Router) {
			r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{}`)) })
		},
	})
	if got := serve(h, http.MethodGet, "/api/status").Header().Get("Content-Security-Policy"); got != csp {
		t.Fatalf("Content-Security-Policy = %q, want %q", got, csp)
	}
}

func TestNewHandler_PreflightNotLimited(t *testing.T) {
	limited := false
	h := NewHandler(&Options{
		Health: stubCheck{},
		CORS:   httpmw.CORSOptions{AllowedOrigins: []string{"https://www.example.com"}},
		RateLimitMW: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				limited = true
				rejectAll(next).ServeHTTP(w, r)
			})
		},
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/inquiries", nil)
	req.Header.Set("Origin", "https://www.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://www.example.com" || limited {
		t.Fatalf("preflight headers %v, limited = %v", rec.Header(), limited)
	}
}

func TestNewHandler_RecoverCountsPanics(t *testing.T) {
	panics := 0
	h := NewHandler(&Options{
		Logger:       log.Nop(),
		UseRecoverMW: true,
		OnPanic:      func() { panics++ },
		APIRoutes: func(r chi.Router) {
			r.Post("/api/inquiries", func(http.ResponseWriter, *http.Request) { panic("sink misconfigured") })
		},
	})
	rec := serve(h, http.MethodPost, "/api/inquiries")
	if rec.Code != http.StatusInternalServerError || panics != 1 {
		t.Fatalf("status = %d, panics = %d", rec.Code, panics)
	}
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Fatal("500 missing security headers")
	}
}

func TestNewHandler_CompressesAPIJSON(t *testing.T) {
	h := NewHandler(&Options{APIRoutes: func(r chi.Router) {
		r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"` + strings.Repeat("ok", 512) + `"}`))
		})
	}})
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
	}
}

func TestNewServer_WriteTimeoutCoversUpstream(t *testing.T) {
	srv := NewServer(":0", http.NotFoundHandler())
	if srv.ReadHeaderTimeout == 0 || srv.ReadTimeout == 0 || srv.IdleTimeout == 0 {
		t.Fatal("read and idle timeouts must be set")
	}
	// sitehandler's upstream may take 15s to send headers
	if srv.WriteTimeout <= 15*time.Second {
		t.Fatalf("WriteTimeout = %s, shorter than the upstream header timeout", srv.WriteTimeout)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestStart_ServeAndStop(t *testing.T) {
	ctx := context.Background()
	opts := &Options{Logger: log.Nop(), Port: freePort(t)}
	stop, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := Start(ctx, opts); err == nil {
		t.Fatal("second Start on the same port succeeded")
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/", opts.Port)
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("live response missing X-Request-Id")
	}

	for i := 0; i < 2; i++ {
		if err := stop(ctx); err != nil {
			t.Fatalf("stop %d: %v", i+1, err)
		}
	}
	if _, err := http.Get(url); err == nil {
		t.Fatal("listener still accepting after stop")
	}
}
