package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientIPFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		hops   int
		xff    []string
		realIP string
		want   string
	}{
		{"no hops ignores xff", "10.0.0.1:1234", 0, []string{"203.0.113.50"}, "", "10.0.0.1"},
		{"public peer ignores xff", "203.0.113.1:1234", 1, []string{"198.51.100.7"}, "", "203.0.113.1"},
		{"load balancer", "10.0.0.1:1234", 1, []string{"198.51.100.7"}, "", "198.51.100.7"},
		{"load balancer takes rightmost", "10.0.0.1:1234", 1, []string{"1.2.3.4, 198.51.100.7"}, "", "198.51.100.7"},
		{"cdn and load balancer", "10.0.0.1:1234", 2, []string{"198.51.100.7, 10.0.5.5"}, "", "198.51.100.7"},
		{"repeated xff headers joined", "10.0.0.1:1234", 2, []string{"198.51.100.7", "10.0.5.5"}, "", "198.51.100.7"},
		{"fewer entries than hops", "10.0.0.1:1234", 3, []string{"198.51.100.7"}, "", "10.0.0.1"},
		{"garbage entry", "10.0.0.1:1234", 1, []string{"<script>"}, "", "10.0.0.1"},
		{"loopback sidecar", "127.0.0.1:9000", 1, []string{"198.51.100.7"}, "", "198.51.100.7"},
		{"real ip fallback", "10.0.0.1:1234", 1, nil, "198.51.100.9", "198.51.100.9"},
		{"mapped v4 peer", "[::ffff:10.0.0.1]:1234", 0, nil, "", "10.0.0.1"},
		{"v6 peer", "[2001:db8::1]:443", 0, nil, "", "2001:db8::1"},
		{"bare address", "203.0.113.4", 0, nil, "", "203.0.113.4"},
		{"empty remote", "", 1, []string{"198.51.100.7"}, "", "0.0.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for _, v := range tt.xff {
				r.Header.Add("X-Forwarded-For", v)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := ClientIPFromRequest(r, ClientIPOptions{TrustedHops: tt.hops}); got != tt.want {
				t.Fatalf("client ip = %q, want %q", got, tt.want)
			}
		})
	}
}

// Untrusted forwarded headers must not reach the upstream site or the scheme detection.
func TestClientIPFromRequest_StripsUntrustedForwarding(t *testing.T) {
	for _, remote := range []string{"203.0.113.1:1234", "10.0.0.1:1234"} {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = remote
		for _, h := range []string{"X-Forwarded-For", "X-Forwarded-Proto", "X-Forwarded-Host", "X-Real-IP", "Forwarded"} {
			r.Header.Set(h, "spoofed")
		}
		ClientIPFromRequest(r, ClientIPOptions{TrustedHops: 0})
		for h := range r.Header {
			t.Errorf("%s: header %s survived", remote, h)
		}
	}
}

func TestClientIPWithOptions_StoresInContext(t *testing.T) {
	var got string
	h := ClientIPWithOptions(ClientIPOptions{TrustedHops: 1})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIPFromContext(r.Context())
	}))
	r := httptest.NewRequest(http.MethodPost, "/api/inquiries", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	r.Header.Set("X-Forwarded-For", "198.51.100.20")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if got != "198.51.100.20" {
		t.Fatalf("context ip = %q", got)
	}
	if ClientIPFromContext(WithClientIP(context.Background(), "")) != "" {
		t.Fatal("empty ip stored")
	}
}
