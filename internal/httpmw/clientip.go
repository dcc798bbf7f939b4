package httpmw

import (
	"context"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures how far forwarded headers are trusted.
type ClientIPOptions struct {
	// TrustedHops counts the proxies in front of siteguard. 0 ignores forwarded
	// headers, 1 is a single load balancer (rightmost X-Forwarded-For entry),
	// 2 is CDN plus load balancer, and so on.
	TrustedHops int
}

// ClientIPWithOptions resolves the client address once per request. The
// result keys the rate limiter and is forwarded upstream, so it must not be
// spoofable by the client.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithClientIP(r.Context(), ClientIPFromRequest(r, opts))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIPFromRequest returns the client address in canonical form. Forwarded
// headers count only when the peer is one of our proxies (private or loopback)
// and TrustedHops > 0. In every other case they are deleted from the request so
// the upstream and later middleware never see client-supplied values.
func ClientIPFromRequest(r *http.Request, opts ClientIPOptions) string {
	peer, ok := parseAddr(r.RemoteAddr)
	if !ok {
		stripForwarded(r)
		if r.RemoteAddr == "" {
			return "0.0.0.0"
		}
		return r.RemoteAddr
	}

	if opts.TrustedHops <= 0 || !(peer.IsPrivate() || peer.IsLoopback()) {
		stripForwarded(r)
		return peer.String()
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		idx := len(hops) - opts.TrustedHops
		if idx < 0 {
			// fewer hops than proxies: misconfigured or forged
			stripForwarded(r)
			return peer.String()
		}
		if ip, err := netip.ParseAddr(strings.TrimSpace(hops[idx])); err == nil {
			return ip.Unmap().String()
		}
		return peer.String()
	}

	if ip, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return ip.Unmap().String()
	}
	return peer.String()
}

// parseAddr accepts "host:port" or a bare address, dropping any IPv6 zone.
func parseAddr(s string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap().WithZone(""), true
	}
	if a, err := netip.ParseAddr(s); err == nil {
		return a.Unmap().WithZone(""), true
	}
	return netip.Addr{}, false
}

func stripForwarded(r *http.Request) {
	for _, h := range []string{"X-Forwarded-For", "X-Forwarded-Proto", "X-Forwarded-Host", "X-Real-IP", "Forwarded"} {
		r.Header.Del(h)
	}
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
