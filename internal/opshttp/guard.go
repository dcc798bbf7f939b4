package opshttp

import (
	"net"
	"net/http"
	"net/netip"

	"github.com/keithlinneman/siteguard/internal/log"
)

// adminPeer reports whether the direct peer may use the admin listener.
// Forwarded headers are ignored, nothing should proxy to this port.
func adminPeer(remoteAddr string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	addr = addr.Unmap()
	return addr, addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()
}

// requireNonPublicNetwork keeps pprof and the dependency report off the
// internet when a security group or load balancer is misconfigured.
func requireNonPublicNetwork(L log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr, ok := adminPeer(r.RemoteAddr)
			if !ok {
				L.Warn(r.Context(), "rejected admin request",
					"network.peer.address", addr.String(),
					"url.path", r.URL.Path,
				)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
