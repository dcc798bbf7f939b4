package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/siteguard/internal/health"
	"github.com/keithlinneman/siteguard/internal/httpmw"
	"github.com/keithlinneman/siteguard/internal/log"
)

// DefaultMaxBodyBytes caps request bodies on the public listener.
const DefaultMaxBodyBytes = 16 << 10

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Checker
	Readiness    health.Checker

	// ClientIPOpts controls how many proxy hops are trusted for X-Forwarded-For
	ClientIPOpts httpmw.ClientIPOptions

	// RateLimitMW is applied to every request except the /-/ health checks, inside the access log
	RateLimitMW func(http.Handler) http.Handler

	CORS httpmw.CORSOptions

	// ContentSecurityPolicy is sent only on responses that carry none of their
	// own, proxied pages keep the upstream's. Empty uses httpmw.DefaultContentSecurityPolicy.
	ContentSecurityPolicy string

	// APIRoutes registers JSON API routes on the router
	APIRoutes func(chi.Router)

	// SiteHandler serves everything no API route claimed
	SiteHandler http.Handler

	MaxBodyBytes int64 // default: DefaultMaxBodyBytes
}
