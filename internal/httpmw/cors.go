package httpmw

import (
	"net/http"

	"github.com/rs/cors"
)

// CORSOptions configures cross-origin access to the JSON API.
type CORSOptions struct {
	// AllowedOrigins lists origins allowed to call the API, empty disables CORS handling
	AllowedOrigins []string
	// MaxAge is how long (seconds) browsers may cache a preflight result
	MaxAge int
}

// CORS answers preflights and sets CORS response headers for the configured origins.
// Rate limit headers are exposed so the frontend can show a useful message on 429.
func CORS(opts CORSOptions) func(http.Handler) http.Handler {
	if len(opts.AllowedOrigins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	maxAge := opts.MaxAge
	if maxAge <= 0 {
		maxAge = 600
	}
	c := cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{
			"Retry-After",
			"X-RateLimit-Limit",
			"X-RateLimit-Remaining",
			"X-RateLimit-Reset",
			"X-Request-Id",
		},
		MaxAge: maxAge,
	})
	return c.Handler
}
