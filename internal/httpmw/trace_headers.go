package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// TraceResponseHeaders exposes the trace id of sampled requests so a user
// reporting a failed inquiry or a 429 can hand support something to search
// for. Unsampled trace ids lead nowhere and are not sent.
func TraceResponseHeaders(header string) func(http.Handler) http.Handler {
	if header == "" {
		header = "X-Trace-Id"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() && sc.IsSampled() {
				w.Header().Set(header, sc.TraceID().String())
			}
			next.ServeHTTP(w, r)
		})
	}
}
