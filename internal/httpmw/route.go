package httpmw

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RouteUnmatched labels requests no API or health route claimed, i.e. pages
// handed to the site proxy. The raw path is never used as a label: every
// proxied URL would become its own metric series and span name.
const RouteUnmatched = "unmatched"

// RoutePattern is the chi pattern that served r, or RouteUnmatched. A request
// answered before chi routed it (a limiter 429) is looked up in the router
// BindRoutes recorded, so rejections keep their route label.
func RoutePattern(r *http.Request) string {
	rc := chi.RouteContext(r.Context())
	if rc == nil {
		return RouteUnmatched
	}
	if p := rc.RoutePattern(); p != "" {
		return p
	}
	if rc.Routes != nil {
		if p := rc.Routes.Find(chi.NewRouteContext(), r.Method, r.URL.Path); p != "" {
			return p
		}
	}
	return RouteUnmatched
}

// BindRoutes records router on a route context an outer middleware seeded;
// chi only fills Routes on contexts it creates itself.
func BindRoutes(router chi.Routes) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.Routes == nil {
				rc.Routes = router
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AnnotateHTTPRoute renames the server span to "METHOD route" once the router
// has matched, and records http.route on it.
func AnnotateHTTPRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		span := trace.SpanFromContext(r.Context())
		if !span.IsRecording() {
			return
		}
		route := RoutePattern(r)
		span.SetAttributes(attribute.String("http.route", route))
		span.SetName(r.Method + " " + route)
	})
}
