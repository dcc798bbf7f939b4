package ratelimit

import (
	"net/http"
	"sort"
	"strings"
)

// Route binds a limiter to a route group.
type Route struct {
	// PathPrefix matches the path itself and anything below it, "/" matches everything
	PathPrefix string
	// Methods restricts the route to these methods, empty means any
	Methods []string
	Limiter *Limiter
}

// Router applies the limiter of the most specific matching route.
// Requests that match no route pass through unlimited.
type Router struct {
	routes []Route
}

func NewRouter(routes ...Route) *Router {
	rs := make([]Route, 0, len(routes))
	for _, r := range routes {
		if r.Limiter == nil {
			continue
		}
		rs = append(rs, r)
	}
	// longest prefix first, method-restricted before catch-all on ties
	sort.SliceStable(rs, func(i, j int) bool {
		if len(rs[i].PathPrefix) != len(rs[j].PathPrefix) {
			return len(rs[i].PathPrefix) > len(rs[j].PathPrefix)
		}
		return len(rs[i].Methods) > 0 && len(rs[j].Methods) == 0
	})
	return &Router{routes: rs}
}

// Match returns the limiter governing r, or nil.
func (rt *Router) Match(r *http.Request) *Limiter {
	for _, route := range rt.routes {
		if !matchPrefix(r.URL.Path, route.PathPrefix) {
			continue
		}
		if len(route.Methods) > 0 && !matchMethod(r.Method, route.Methods) {
			continue
		}
		return route.Limiter
	}
	return nil
}

func (rt *Router) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := rt.Match(r)
		if l == nil {
			next.ServeHTTP(w, r)
			return
		}
		l.Handle(w, r, next)
	})
}

// Limiters returns the configured limiters in match order.
func (rt *Router) Limiters() []*Limiter {
	out := make([]*Limiter, 0, len(rt.routes))
	for _, r := range rt.routes {
		out = append(out, r.Limiter)
	}
	return out
}

func matchPrefix(path, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	// "/api/inquiries" matches "/api/inquiries" and "/api/inquiries/x", not "/api/inquiriesx"
	return len(path) == len(prefix) || strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}

func matchMethod(method string, methods []string) bool {
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}
