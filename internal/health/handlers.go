package health

import (
	"io"
	"net/http"
)

// Handler answers 200 with okBody while c passes and 503 with the reason
// otherwise. A nil checker always passes. Responses are never cached.
func Handler(c Checker, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		if c != nil {
			if err := c.Check(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = io.WriteString(w, err.Error()+"\n")
				return
			}
		}
		_, _ = io.WriteString(w, okBody)
	}
}
