package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// DependencyStatus is one entry of a dependency report.
type DependencyStatus struct {
	Name      string  `json:"name"`
	OK        bool    `json:"ok"`
	Error     string  `json:"error,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
}

// Report checks every dependency concurrently. Order is by name.
func Report(ctx context.Context, checks map[string]Checker) []DependencyStatus {
	out := make([]DependencyStatus, 0, len(checks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, p := range checks {
		if p == nil {
			continue
		}
		wg.Add(1)
		go func(name string, p Checker) {
			defer wg.Done()
			start := time.Now()
			err := p.Check(ctx)
			st := DependencyStatus{
				Name:      name,
				OK:        err == nil,
				LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
			}
			if err != nil {
				st.Error = err.Error()
			}
			mu.Lock()
			out = append(out, st)
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ReportHandler serves Report as JSON. Always 200: dependencies that degrade
// gracefully should show up here without pulling the instance out of rotation.
func ReportHandler(checks map[string]Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(struct {
			Dependencies []DependencyStatus `json:"dependencies"`
		}{Report(r.Context(), checks)})
	}
}
