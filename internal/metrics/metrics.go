// Package metrics owns siteguard's Prometheus registry. Labels are bounded:
// routes come from chi patterns, limiters and outcomes from fixed sets.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/siteguard/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// public listener
	inflight    prometheus.Gauge
	reqTotal    *prometheus.CounterVec
	errorsTotal *prometheus.CounterVec
	reqDur      *prometheus.HistogramVec
	respBytes   *prometheus.HistogramVec
	panics      prometheus.Counter

	// limiter
	rlDenied     prometheus.Counter
	rlDecisions  *prometheus.CounterVec
	rlStoreErrs  *prometheus.CounterVec
	rlFailOpen   *prometheus.CounterVec
	rlPolicy     *prometheus.GaugeVec
	rlMemoryKeys prometheus.Gauge

	// site and inquiries
	inquiries      *prometheus.CounterVec
	upstreamErrors prometheus.Counter

	buildInfo *prometheus.GaugeVec
	profiling prometheus.Gauge
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
}

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
}

// New builds a private registry with the Go and process collectors plus
// siteguard's own series.
func New() *ServerMetrics {
	m := &ServerMetrics{
		inflight:    gauge("http_inflight_requests", "Requests being served on the public listener"),
		reqTotal:    counterVec("http_requests_total", "Requests by method, route and status", "method", "route", "status"),
		errorsTotal: counterVec("http_errors_total", "5xx responses by method and route", "method", "route"),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route, proxied pages included",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response body size by method and route",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}, []string{"method", "route"}),
		panics: counter("http_panic_total", "Handler panics recovered on either listener"),

		rlDenied:     counter("http_requests_rate_limited_total", "Requests rejected by any limiter"),
		rlDecisions:  counterVec("ratelimit_decisions_total", "Limiter decisions (allowed, denied, fail_open)", "limiter", "decision"),
		rlStoreErrs:  counterVec("ratelimit_store_errors_total", "Failed store calls by limiter", "limiter"),
		rlFailOpen:   counterVec("ratelimit_fail_open_total", "Requests admitted uncounted while the store was unavailable", "limiter"),
		rlMemoryKeys: gauge("ratelimit_memory_store_keys", "Client keys held by the in-process store"),
		rlPolicy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratelimit_policy_info",
			Help: "Loaded policies, value is the request budget per window",
		}, []string{"limiter", "path_prefix", "window"}),

		inquiries:      counterVec("inquiries_total", "Inquiry submissions by outcome (new, spam, invalid, error)", "outcome"),
		upstreamErrors: counter("upstream_errors_total", "Upstream round trips that failed and served the maintenance page"),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata, value is always 1",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profiling: gauge("profiling_active", "1 while continuous profiling is pushing"),
	}

	m.reg = prometheus.NewRegistry()
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inflight, m.reqTotal, m.errorsTotal, m.reqDur, m.respBytes, m.panics,
		m.rlDenied, m.rlDecisions, m.rlStoreErrs, m.rlFailOpen, m.rlPolicy, m.rlMemoryKeys,
		m.inquiries, m.upstreamErrors,
		m.buildInfo, m.profiling,
	)
	m.handler = promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return m
}

// Handler serves the registry on the admin listener.
func (m *ServerMetrics) Handler() http.Handler { return m.handler }

func (m *ServerMetrics) IncHttpPanic() { m.panics.Inc() }

// SetBuildInfoFromVersion publishes build_info, once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.WithLabelValues(app, component, vi.Version, vi.Commit, vi.CommitDate,
		vi.BuildId, vi.BuildDate, dirty, vi.GoVersion).Set(1)
}

// ObserveRateLimitDecision counts one decision: "allowed", "denied" or "fail_open".
func (m *ServerMetrics) ObserveRateLimitDecision(limiter, decision string) {
	m.rlDecisions.WithLabelValues(limiter, decision).Inc()
	switch decision {
	case "denied":
		m.rlDenied.Inc()
	case "fail_open":
		m.rlFailOpen.WithLabelValues(limiter).Inc()
	}
}

func (m *ServerMetrics) IncRateLimitStoreError(limiter string) {
	m.rlStoreErrs.WithLabelValues(limiter).Inc()
}

// SetRateLimitPolicy publishes a loaded policy, once per limiter at startup.
func (m *ServerMetrics) SetRateLimitPolicy(limiter, pathPrefix, window string, maxRequests int) {
	m.rlPolicy.WithLabelValues(limiter, pathPrefix, window).Set(float64(maxRequests))
}

func (m *ServerMetrics) SetMemoryStoreKeys(n int) { m.rlMemoryKeys.Set(float64(n)) }

func (m *ServerMetrics) IncInquiry(outcome string) { m.inquiries.WithLabelValues(outcome).Inc() }

func (m *ServerMetrics) IncUpstreamError() { m.upstreamErrors.Inc() }

func (m *ServerMetrics) SetProfilingActive(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.profiling.Set(v)
}
