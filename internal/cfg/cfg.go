package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/siteguard/internal/log"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	DrainPeriod       time.Duration
	ShutdownTimeout   time.Duration
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	// proxy
	UpstreamURL  string
	PreserveHost bool
	TrustedHops  int

	// ContentSecurityPolicy applies to responses without their own policy
	ContentSecurityPolicy string

	// rate limiting
	RedisURL              string
	RateLimitWindow       time.Duration
	RateLimitMax          int
	RateLimitKeyPrefix    string
	RateLimitHeaders      bool
	RateLimitStoreTimeout time.Duration
	RateLimitPolicyFile   string
	RateLimitPolicySSM    string
	MemorySweepInterval   time.Duration

	// inquiries
	CORSOrigins          string
	InquiryS3Bucket      string
	InquiryS3Prefix      string
	InquirySpamThreshold int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.DurationVar(&c.DrainPeriod, "drain-period", 60*time.Second, "how long /-/ready fails before the listeners stop, so load balancers stop sending traffic")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", 15*time.Second, "bound on draining in-flight requests once the listeners stop")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.UpstreamURL, "upstream-url", "http://127.0.0.1:3000", "site to proxy page traffic to (http[s]://host[:port])")
	fs.BoolVar(&c.PreserveHost, "preserve-host", false, "forward the client Host header to the upstream")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 1, "reverse proxies in front of siteguard trusted for X-Forwarded-For (0..10)")
	fs.StringVar(&c.ContentSecurityPolicy, "content-security-policy", "", "CSP for responses that carry none (429s, API, maintenance page), empty uses a framing-only default; proxied pages keep the upstream's")

	fs.StringVar(&c.RedisURL, "redis-url", "", "redis:// URL for the shared rate limit store, empty keeps counts in process")
	fs.DurationVar(&c.RateLimitWindow, "ratelimit-window", time.Minute, "sliding window size for the default site policy")
	fs.IntVar(&c.RateLimitMax, "ratelimit-max", 300, "requests per window for the default site policy")
	fs.StringVar(&c.RateLimitKeyPrefix, "ratelimit-key-prefix", "rl:site", "storage key prefix for the default site policy")
	fs.BoolVar(&c.RateLimitHeaders, "ratelimit-headers", true, "emit X-RateLimit-* headers for the default site policy")
	fs.DurationVar(&c.RateLimitStoreTimeout, "ratelimit-store-timeout", 100*time.Millisecond, "bound on each rate limit store call before failing open")
	fs.StringVar(&c.RateLimitPolicyFile, "ratelimit-policy-file", "", "YAML policy document, overrides the ratelimit-window/max flags")
	fs.StringVar(&c.RateLimitPolicySSM, "ratelimit-policy-ssm-param", "", "ssm parameter holding the YAML policy document")
	fs.DurationVar(&c.MemorySweepInterval, "memory-sweep-interval", time.Minute, "how often the in-process store evicts idle keys")

	fs.StringVar(&c.CORSOrigins, "cors-origins", "", "comma separated origins allowed to call /api")
	fs.StringVar(&c.InquiryS3Bucket, "inquiry-s3-bucket", "", "s3 bucket to archive inquiries in, empty only logs them")
	fs.StringVar(&c.InquiryS3Prefix, "inquiry-s3-prefix", "siteguard/inquiries", "s3 key prefix for archived inquiries")
	fs.IntVar(&c.InquirySpamThreshold, "inquiry-spam-threshold", 5, "spam score at which an inquiry is filed as spam")
}

// CORSOriginList splits -cors-origins, dropping empty entries.
func (c App) CORSOriginList() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// EnvKey maps flag "foo-bar" to PREFIX_FOO_BAR.
func EnvKey(prefix, flagName string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// FillFromEnv sets flags that were not passed on the command line from the
// environment, so the order is cli flag, then env var, then default. Invalid
// env values are reported through logf and leave the flag untouched.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	onCLI := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { onCLI[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		val, ok := os.LookupEnv(key)
		switch {
		case !ok:
		case onCLI[f.Name]:
			logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, val)
		default:
			prev := f.Value.String()
			if err := fs.Set(f.Name, val); err != nil {
				_ = fs.Set(f.Name, prev)
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, val, err)
			}
		}
	})
}

// Validate reports every invalid field at once, joined with errors.Join.
func Validate(c App) error {
	var errs []error
	fail := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	c.validateListeners(fail)
	c.validateTelemetry(fail)
	c.validateProxy(fail)
	c.validateRateLimit(fail)
	c.validateInquiries(fail)
	return errors.Join(errs...)
}

type failFunc func(format string, args ...any)

func validPort(p int) bool { return p >= 1 && p <= 65535 }

func (c App) validateListeners(fail failFunc) {
	if !validPort(c.HTTPPort) {
		fail("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort)
	}
	if !validPort(c.AdminPort) {
		fail("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort)
	}
	if c.AdminPort == c.HTTPPort {
		fail("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}
	if c.DrainPeriod < 0 || c.DrainPeriod > 10*time.Minute {
		fail("DRAIN_PERIOD must be 0..10m (got %s)", c.DrainPeriod)
	}
	if c.ShutdownTimeout <= 0 {
		fail("SHUTDOWN_TIMEOUT must be positive (got %s)", c.ShutdownTimeout)
	}
}

func (c App) validateTelemetry(fail failFunc) {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		fail("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			fail("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err)
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		fail("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}
	if c.TraceSample < 0 || c.TraceSample > 1 {
		fail("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	if c.EnablePyroscope {
		if u, err := url.Parse(c.PyroServer); c.PyroServer == "" || err != nil || u.Scheme == "" || u.Host == "" {
			fail("PYRO_SERVER must be a URL when ENABLE_PYROSCOPE=true (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			fail("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}
	// the grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			fail("OTLP_ENDPOINT must be host:port when ENABLE_TRACING=true (got %q)", c.OTLPEndpoint)
		}
	}
}

func (c App) validateProxy(fail failFunc) {
	if u, err := url.Parse(c.UpstreamURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		fail("UPSTREAM_URL must be an http(s) URL (got %q)", c.UpstreamURL)
	}
	if c.TrustedHops < 0 || c.TrustedHops > 10 {
		fail("TRUSTED_HOPS must be 0..10 (got %d)", c.TrustedHops)
	}
	if strings.ContainsAny(c.ContentSecurityPolicy, "\r\n") {
		fail("CONTENT_SECURITY_POLICY must be a single line")
	}
}

func (c App) validateRateLimit(fail failFunc) {
	if c.RedisURL != "" {
		if u, err := url.Parse(c.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			fail("REDIS_URL must be a redis:// or rediss:// URL")
		}
	}
	if c.RateLimitWindow < time.Millisecond {
		fail("RATELIMIT_WINDOW must be at least 1ms (got %s)", c.RateLimitWindow)
	}
	if c.RateLimitMax < 1 {
		fail("RATELIMIT_MAX must be positive (got %d)", c.RateLimitMax)
	}
	if c.RateLimitStoreTimeout <= 0 || c.RateLimitStoreTimeout > 5*time.Second {
		fail("RATELIMIT_STORE_TIMEOUT must be in (0, 5s] (got %s)", c.RateLimitStoreTimeout)
	}
	if c.RateLimitPolicyFile != "" && c.RateLimitPolicySSM != "" {
		fail("RATELIMIT_POLICY_FILE and RATELIMIT_POLICY_SSM_PARAM are mutually exclusive")
	}
	if c.MemorySweepInterval < 0 {
		fail("MEMORY_SWEEP_INTERVAL must not be negative (got %s)", c.MemorySweepInterval)
	}
}

func (c App) validateInquiries(fail failFunc) {
	if c.InquirySpamThreshold < 1 {
		fail("INQUIRY_SPAM_THRESHOLD must be positive (got %d)", c.InquirySpamThreshold)
	}
	for _, o := range c.CORSOriginList() {
		if o == "*" {
			continue
		}
		if u, err := url.Parse(o); err != nil || u.Scheme == "" || u.Host == "" || u.Path != "" {
			fail("CORS_ORIGINS entry %q must be scheme://host[:port]", o)
		}
	}
}
