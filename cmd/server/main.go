package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/siteguard/internal/cfg"
	"github.com/keithlinneman/siteguard/internal/health"
	"github.com/keithlinneman/siteguard/internal/httpmw"
	"github.com/keithlinneman/siteguard/internal/httpserver"
	"github.com/keithlinneman/siteguard/internal/inquiry"
	"github.com/keithlinneman/siteguard/internal/log"
	"github.com/keithlinneman/siteguard/internal/metrics"
	"github.com/keithlinneman/siteguard/internal/opshttp"
	"github.com/keithlinneman/siteguard/internal/otelx"
	"github.com/keithlinneman/siteguard/internal/policy"
	"github.com/keithlinneman/siteguard/internal/prof"
	"github.com/keithlinneman/siteguard/internal/ratelimit"
	"github.com/keithlinneman/siteguard/internal/sitehandler"
	v "github.com/keithlinneman/siteguard/internal/version"
	"github.com/keithlinneman/siteguard/internal/webassets"
	"github.com/keithlinneman/siteguard/internal/xerrors"
)

const component = "server"

func main() {
	conf := loadConfig()

	L, err := newLogger(conf)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer func() { _ = L.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx, L)

	if err := run(ctx, conf, L); err != nil {
		L.Error(context.Background(), err, "siteguard exited")
		os.Exit(1)
	}
}

// loadConfig parses flags, fills the rest from SITEGUARD_* env vars and exits
// on -V or an invalid config.
func loadConfig() cfg.App {
	var conf cfg.App
	cfg.Register(flag.CommandLine, &conf)
	showVersion := flag.Bool("V", false, "Print version+build information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(v.Get())
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, "SITEGUARD_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	return conf
}

func newLogger(conf cfg.App) (log.Logger, error) {
	// already checked by cfg.Validate
	lvl, _ := log.ParseLevel(conf.LogLevel)
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           v.Version,
		Commit:            v.Commit,
		BuildId:           v.BuildId,
		Level:             lvl,
		StacktraceLevel:   conf.StacktraceLevel,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		return nil, err
	}
	return lg.With("component", component), nil
}

func storeKind(conf cfg.App) string {
	if conf.RedisURL != "" {
		return "redis"
	}
	return "memory"
}

func run(ctx context.Context, conf cfg.App, L log.Logger) error {
	vi := v.Get()
	L.Info(ctx, "starting siteguard",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.Dirty(),
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"upstream_url", conf.UpstreamURL,
		"trusted_hops", conf.TrustedHops,
		"ratelimit_store", storeKind(conf),
		"ratelimit_policy_file", conf.RateLimitPolicyFile,
		"ratelimit_policy_ssm_param", conf.RateLimitPolicySSM,
		"cors_origins", conf.CORSOriginList(),
		"inquiry_s3_bucket", conf.InquiryS3Bucket,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
		"drain_period", conf.DrainPeriod,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags:          prof.Tags(v.AppName, component, storeKind(conf), vi.Version, vi.Commit, vi.BuildId),
		OnActive:      m.SetProfilingActive,
	})
	if err != nil {
		// profiling is optional, serve without it
		L.Error(ctx, err, "pyroscope start failed")
	}
	defer stopProf()

	// the collector is on localhost, so no TLS
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	// AWS is only needed for remote policies and the inquiry archive
	var awsCfg aws.Config
	if conf.RateLimitPolicySSM != "" || conf.InquiryS3Bucket != "" {
		if awsCfg, err = config.LoadDefaultConfig(ctx); err != nil {
			return xerrors.Wrap(err, "load aws config")
		}
	}

	// a bad policy document is fatal rather than silently unlimited
	policies, err := loadPolicies(ctx, conf, awsCfg)
	if err != nil {
		return xerrors.Wrap(err, "load rate limit policies")
	}

	store, deps, closeStore, err := newStore(ctx, conf, m, L)
	if err != nil {
		return err
	}
	defer closeStore()

	limits, err := newLimits(ctx, policies, store, conf.RateLimitStoreTimeout, m, L)
	if err != nil {
		return err
	}

	inquiryAPI, err := newInquiryAPI(ctx, conf, awsCfg, m, L)
	if err != nil {
		return err
	}

	upstream, err := url.Parse(conf.UpstreamURL)
	if err != nil {
		return xerrors.Wrap(err, "upstream url")
	}
	siteHandler, err := sitehandler.New(&sitehandler.Options{
		Logger:          L,
		Upstream:        upstream,
		Transport:       otelx.Transport(sitehandler.NewTransport()),
		FallbackFS:      webassets.FallbackFS(),
		PreserveHost:    conf.PreserveHost,
		OnUpstreamError: func(error) { m.IncUpstreamError() },
	})
	if err != nil {
		return xerrors.Wrap(err, "site handler")
	}

	// both listeners fail /-/ready once draining starts
	var gate health.Gate

	stopPublic, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:                L,
		Port:                  conf.HTTPPort,
		UseRecoverMW:          true,
		OnPanic:               m.IncHttpPanic,
		MetricsMW:             m.Middleware,
		Health:                health.OK(),
		Readiness:             &gate,
		ClientIPOpts:          httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		RateLimitMW:           limits.Middleware,
		CORS:                  httpmw.CORSOptions{AllowedOrigins: conf.CORSOriginList()},
		ContentSecurityPolicy: conf.ContentSecurityPolicy,
		APIRoutes:             inquiryAPI.RegisterRoutes,
		SiteHandler:           siteHandler,
	})
	if err != nil {
		return err
	}

	// the admin listener only answers private peers, see opshttp
	stopAdmin, err := opshttp.Start(ctx, &opshttp.Options{
		Logger:       L,
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.OK(),
		Readiness:    &gate,
		Dependencies: deps,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		_ = stopPublic(context.Background())
		return err
	}

	if err := notifySystemd(); err != nil {
		// systemd kills the unit after its start timeout, keep serving until then
		L.Warn(ctx, "systemd readiness notification failed", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received, draining", "drain_period", conf.DrainPeriod)
	gate.Drain("draining")
	waitForDrain(conf.DrainPeriod, L)

	// created after the drain so the whole timeout goes to in-flight requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.ShutdownTimeout)
	defer cancel()
	if err := stopPublic(shutdownCtx); err != nil {
		L.Error(shutdownCtx, err, "public listener shutdown")
	}
	if err := stopAdmin(shutdownCtx); err != nil {
		L.Error(shutdownCtx, err, "admin listener shutdown")
	}
	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(shutdownCtx, err, "otel shutdown")
	}
	L.Info(shutdownCtx, "shutdown complete")
	return nil
}

// waitForDrain holds the listeners open while load balancers notice the
// failing readiness check. A second signal skips the rest of the wait.
func waitForDrain(period time.Duration, L log.Logger) {
	if period <= 0 {
		return
	}
	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	t := time.NewTimer(period)
	defer t.Stop()
	select {
	case <-t.C:
	case <-force:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
}

// loadPolicies reads the policy document from a file or ssm, or builds the
// single site policy from the ratelimit-* flags when neither is set.
func loadPolicies(ctx context.Context, conf cfg.App, awsCfg aws.Config) ([]policy.Policy, error) {
	switch {
	case conf.RateLimitPolicyFile != "":
		return policy.LoadFile(conf.RateLimitPolicyFile)
	case conf.RateLimitPolicySSM != "":
		return policy.LoadSSM(ctx, ssm.NewFromConfig(awsCfg), conf.RateLimitPolicySSM)
	default:
		return policy.Default(conf.RateLimitWindow, conf.RateLimitMax, conf.RateLimitKeyPrefix, conf.RateLimitHeaders), nil
	}
}

// newStore returns the counter store shared by every limiter. Redis is only
// reported on /-/deps: a down store fails open, so it must not fail readiness.
func newStore(ctx context.Context, conf cfg.App, m *metrics.ServerMetrics, L log.Logger) (ratelimit.Store, map[string]health.Checker, func(), error) {
	deps := map[string]health.Checker{}
	if conf.RedisURL == "" {
		ms := ratelimit.NewMemoryStore()
		go ms.Run(ctx, conf.MemorySweepInterval)
		go reportMemoryStore(ctx, ms, m)
		L.Info(ctx, "using in-process rate limit store, counts are per instance")
		return ms, deps, func() {}, nil
	}

	rc, err := ratelimit.NewRedisClient(conf.RedisURL)
	if err != nil {
		return nil, nil, nil, xerrors.Wrap(err, "redis url")
	}
	rs := ratelimit.NewRedisStore(rc)
	deps["redis"] = health.Dependency("redis", time.Second, rs.Ping)
	if err := rs.Ping(ctx); err != nil {
		L.Warn(ctx, "redis unreachable at startup, rate limiting fails open until it recovers", "error", err)
	}
	return rs, deps, func() { _ = rc.Close() }, nil
}

func newLimits(ctx context.Context, policies []policy.Policy, store ratelimit.Store, timeout time.Duration, m *metrics.ServerMetrics, L log.Logger) (*ratelimit.Router, error) {
	routes, err := policy.Routes(policies, store, timeout, func(p policy.Policy) []ratelimit.Option {
		name := p.Name
		LL := L.With("limiter", name)
		return []ratelimit.Option{
			ratelimit.WithLogger(LL),
			ratelimit.WithOnDecision(func(d ratelimit.Decision) {
				m.ObserveRateLimitDecision(name, decisionLabel(d))
			}),
			ratelimit.WithOnDenied(func(key string) {
				LL.Debug(ctx, "rate limit exceeded", "client", key)
			}),
			ratelimit.WithOnStoreError(func(error) {
				m.IncRateLimitStoreError(name)
			}),
		}
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "build rate limiters")
	}
	for _, p := range policies {
		m.SetRateLimitPolicy(p.Name, p.PathPrefix, p.Window.String(), p.MaxRequests)
		L.Info(ctx, "rate limit policy loaded",
			"limiter", p.Name,
			"path_prefix", p.PathPrefix,
			"methods", p.Methods,
			"window", p.Window,
			"max_requests", p.MaxRequests,
		)
	}
	return ratelimit.NewRouter(routes...), nil
}

// newInquiryAPI archives inquiries to s3 when a bucket is configured and only
// logs them otherwise.
func newInquiryAPI(ctx context.Context, conf cfg.App, awsCfg aws.Config, m *metrics.ServerMetrics, L log.Logger) (*inquiry.API, error) {
	var sink inquiry.Sink = inquiry.LogSink{Logger: L}
	if conf.InquiryS3Bucket != "" {
		s3Sink, err := inquiry.NewS3Sink(s3.NewFromConfig(awsCfg), conf.InquiryS3Bucket, conf.InquiryS3Prefix)
		if err != nil {
			return nil, xerrors.Wrap(err, "inquiry sink")
		}
		sink = s3Sink
	} else {
		L.Warn(ctx, "no inquiry bucket configured, inquiries are only logged")
	}
	return inquiry.NewAPI(inquiry.Options{
		Sink:          sink,
		Logger:        L,
		SpamThreshold: conf.InquirySpamThreshold,
		OnSubmitted:   m.IncInquiry,
	}), nil
}

func decisionLabel(d ratelimit.Decision) string {
	switch {
	case d.FailOpen:
		return "fail_open"
	case d.Allowed:
		return "allowed"
	default:
		return "denied"
	}
}

// reportMemoryStore publishes the tracked key count until ctx is done.
func reportMemoryStore(ctx context.Context, ms *ratelimit.MemoryStore, m *metrics.ServerMetrics) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		m.SetMemoryStoreKeys(ms.Len())
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// notifySystemd sends READY=1 when running as a Type=notify unit and does
// nothing otherwise.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return nil
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "dial NOTIFY_SOCKET")
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return xerrors.Wrap(err, "write READY=1")
	}
	return nil
}
