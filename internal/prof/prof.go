// Package prof pushes continuous profiles to pyroscope. Profiles are tagged
// with the rate limit store so Redis round trips and memory store lock
// contention can be compared across deployments.
package prof

import (
	"context"
	"runtime"
	"sync"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/siteguard/internal/log"
	"github.com/keithlinneman/siteguard/internal/xerrors"
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	AuthToken     string
	TenantID      string
	Tags          map[string]string

	// MutexFraction and BlockRate feed runtime.SetMutexProfileFraction and
	// runtime.SetBlockProfileRate, 0 leaves the runtime default. Lock
	// contention in the memory store only shows up with them set.
	MutexFraction int
	BlockRate     int

	// OnActive follows the profiler state, fed to the profiling_active gauge
	OnActive func(active bool)
}

// profileTypes adds the mutex and block profiles to pyroscope's defaults.
var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

// Tags is the tag set every siteguard profile carries.
func Tags(app, component, store, version, commit, buildID string) map[string]string {
	return map[string]string{
		"app":             app,
		"component":       component,
		"ratelimit_store": store,
		"version":         version,
		"commit":          commit,
		"build_id":        buildID,
		"source":          "go-agent",
	}
}

func (o Options) active(v bool) {
	if o.OnActive != nil {
		o.OnActive(v)
	}
}

func (o Options) config() pyroscope.Config {
	return pyroscope.Config{
		ApplicationName:   o.AppName,
		ServerAddress:     o.ServerAddress,
		BasicAuthPassword: o.AuthToken,
		TenantID:          o.TenantID,
		Tags:              o.Tags,
		ProfileTypes:      profileTypes,
	}
}

// Start begins pushing profiles. The returned stop is always usable and
// idempotent, also when Start fails or profiling is disabled.
func Start(ctx context.Context, opts Options) (stop func(), err error) {
	noop := func() {}
	L := log.FromContext(ctx).With("pyro_server", opts.ServerAddress)

	if !opts.Enabled {
		opts.active(false)
		return noop, nil
	}
	if opts.ServerAddress == "" {
		opts.active(false)
		return noop, xerrors.New("pyroscope enabled without a server address")
	}

	if opts.MutexFraction > 0 {
		runtime.SetMutexProfileFraction(opts.MutexFraction)
	}
	if opts.BlockRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockRate)
	}

	profiler, err := pyroscope.Start(opts.config())
	if err != nil {
		opts.active(false)
		return noop, xerrors.Wrap(err, "pyroscope start")
	}
	opts.active(true)
	L.Info(ctx, "profiling started")

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := profiler.Stop(); err != nil {
				L.Warn(context.Background(), "profiler stop", "error", err)
			}
			opts.active(false)
		})
	}, nil
}
