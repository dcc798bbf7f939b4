// Package opshttp is the admin listener: metrics, health, the dependency
// report and pprof. It only answers loopback and private peers.
package opshttp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/keithlinneman/siteguard/internal/health"
	"github.com/keithlinneman/siteguard/internal/httpmw"
	"github.com/keithlinneman/siteguard/internal/httpserver"
	"github.com/keithlinneman/siteguard/internal/log"
)

// pprofWriteTimeout leaves room for a 30s CPU profile or trace.
const pprofWriteTimeout = 60 * time.Second

func NewHandler(opts *Options) http.Handler {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}

	r := chi.NewRouter()
	if opts.UseRecoverMW {
		r.Use(httpmw.Recover(L, opts.OnPanic))
	}
	r.Use(requireNonPublicNetwork(L))

	r.Get("/-/healthy", health.Handler(opts.Health, "ok\n"))
	r.Get("/-/ready", health.Handler(opts.Readiness, "ready\n"))
	r.Get("/-/deps", health.ReportHandler(opts.Dependencies))
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	if opts.EnablePprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// Start serves the admin handler on opts.Port, 9000 when unset.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	port := opts.Port
	if port == 0 {
		port = 9000
	}
	srv := httpserver.NewServer(fmt.Sprintf(":%d", port), NewHandler(opts))
	if opts.EnablePprof {
		srv.WriteTimeout = pprofWriteTimeout
	}
	return httpserver.Serve(ctx, opts.Logger, "admin", srv)
}
