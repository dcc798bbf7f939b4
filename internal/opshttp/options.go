package opshttp

import (
	"net/http"

	"github.com/keithlinneman/siteguard/internal/health"
	"github.com/keithlinneman/siteguard/internal/log"
)

type Options struct {
	Logger      log.Logger
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Checker
	Readiness   health.Checker

	// Dependencies are reported on /-/deps without gating readiness
	Dependencies map[string]health.Checker

	UseRecoverMW bool
	OnPanic      func()
}
