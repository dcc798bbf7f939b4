// Package health serves liveness, readiness and dependency reports for both
// listeners.
//
// Readiness is the shutdown [Gate] and nothing else. The shared rate limit
// store fails open, so its state is reported on the dependency endpoint
// instead: a Redis outage must not take every instance out of rotation at once.
package health
