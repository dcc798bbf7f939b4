package health

import (
	"context"
	"sync"
	"time"

	"github.com/keithlinneman/siteguard/internal/xerrors"
)

// Checker reports nil when healthy, or the reason it is not.
type Checker interface{ Check(context.Context) error }

type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// OK always passes; liveness for a process that is serving at all.
func OK() CheckFunc { return func(context.Context) error { return nil } }

// All passes when every non-nil checker passes and returns the first failure.
func All(cs ...Checker) CheckFunc {
	return func(ctx context.Context) error {
		for _, c := range cs {
			if c == nil {
				continue
			}
			if err := c.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Dependency bounds ping by timeout and names the dependency in failures.
func Dependency(name string, timeout time.Duration, ping func(context.Context) error) CheckFunc {
	return func(ctx context.Context) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return xerrors.Wrap(ping(ctx), name)
	}
}

// Gate fails readiness once Drain is called so the load balancer stops
// routing new requests before the listeners shut down. The zero value is open.
type Gate struct {
	mu     sync.RWMutex
	reason string
}

// Drain closes the gate; it stays closed for the life of the process.
func (g *Gate) Drain(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.mu.Lock()
	g.reason = reason
	g.mu.Unlock()
}

func (g *Gate) Check(context.Context) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.reason == "" {
		return nil
	}
	return xerrors.New(g.reason)
}
