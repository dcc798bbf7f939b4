package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("ratelimit: invalid config")

// DefaultStoreTimeout bounds each store call when Config.StoreTimeout is unset.
const DefaultStoreTimeout = 100 * time.Millisecond

// Config describes one limiter.
type Config struct {
	// Name labels logs and metrics, e.g. "site" or "inquiries"
	Name string

	// WindowSize is the length of the trailing window
	WindowSize time.Duration

	// MaxRequests is the number of requests admitted per window, the next one is rejected
	MaxRequests int

	// KeyPrefix namespaces storage keys as KeyPrefix:clientKey so limiters sharing a store stay independent
	KeyPrefix string

	// SkipSuccessfulRequests removes requests answered with status < 400 from the count
	SkipSuccessfulRequests bool

	// SkipFailedRequests removes requests answered with status >= 400 from the count
	SkipFailedRequests bool

	// EnableHeaders emits X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset
	EnableHeaders bool

	// StoreTimeout bounds every store call, DefaultStoreTimeout when zero
	StoreTimeout time.Duration
}

// Validate reports non-positive window or threshold values.
func (c Config) Validate() error {
	var errs []error
	if c.WindowSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: window size must be positive (got %s)", ErrInvalidConfig, c.WindowSize))
	} else if c.WindowSize < time.Millisecond {
		errs = append(errs, fmt.Errorf("%w: window size must be at least 1ms (got %s)", ErrInvalidConfig, c.WindowSize))
	}
	if c.MaxRequests <= 0 {
		errs = append(errs, fmt.Errorf("%w: max requests must be positive (got %d)", ErrInvalidConfig, c.MaxRequests))
	}
	if c.StoreTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: store timeout must not be negative (got %s)", ErrInvalidConfig, c.StoreTimeout))
	}
	return errors.Join(errs...)
}

// storageKey namespaces a client key.
func (c Config) storageKey(clientKey string) string {
	if c.KeyPrefix == "" {
		return clientKey
	}
	return c.KeyPrefix + ":" + clientKey
}

func (c Config) storeTimeout() time.Duration {
	if c.StoreTimeout > 0 {
		return c.StoreTimeout
	}
	return DefaultStoreTimeout
}

// retryAfterSeconds rounds the window up to whole seconds for Retry-After.
func (c Config) retryAfterSeconds() int64 {
	s := int64(c.WindowSize / time.Second)
	if c.WindowSize%time.Second != 0 {
		s++
	}
	return s
}
