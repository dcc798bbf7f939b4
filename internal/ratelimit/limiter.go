package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/siteguard/internal/log"
)

// Decision is the outcome of one CheckAndRecord call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration

	// FailOpen is set when the store could not be consulted and the request was admitted uncounted
	FailOpen bool

	key     string
	entryID string
}

// Limiter admits or rejects requests per client key over a sliding window.
type Limiter struct {
	cfg     Config
	store   Store
	logger  log.Logger
	now     func() time.Time
	keyFunc func(*http.Request) string

	// storeDown is true between the first store failure and the next success
	storeDown atomic.Bool
	// retry throttles store attempts while storeDown so requests don't each wait out the timeout
	retry *rate.Limiter

	// OnDecision is called for every decision, used for prometheus counters
	OnDecision func(d Decision)

	// OnDenied is called with the client key on every rejected request
	OnDenied func(clientKey string)

	// OnStoreError is called on every store failure, logging happens once per outage regardless
	OnStoreError func(err error)
}

type Option func(*Limiter)

func WithLogger(l log.Logger) Option {
	return func(lim *Limiter) {
		if l != nil {
			lim.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(lim *Limiter) {
		if now != nil {
			lim.now = now
		}
	}
}

// WithKeyFunc overrides how the client key is derived from a request.
func WithKeyFunc(fn func(*http.Request) string) Option {
	return func(lim *Limiter) {
		if fn != nil {
			lim.keyFunc = fn
		}
	}
}

// WithStoreRetry sets how often a failing store is retried.
// WithStoreRetry(1, 1) tries the store at most once per second until it answers again.
func WithStoreRetry(perSecond float64, burst int) Option {
	return func(lim *Limiter) {
		lim.retry = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithOnDecision(fn func(d Decision)) Option {
	return func(lim *Limiter) {
		lim.OnDecision = fn
	}
}

func WithOnDenied(fn func(clientKey string)) Option {
	return func(lim *Limiter) {
		lim.OnDenied = fn
	}
}

func WithOnStoreError(fn func(err error)) Option {
	return func(lim *Limiter) {
		lim.OnStoreError = fn
	}
}

// New validates cfg and returns a Limiter owning its view of store.
func New(cfg Config, store Store, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store is nil", ErrInvalidConfig)
	}
	l := &Limiter{
		cfg:     cfg,
		store:   store,
		logger:  log.Nop(),
		now:     time.Now,
		keyFunc: ClientKey,
		retry:   rate.NewLimiter(1, 1),
	}
	for _, o := range opts {
		o(l)
	}
	l.logger = l.logger.With("limiter", cfg.Name)
	return l, nil
}

// Config returns the limiter configuration.
func (l *Limiter) Config() Config { return l.cfg }

// CheckAndRecord counts clientKey's requests in the trailing window, records this
// one, and decides. It never returns an error: store failures fail open.
func (l *Limiter) CheckAndRecord(ctx context.Context, clientKey string) Decision {
	now := l.now()
	d := Decision{
		Limit:   l.cfg.MaxRequests,
		ResetAt: now.Add(l.cfg.WindowSize),
	}

	if l.storeDown.Load() && !l.retry.Allow() {
		return l.decide(l.failOpen(d))
	}

	key := l.cfg.storageKey(clientKey)

	// detach from request cancellation so a client hanging up isn't mistaken for a store outage
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.storeTimeout())
	count, entryID, err := l.store.Record(sctx, key, now, l.cfg.WindowSize)
	cancel()
	if err != nil {
		l.storeFailed(ctx, err)
		return l.decide(l.failOpen(d))
	}
	l.storeRecovered(ctx)

	d.key = key
	d.entryID = entryID
	d.Remaining = max(0, l.cfg.MaxRequests-count-1)
	if count+1 > l.cfg.MaxRequests {
		d.RetryAfter = l.cfg.WindowSize
		if l.OnDenied != nil {
			l.OnDenied(clientKey)
		}
		return l.decide(d)
	}
	d.Allowed = true
	return l.decide(d)
}

// Forget removes the request behind d from its window. No-op for fail-open decisions.
func (l *Limiter) Forget(ctx context.Context, d Decision) {
	if d.entryID == "" {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.storeTimeout())
	defer cancel()
	if err := l.store.Forget(sctx, d.key, d.entryID); err != nil {
		l.storeFailed(ctx, err)
		return
	}
	l.storeRecovered(ctx)
}

func (l *Limiter) decide(d Decision) Decision {
	if l.OnDecision != nil {
		l.OnDecision(d)
	}
	return d
}

func (l *Limiter) failOpen(d Decision) Decision {
	d.Allowed = true
	d.FailOpen = true
	d.Remaining = l.cfg.MaxRequests
	return d
}

func (l *Limiter) storeFailed(ctx context.Context, err error) {
	if l.storeDown.CompareAndSwap(false, true) {
		l.logger.Error(ctx, err, "rate limit store unavailable, admitting requests uncounted until it recovers")
	}
	if l.OnStoreError != nil {
		l.OnStoreError(err)
	}
}

func (l *Limiter) storeRecovered(ctx context.Context) {
	if l.storeDown.CompareAndSwap(true, false) {
		l.logger.Info(ctx, "rate limit store recovered")
	}
}
