package ratelimit

import (
	"context"
	"time"
)

// Store holds the request timestamps of every key.
//
// Record must behave as one step: drop timestamps at or before now-window,
// count the survivors, append now and keep the key alive for at least window.
// It returns the count observed before the append and an id for the appended
// timestamp. Forget removes a timestamp previously returned by Record.
type Store interface {
	Record(ctx context.Context, key string, now time.Time, window time.Duration) (count int, entryID string, err error)
	Forget(ctx context.Context, key, entryID string) error
}
