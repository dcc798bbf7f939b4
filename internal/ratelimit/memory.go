package ratelimit

import (
	"context"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"
)

// DefaultSweepProbability is the fraction of Record calls that also sweep all keys.
const DefaultSweepProbability = 0.01

type stamp struct {
	at int64 // unix ms
	id uint64
}

// window keeps its own length so a sweep can prune keys written by limiters with different windows
type window struct {
	size   int64 // ms
	stamps []stamp
}

// MemoryStore is an in-process Store. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	seq     uint64

	sweepProbability float64
	random           func() float64
	clock            func() time.Time
}

type MemoryOption func(*MemoryStore)

// WithSweepProbability sets the fraction of Record calls that sweep every key and
// delete the ones left empty. 0 disables the opportunistic sweep (use Run instead).
func WithSweepProbability(p float64) MemoryOption {
	return func(s *MemoryStore) {
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}
		s.sweepProbability = p
	}
}

// WithSweepClock sets the clock Run uses to decide what has expired.
func WithSweepClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.clock = now
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		windows:          make(map[string]*window),
		sweepProbability: DefaultSweepProbability,
		random:           rand.Float64,
		clock:            time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *MemoryStore) Record(_ context.Context, key string, now time.Time, size time.Duration) (int, string, error) {
	nowMs := now.UnixMilli()
	sizeMs := size.Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		w = &window{}
		s.windows[key] = w
	}
	w.size = sizeMs
	w.stamps = prune(w.stamps, nowMs-sizeMs)
	count := len(w.stamps)

	s.seq++
	id := s.seq
	w.stamps = append(w.stamps, stamp{at: nowMs, id: id})

	if s.sweepProbability > 0 && s.random() < s.sweepProbability {
		s.sweepLocked(nowMs)
	}

	return count, strconv.FormatUint(id, 10), nil
}

func (s *MemoryStore) Forget(_ context.Context, key, entryID string) error {
	id, err := strconv.ParseUint(entryID, 10, 64)
	if err != nil {
		// not one of ours, nothing to remove
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		return nil
	}
	for i, st := range w.stamps {
		if st.id == id {
			w.stamps = append(w.stamps[:i], w.stamps[i+1:]...)
			break
		}
	}
	if len(w.stamps) == 0 {
		delete(s.windows, key)
	}
	return nil
}

// Sweep prunes every key against now and deletes keys left empty.
// Returns the number of keys deleted.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(now.UnixMilli())
}

func (s *MemoryStore) sweepLocked(nowMs int64) int {
	removed := 0
	for key, w := range s.windows {
		w.stamps = prune(w.stamps, nowMs-w.size)
		if len(w.stamps) == 0 {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx is cancelled. Equivalent to the
// opportunistic sweep for deployments that prefer a fixed schedule.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.clock())
		}
	}
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// prune drops stamps at or before start, in place, keeping order.
func prune(stamps []stamp, start int64) []stamp {
	kept := stamps[:0]
	for _, st := range stamps {
		if st.at > start {
			kept = append(kept, st)
		}
	}
	return kept
}
