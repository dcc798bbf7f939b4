package ratelimit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisStore(client), client
}

func TestRedisStore_RecordAndPrune(t *testing.T) {
	_, store, client := newTestRedis(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	for i := 0; i < 3; i++ {
		count, member, err := store.Record(ctx, "rl:site:1.2.3.4", base.Add(time.Duration(i)*time.Millisecond), time.Second)
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		if count != i {
			t.Fatalf("record %d: count = %d, want %d", i, count, i)
		}
		if !strings.HasPrefix(member, "1700000000") {
			t.Fatalf("member %q should start with the timestamp", member)
		}
	}

	// t=0 and t=1 drop out, t=2 stays
	count, _, err := store.Record(ctx, "rl:site:1.2.3.4", base.Add(1001*time.Millisecond), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("count after slide = %d, want 1", count)
	}

	n, err := client.ZCard(ctx, "rl:site:1.2.3.4").Result()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("ZCARD = %d, want 2", n)
	}
}

func TestRedisStore_SetsExpiry(t *testing.T) {
	mr, store, _ := newTestRedis(t)
	if _, _, err := store.Record(context.Background(), "rl:site:k", time.Now(), time.Minute); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL("rl:site:k"); ttl != time.Minute {
		t.Fatalf("TTL = %v, want 1m", ttl)
	}

	mr.FastForward(time.Minute + time.Second)
	if mr.Exists("rl:site:k") {
		t.Fatal("idle key should expire")
	}
}

func TestRedisStore_SameMillisecondEntriesAreDistinct(t *testing.T) {
	_, store, _ := newTestRedis(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	for i := 0; i < 5; i++ {
		count, _, err := store.Record(ctx, "k", now, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if count != i {
			t.Fatalf("record %d: count = %d, entries at the same ms collapsed", i, count)
		}
	}
}

func TestRedisStore_Forget(t *testing.T) {
	_, store, client := newTestRedis(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	_, member, _ := store.Record(ctx, "k", now, time.Minute)
	store.Record(ctx, "k", now, time.Minute)

	if err := store.Forget(ctx, "k", member); err != nil {
		t.Fatal(err)
	}
	if n, _ := client.ZCard(ctx, "k").Result(); n != 1 {
		t.Fatalf("ZCARD after forget = %d, want 1", n)
	}
}

func TestRedisStore_ErrorsWhenDown(t *testing.T) {
	mr, store, _ := newTestRedis(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := store.Record(ctx, "k", time.Now(), time.Minute); err == nil {
		t.Fatal("expected error with redis down")
	}
	if err := store.Ping(ctx); err == nil {
		t.Fatal("expected ping error with redis down")
	}
}

func TestRedisStore_LimiterScenario(t *testing.T) {
	_, store, _ := newTestRedis(t)
	clock := newFakeClock()
	l, err := New(testConfig(5, 60*time.Second), store, WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		clock.At(int64(i))
		d := l.CheckAndRecord(ctx, "1.2.3.4")
		if !d.Allowed || d.Remaining != 4-i {
			t.Fatalf("request %d: allowed=%v remaining=%d", i+1, d.Allowed, d.Remaining)
		}
	}
	clock.At(5)
	if d := l.CheckAndRecord(ctx, "1.2.3.4"); d.Allowed {
		t.Fatal("request 6 should be rejected")
	}
}

func TestRedisStore_InstancesShareBudget(t *testing.T) {
	_, store, _ := newTestRedis(t)
	cfg := testConfig(4, time.Minute)

	a, err := New(cfg, store)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(cfg, store)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	allowed := 0
	for i := 0; i < 4; i++ {
		if a.CheckAndRecord(ctx, "10.0.0.1").Allowed {
			allowed++
		}
		if b.CheckAndRecord(ctx, "10.0.0.1").Allowed {
			allowed++
		}
	}
	if allowed != 4 {
		t.Fatalf("allowed across instances = %d, want 4", allowed)
	}
}

func TestRedisStore_LimiterFailsOpenWhenDown(t *testing.T) {
	mr, store, _ := newTestRedis(t)
	spy := newSpyLogger()
	l, err := New(testConfig(1, time.Minute), store, WithLogger(spy))
	if err != nil {
		t.Fatal(err)
	}
	mr.Close()

	for i := 0; i < 5; i++ {
		d := l.CheckAndRecord(context.Background(), "10.0.0.1")
		if !d.Allowed || !d.FailOpen {
			t.Fatalf("request %d: %+v, want fail-open admit", i+1, d)
		}
	}
	if spy.errors.Load() != 1 {
		t.Fatalf("errors logged = %d, want 1", spy.errors.Load())
	}
}

func TestNewRedisClient(t *testing.T) {
	c, err := NewRedisClient("redis://:secret@localhost:6379/2")
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	defer c.Close()
	opts := c.Options()
	if opts.Addr != "localhost:6379" || opts.DB != 2 || opts.Password != "secret" {
		t.Fatalf("options = addr %q db %d", opts.Addr, opts.DB)
	}
	if opts.MaxRetries != 0 {
		t.Fatalf("MaxRetries = %d, want 0", opts.MaxRetries)
	}

	if _, err := NewRedisClient("http://localhost"); err == nil {
		t.Fatal("expected error for non-redis scheme")
	}
}
