package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/siteguard/internal/xerrors"
)

// RedisStore keeps each key as a sorted set of members scored by unix ms.
type RedisStore struct {
	client redis.UniversalClient
	tracer trace.Tracer
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		tracer: otel.Tracer("siteguard/ratelimit"),
	}
}

// NewRedisClient builds a client from a redis:// or rediss:// URL without dialing.
// Connectivity is checked lazily so a missing redis never blocks startup.
func NewRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse redis url")
	}
	// short timeouts, the limiter bounds every call anyway and fails open
	opts.DialTimeout = 500 * time.Millisecond
	opts.ReadTimeout = 250 * time.Millisecond
	opts.WriteTimeout = 250 * time.Millisecond
	// -1 disables retries, 0 would mean the default of 3
	opts.MaxRetries = -1
	return redis.NewClient(opts), nil
}

// Record runs ZREMRANGEBYSCORE, ZCARD, ZADD and PEXPIRE in one MULTI/EXEC.
func (s *RedisStore) Record(ctx context.Context, key string, now time.Time, window time.Duration) (int, string, error) {
	ctx, span := s.tracer.Start(ctx, "ratelimit.store.record",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.system", "redis")),
	)
	defer span.End()

	nowMs := now.UnixMilli()
	start := nowMs - window.Milliseconds()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(start, 10))
		card = p.ZCard(ctx, key)
		p.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: member})
		p.PExpire(ctx, key, window)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record failed")
		return 0, "", xerrors.Wrapf(err, "redis record %s", key)
	}

	count := int(card.Val())
	span.SetAttributes(attribute.Int("ratelimit.count", count))
	return count, member, nil
}

func (s *RedisStore) Forget(ctx context.Context, key, entryID string) error {
	if err := s.client.ZRem(ctx, key, entryID).Err(); err != nil {
		return xerrors.Wrapf(err, "redis forget %s", key)
	}
	return nil
}

// Ping reports whether redis answers, used for readiness.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
