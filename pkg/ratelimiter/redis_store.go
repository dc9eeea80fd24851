package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript applies the same refill rule as Config.refill atomically on a
// hash {tokens, refill}. Times are unix milliseconds.
var consumeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local interval = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local want = tonumber(ARGV[5])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'refill')
local tokens = tonumber(state[1])
local refill = tonumber(state[2])
if tokens == nil or refill == nil then
	tokens = capacity
	refill = now
end

local elapsed = now - refill
if elapsed >= interval then
	local intervals = math.floor(elapsed / interval)
	local limit = math.floor(capacity / rate) + 1
	if intervals > limit then
		intervals = limit
	end
	tokens = tokens + intervals * rate
	if tokens >= capacity then
		tokens = capacity
		refill = now
	else
		refill = refill + intervals * interval
	end
end

local remaining = tokens - want
if remaining >= 0 then
	tokens = remaining
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'refill', refill)
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return {remaining, refill + interval}
`)

// RedisStore keeps buckets in Redis so several processes share one budget
// per key.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
	now       func() time.Time
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithRedisNamespace sets the key prefix. Defaults to "chartworker:ratelimit:".
func WithRedisNamespace(ns string) RedisStoreOption {
	return func(s *RedisStore) {
		s.namespace = ns
	}
}

// WithRedisStoreClock overrides the time source. Intended for tests.
func WithRedisStoreClock(now func() time.Time) RedisStoreOption {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRedisStore creates a store over client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) (*RedisStore, error) {
	if client == nil {
		return nil, ErrNilStore
	}
	s := &RedisStore{
		client:    client,
		namespace: "chartworker:ratelimit:",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ConsumeTokens implements Store.
func (s *RedisStore) ConsumeTokens(ctx context.Context, key string, tokens int, cfg Config) (int, time.Time, error) {
	interval := max(cfg.RefillInterval.Milliseconds(), 1)
	fillTime := (int64(cfg.Capacity/cfg.RefillRate) + 2) * interval

	res, err := consumeScript.Run(ctx, s.client, []string{s.namespace + key},
		cfg.Capacity, cfg.RefillRate, interval, s.now().UnixMilli(), tokens, fillTime,
	).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("%w: unexpected script reply %v", ErrStoreUnavailable, res)
	}
	return int(res[0]), time.UnixMilli(res[1]), nil
}

// Reset implements Store.
func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.namespace+key).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Healthcheck pings Redis.
func (s *RedisStore) Healthcheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}
