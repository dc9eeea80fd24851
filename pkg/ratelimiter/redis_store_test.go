package ratelimiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/chartworker/pkg/ratelimiter"
)

func newRedisStore(t *testing.T, clk *fakeClock) (*ratelimiter.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	store, err := ratelimiter.NewRedisStore(client,
		ratelimiter.WithRedisNamespace("test:rl:"),
		ratelimiter.WithRedisStoreClock(clk.Now))
	require.NoError(t, err)
	return store, mr
}

func TestRedisStore_ConsumeTokens(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	store, mr := newRedisStore(t, clk)
	ctx := context.Background()

	remaining, resetAt, err := store.ConsumeTokens(ctx, "owner", 8, testConfig)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
	assert.Equal(t, clk.Now().Add(time.Second).UnixMilli(), resetAt.UnixMilli())
	assert.True(t, mr.Exists("test:rl:owner"))

	remaining, _, err = store.ConsumeTokens(ctx, "owner", 5, testConfig)
	require.NoError(t, err)
	assert.Equal(t, -3, remaining, "denied")

	clk.Advance(2500 * time.Millisecond)
	remaining, _, err = store.ConsumeTokens(ctx, "owner", 0, testConfig)
	require.NoError(t, err)
	assert.Equal(t, 6, remaining)

	clk.Advance(time.Hour)
	remaining, _, err = store.ConsumeTokens(ctx, "owner", 1, testConfig)
	require.NoError(t, err)
	assert.Equal(t, 9, remaining)

	require.NoError(t, store.Reset(ctx, "owner"))
	assert.False(t, mr.Exists("test:rl:owner"))
}

func TestRedisStore_SharedAcrossBuckets(t *testing.T) {
	t.Parallel()

	store, _ := newRedisStore(t, newFakeClock())
	cfg := ratelimiter.Config{Capacity: 3, RefillRate: 1, RefillInterval: time.Minute}

	// Two limiters over one store behave like two processes.
	a, err := ratelimiter.NewBucket(store, cfg)
	require.NoError(t, err)
	b, err := ratelimiter.NewBucket(store, cfg)
	require.NoError(t, err)
	ctx := context.Background()

	for _, l := range []*ratelimiter.Bucket{a, b, a} {
		res, err := l.Allow(ctx, "owner")
		require.NoError(t, err)
		assert.True(t, res.Allowed())
	}
	res, err := b.Allow(ctx, "owner")
	require.NoError(t, err)
	assert.False(t, res.Allowed())
}

func TestRedisStore_Unavailable(t *testing.T) {
	t.Parallel()

	store, mr := newRedisStore(t, newFakeClock())
	ctx := context.Background()
	require.NoError(t, store.Healthcheck(ctx))

	mr.Close()
	_, _, err := store.ConsumeTokens(ctx, "owner", 1, testConfig)
	assert.ErrorIs(t, err, ratelimiter.ErrStoreUnavailable)
	assert.ErrorIs(t, store.Healthcheck(ctx), ratelimiter.ErrStoreUnavailable)

	_, err = ratelimiter.NewRedisStore(nil)
	assert.ErrorIs(t, err, ratelimiter.ErrNilStore)
}
