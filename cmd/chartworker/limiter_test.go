package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/chartworker/core/queue"
	"github.com/dmitrymomot/chartworker/pkg/ratelimiter"
)

type brokenStore struct{}

func (brokenStore) ConsumeTokens(context.Context, string, int, ratelimiter.Config) (int, time.Time, error) {
	return 0, time.Time{}, ratelimiter.ErrStoreUnavailable
}

func (brokenStore) Reset(context.Context, string) error { return nil }

func newLimiter(t *testing.T, store ratelimiter.Store) *submitLimiter {
	t.Helper()
	bucket, err := ratelimiter.NewBucket(store, ratelimiter.Config{
		Capacity:       1,
		RefillRate:     1,
		RefillInterval: time.Hour,
	})
	require.NoError(t, err)
	return &submitLimiter{bucket: bucket, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestSubmitLimiter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("per owner bucket", func(t *testing.T) {
		t.Parallel()
		l := newLimiter(t, ratelimiter.NewMemoryStore())

		require.NoError(t, l.Allow(ctx, "alice"))
		err := l.Allow(ctx, "alice")
		assert.ErrorIs(t, err, queue.ErrRateLimited)
		assert.NoError(t, l.Allow(ctx, "bob"))
	})

	t.Run("anonymous is unlimited", func(t *testing.T) {
		t.Parallel()
		l := newLimiter(t, ratelimiter.NewMemoryStore())
		for range 3 {
			assert.NoError(t, l.Allow(ctx, ""))
		}
	})

	t.Run("store failure lets submissions through", func(t *testing.T) {
		t.Parallel()
		l := newLimiter(t, brokenStore{})
		assert.NoError(t, l.Allow(ctx, "alice"))
	})

	t.Run("wired into the enqueuer", func(t *testing.T) {
		t.Parallel()
		enq, err := queue.NewEnqueuer(queue.NewMemoryStorage(),
			queue.WithSubmitLimiter(newLimiter(t, ratelimiter.NewMemoryStore())))
		require.NoError(t, err)

		_, err = enq.Submit(ctx, "chart.render", "chart:1", queue.WithOwner("carol"))
		require.NoError(t, err)
		_, err = enq.Submit(ctx, "chart.render", "chart:2", queue.WithOwner("carol"))
		assert.ErrorIs(t, err, queue.ErrRateLimited)
	})
}

func TestOpenLimitStore(t *testing.T) {
	t.Parallel()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("memory store runs its cleanup loop", func(t *testing.T) {
		t.Parallel()
		store, local, err := openLimitStore(Config{RateLimitStore: limitStoreMemory}, nil, log)
		require.NoError(t, err)
		require.NotNil(t, local)
		assert.Same(t, local, store)

		assert.Error(t, local.Healthcheck(context.Background()))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- local.Run(ctx)() }()

		require.Eventually(t, func() bool { return local.Stats().IsRunning }, time.Second, 5*time.Millisecond)
		assert.NoError(t, local.Healthcheck(context.Background()))

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("cleanup loop did not stop")
		}
	})

	t.Run("redis store", func(t *testing.T) {
		t.Parallel()
		mr := miniredis.RunT(t)
		rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })

		store, local, err := openLimitStore(Config{RateLimitStore: limitStoreRedis}, rdb, log)
		require.NoError(t, err)
		assert.Nil(t, local)
		assert.IsType(t, &ratelimiter.RedisStore{}, store)
	})
}
