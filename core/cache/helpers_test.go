package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/chartworker/core/cache"
)

var errDown = errors.New("connection refused")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flakyTier wraps a tier, counts calls and can simulate an outage.
type flakyTier struct {
	cache.Tier

	down           atomic.Bool
	invalidateDown atomic.Bool
	gets           atomic.Int64
	sets           atomic.Int64
}

func newFlakyTier(t cache.Tier) *flakyTier {
	return &flakyTier{Tier: t}
}

func (f *flakyTier) Get(ctx context.Context, key string) (cache.Entry, error) {
	f.gets.Add(1)
	if f.down.Load() {
		return cache.Entry{}, errors.Join(cache.ErrTierUnavailable, errDown)
	}
	return f.Tier.Get(ctx, key)
}

func (f *flakyTier) Set(ctx context.Context, e cache.Entry) (cache.Entry, error) {
	f.sets.Add(1)
	if f.down.Load() {
		return cache.Entry{}, errors.Join(cache.ErrTierUnavailable, errDown)
	}
	return f.Tier.Set(ctx, e)
}

func (f *flakyTier) Invalidate(ctx context.Context, pattern string) (int, error) {
	if f.down.Load() || f.invalidateDown.Load() {
		return 0, errors.Join(cache.ErrTierUnavailable, errDown)
	}
	return f.Tier.Invalidate(ctx, pattern)
}

// countingLoader returns "v:<key>" and counts calls.
type countingLoader struct {
	calls atomic.Int64
	ttl   time.Duration
	delay time.Duration
}

func (l *countingLoader) Load(ctx context.Context, key string) ([]byte, time.Duration, error) {
	l.calls.Add(1)
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	return []byte("v:" + key), l.ttl, nil
}
