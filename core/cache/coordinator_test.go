package cache_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/chartworker/core/cache"
	"github.com/dmitrymomot/chartworker/core/queue"
)

type coordFixture struct {
	l1    *cache.MemoryTier
	l2    *flakyTier
	clock *fakeClock
	coord *cache.Coordinator
}

func newCoordinator(t *testing.T, opts ...cache.CoordinatorOption) *coordFixture {
	t.Helper()
	clock := newFakeClock()
	f := &coordFixture{
		l1:    cache.NewMemoryTier(100, cache.WithMemoryClock(clock.Now)),
		l2:    newFlakyTier(cache.NewMemoryTier(1000, cache.WithMemoryClock(clock.Now))),
		clock: clock,
	}
	coord, err := cache.NewCoordinator(f.l1, f.l2,
		append([]cache.CoordinatorOption{cache.WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	f.coord = coord
	return f
}

func TestCoordinator_RoundTripServedFromL1(t *testing.T) {
	t.Parallel()

	f := newCoordinator(t)
	ctx := context.Background()

	e, err := f.coord.Set(ctx, "chart:1", []byte("svg"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, cache.TierBoth, e.TierHint)
	assert.Equal(t, uint64(1), e.Version)

	v, err := f.coord.Get(ctx, "chart:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("svg"), v)
	assert.Zero(t, f.l2.gets.Load(), "L2 not consulted")

	stats := f.coord.Stats()
	assert.Equal(t, int64(1), stats.L1Hits)
	assert.Equal(t, 1.0, stats.HitRate)
}

func TestCoordinator_PromotesL2Hits(t *testing.T) {
	t.Parallel()

	f := newCoordinator(t)
	ctx := context.Background()

	_, err := f.l2.Set(ctx, cache.Entry{Key: "chart:2", Value: []byte("from-l2"), CreatedAt: f.clock.Now(), Version: 7})
	require.NoError(t, err)

	e, err := f.coord.GetEntry(ctx, "chart:2")
	require.NoError(t, err)
	assert.Equal(t, []byte("from-l2"), e.Value)
	assert.Equal(t, cache.TierBoth, e.TierHint)

	promoted, err := f.l1.Get(ctx, "chart:2")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), promoted.Version, "promotion keeps the L2 version")

	_, err = f.coord.Get(ctx, "chart:missing")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	stats := f.coord.Stats()
	assert.Equal(t, int64(1), stats.L2Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, cache.PrefixStats{Hits: 1, Misses: 1}, stats.Prefixes["chart"])
}

func TestCoordinator_InvalidateDoesNotResurrect(t *testing.T) {
	t.Parallel()

	f := newCoordinator(t, cache.WithTombstoneTTL(time.Minute))
	ctx := context.Background()

	for _, k := range []string{"chart:1", "chart:2", "interp:1"} {
		_, err := f.coord.Set(ctx, k, []byte("old"), time.Hour)
		require.NoError(t, err)
	}
	f.clock.Advance(time.Millisecond)

	// L2 keeps the stale data because its delete fails.
	f.l2.invalidateDown.Store(true)
	_, err := f.coord.Invalidate(ctx, "chart:*")
	require.NoError(t, err)
	assert.Equal(t, 1, f.coord.PendingInvalidations())

	_, err = f.coord.Get(ctx, "chart:1")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
	_, err = f.l1.Get(ctx, "chart:1")
	assert.ErrorIs(t, err, cache.ErrCacheMiss, "not promoted back into L1")

	_, err = f.coord.Get(ctx, "interp:1")
	assert.NoError(t, err, "other prefixes unaffected")

	// Pending tombstones outlive their ttl.
	f.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, f.coord.RetryPendingInvalidations(ctx))
	_, err = f.coord.Get(ctx, "chart:2")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	f.l2.invalidateDown.Store(false)
	assert.Zero(t, f.coord.RetryPendingInvalidations(ctx))
	_, err = f.l2.Get(ctx, "chart:2")
	assert.ErrorIs(t, err, cache.ErrCacheMiss, "deferred delete applied")

	// Writes after the invalidation are served.
	f.clock.Advance(time.Millisecond)
	_, err = f.coord.Set(ctx, "chart:1", []byte("new"), time.Hour)
	require.NoError(t, err)
	v, err := f.coord.Get(ctx, "chart:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)
}

func TestCoordinator_WriteOnInvalidationTick(t *testing.T) {
	t.Parallel()

	f := newCoordinator(t)
	ctx := context.Background()

	_, err := f.coord.Set(ctx, "chart:1", []byte("old"), time.Hour)
	require.NoError(t, err)

	// No clock movement between any of the calls.
	_, err = f.coord.Invalidate(ctx, "chart:*")
	require.NoError(t, err)
	_, err = f.coord.Get(ctx, "chart:1")
	assert.ErrorIs(t, err, cache.ErrCacheMiss, "write before the invalidation is hidden")

	_, err = f.coord.Set(ctx, "chart:1", []byte("new"), time.Hour)
	require.NoError(t, err)
	v, err := f.coord.Get(ctx, "chart:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)

	// Served from L2 through promotion as well.
	_, err = f.l1.Invalidate(ctx, "chart:1")
	require.NoError(t, err)
	v, err = f.coord.Get(ctx, "chart:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)
}

func TestCoordinator_InvalidateConcurrentReaders(t *testing.T) {
	t.Parallel()

	f := newCoordinator(t)
	ctx := context.Background()

	_, err := f.coord.Set(ctx, "chart:hot", []byte("old"), time.Hour)
	require.NoError(t, err)
	f.clock.Advance(time.Millisecond)
	f.l2.invalidateDown.Store(true)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_, _ = f.l1.Invalidate(ctx, "chart:hot")
					_, _ = f.coord.Get(ctx, "chart:hot")
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	_, err = f.coord.Invalidate(ctx, "chart:*")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()

	_, err = f.l1.Get(ctx, "chart:hot")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
	_, err = f.coord.Get(ctx, "chart:hot")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

func TestCoordinator_VersionConflict(t *testing.T) {
	t.Parallel()

	f := newCoordinator(t)
	ctx := context.Background()

	_, err := f.coord.SetVersioned(ctx, "interp:1", []byte("v3"), time.Hour, 3)
	require.NoError(t, err)
	_, err = f.coord.SetVersioned(ctx, "interp:1", []byte("v2"), time.Hour, 2)
	assert.ErrorIs(t, err, cache.ErrStaleWrite)

	v, err := f.coord.Get(ctx, "interp:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v3"), v)

	_, err = f.coord.SetVersioned(ctx, "interp:1", []byte("v0"), time.Hour, 0)
	assert.ErrorIs(t, err, cache.ErrInvalidVersion)

	e, err := f.coord.Set(ctx, "interp:1", []byte("next"), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.Version)
}

func TestCoordinator_ConcurrentVersionedWrites(t *testing.T) {
	t.Parallel()

	f := newCoordinator(t)
	ctx := context.Background()

	versions := rand.Perm(50)
	var wg sync.WaitGroup
	for _, v := range versions {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			_, _ = f.coord.SetVersioned(ctx, "interp:race", fmt.Appendf(nil, "v%d", v), time.Hour, v)
		}(uint64(v + 1))
	}
	wg.Wait()

	e, err := f.coord.GetEntry(ctx, "interp:race")
	require.NoError(t, err)
	assert.Equal(t, uint64(50), e.Version)
	assert.Equal(t, []byte("v50"), e.Value)
}

func TestCoordinator_L2Outage(t *testing.T) {
	t.Parallel()

	f := newCoordinator(t)
	ctx := context.Background()
	f.l2.down.Store(true)

	e, err := f.coord.Set(ctx, "chart:1", []byte("local"), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, cache.TierL1, e.TierHint)

	v, err := f.coord.Get(ctx, "chart:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("local"), v)

	_, err = f.coord.Get(ctx, "chart:other")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	n, err := f.coord.Invalidate(ctx, "chart:*")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "falls back to the L1 count")

	assert.Positive(t, f.coord.Stats().Errors)
	assert.NoError(t, f.coord.Healthcheck(ctx), "tiers without Ping are assumed healthy")
}

func TestCoordinator_L1AheadOfL2IsDropped(t *testing.T) {
	t.Parallel()

	f := newCoordinator(t)
	ctx := context.Background()

	// Written during an outage: L1 has versions 1 and 2, L2 nothing.
	f.l2.down.Store(true)
	_, err := f.coord.Set(ctx, "chart:1", []byte("a"), time.Hour)
	require.NoError(t, err)
	_, err = f.coord.Set(ctx, "chart:1", []byte("b"), time.Hour)
	require.NoError(t, err)
	f.l2.down.Store(false)

	e, err := f.coord.Set(ctx, "chart:1", []byte("c"), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Version)
	assert.Equal(t, cache.TierL2, e.TierHint)

	v, err := f.coord.Get(ctx, "chart:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), v, "latest write wins over the stale L1 copy")
}

func TestCoordinator_GetOrLoad(t *testing.T) {
	t.Parallel()

	loader := &countingLoader{delay: 20 * time.Millisecond}
	f := newCoordinator(t,
		cache.WithLoader("chart:", loader),
		cache.WithLoader("chart:natal:", cache.LoaderFunc(func(ctx context.Context, key string) ([]byte, time.Duration, error) {
			return []byte("natal"), time.Minute, nil
		})))
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([][]byte, 10)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := f.coord.GetOrLoad(ctx, "chart:7")
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), loader.calls.Load())
	for _, v := range results {
		assert.Equal(t, []byte("v:chart:7"), v)
	}

	v, err := f.coord.GetOrLoad(ctx, "chart:natal:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("natal"), v, "longest prefix wins")

	_, err = f.coord.GetOrLoad(ctx, "interp:1")
	assert.ErrorIs(t, err, cache.ErrNoLoader)
}

func TestCoordinator_WarmSync(t *testing.T) {
	t.Parallel()

	loader := &countingLoader{ttl: time.Minute}
	f := newCoordinator(t, cache.WithLoader("chart:", loader), cache.WithWarmConcurrency(2))
	ctx := context.Background()

	res, err := f.coord.Warm(ctx, []string{"chart:1", "chart:2", "chart:1", "interp:1"}, cache.WarmSync)
	assert.ErrorIs(t, err, cache.ErrNoLoader)
	assert.ElementsMatch(t, []string{"chart:1", "chart:2"}, res.Warmed)
	assert.Contains(t, res.Failed, "interp:1")
	assert.Equal(t, int64(2), loader.calls.Load())

	e, err := f.l1.Get(ctx, "chart:2")
	require.NoError(t, err)
	assert.Equal(t, []byte("v:chart:2"), e.Value)
	assert.Equal(t, f.clock.Now().Add(time.Minute), e.ExpiresAt)

	_, err = f.coord.Warm(ctx, []string{"chart:1"}, cache.WarmAsync)
	assert.ErrorIs(t, err, cache.ErrNoWarmSubmitter)
}

func TestCoordinator_WarmAsync(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)

	f := newCoordinator(t, cache.WithTaskSubmitter(cache.SubmitterFunc(enq.Submit)))
	ctx := context.Background()

	res, err := f.coord.Warm(ctx, []string{"chart:1", "chart:2"}, cache.WarmAsync)
	require.NoError(t, err)
	require.Len(t, res.TaskIDs, 2)

	task, err := storage.GetTask(ctx, res.TaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, cache.WarmTaskType, task.TaskType)
	assert.Equal(t, queue.PriorityLow, task.Priority)
	assert.Equal(t, "chart:1", task.PayloadRef)
	assert.Equal(t, "chart:1", task.Tags[cache.CacheKeyTag])

	t.Run("in-flight keys are not submitted twice", func(t *testing.T) {
		res, err := f.coord.Warm(ctx, []string{"chart:1", "chart:3"}, cache.WarmAsync)
		require.NoError(t, err)
		assert.Equal(t, []string{"chart:1"}, res.Skipped)
		require.Len(t, res.TaskIDs, 1)

		// A fresh value releases the key.
		_, err = f.coord.Set(ctx, "chart:1", []byte("x"), time.Hour)
		require.NoError(t, err)
		res, err = f.coord.Warm(ctx, []string{"chart:1"}, cache.WarmAsync)
		require.NoError(t, err)
		assert.Empty(t, res.Skipped)
		assert.Len(t, res.TaskIDs, 1)
	})

	t.Run("claims lapse", func(t *testing.T) {
		f.clock.Advance(10 * time.Minute)
		res, err := f.coord.Warm(ctx, []string{"chart:2"}, cache.WarmAsync)
		require.NoError(t, err)
		assert.Len(t, res.TaskIDs, 1)
	})

	stats, err := storage.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Depth())
}

func TestWarmHandler_ThroughQueue(t *testing.T) {
	t.Parallel()

	loader := &countingLoader{ttl: time.Minute}
	l1 := cache.NewMemoryTier(100)
	l2 := cache.NewMemoryTier(100)

	svc, err := queue.NewService(queue.NewMemoryStorage(),
		queue.WithWorkerOptions(queue.WithPullInterval(10*time.Millisecond)))
	require.NoError(t, err)

	coord, err := cache.NewCoordinator(l1, l2,
		cache.WithLoader("chart:", loader),
		cache.WithTaskSubmitter(svc))
	require.NoError(t, err)
	require.NoError(t, svc.RegisterHandler(cache.WarmHandler(coord)))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-runErr
	})

	res, err := coord.Warm(ctx, []string{"chart:9"}, cache.WarmAsync)
	require.NoError(t, err)
	require.Len(t, res.TaskIDs, 1)

	require.Eventually(t, func() bool {
		task, err := svc.Storage().GetTask(ctx, res.TaskIDs[0])
		return err == nil && task.Status == queue.TaskStatusSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	e, err := l2.Get(ctx, "chart:9")
	require.NoError(t, err)
	assert.Equal(t, []byte("v:chart:9"), e.Value)
}

func TestCoordinator_RemoteInvalidation(t *testing.T) {
	t.Parallel()

	f := newCoordinator(t)
	ctx := context.Background()

	_, err := f.coord.Set(ctx, "chart:1", []byte("x"), time.Hour)
	require.NoError(t, err)
	f.clock.Advance(time.Millisecond)

	f.coord.ApplyRemoteInvalidation(ctx, cache.Invalidation{Origin: "peer", Pattern: "chart:*", At: f.clock.Now()})

	_, err = f.l1.Get(ctx, "chart:1")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
	// The peer deleted L2 too; here L2 still holds it, and the tombstone hides it.
	_, err = f.coord.Get(ctx, "chart:1")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
	assert.Zero(t, f.coord.PendingInvalidations())
}

func TestCoordinator_Construction(t *testing.T) {
	t.Parallel()

	_, err := cache.NewCoordinator(nil, nil)
	assert.ErrorIs(t, err, cache.ErrNilTier)

	coord, err := cache.NewCoordinatorFromConfig(cache.DefaultConfig(), cache.NewMemoryTier(10), nil)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = coord.Set(ctx, "", []byte("x"), 0)
	assert.ErrorIs(t, err, cache.ErrInvalidKey)

	e, err := coord.Set(ctx, "chart:1", []byte("x"), cache.NoExpiry)
	require.NoError(t, err)
	assert.True(t, e.ExpiresAt.IsZero())
	assert.Equal(t, cache.TierL1, e.TierHint)

	_, err = coord.Invalidate(ctx, "")
	assert.ErrorIs(t, err, cache.ErrInvalidPattern)
	assert.NoError(t, coord.Listen(ctx), "no bus configured")
}
