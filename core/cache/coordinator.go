package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/dmitrymomot/chartworker/core/logger"
	"github.com/dmitrymomot/chartworker/core/queue"
	"github.com/dmitrymomot/chartworker/pkg/async"
)

// NoExpiry passed as a ttl stores an entry that lives until invalidated.
const NoExpiry time.Duration = -1

// WarmTaskType is the queue task type async warming submits.
const WarmTaskType = "cache.warm"

// CacheKeyTag is the envelope tag carrying the key of a warm task.
const CacheKeyTag = "cache_key"

// Loader computes the value for a key on a miss.
type Loader interface {
	// Load returns the value and its ttl (0 means the coordinator default).
	Load(ctx context.Context, key string) ([]byte, time.Duration, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, key string) ([]byte, time.Duration, error)

func (f LoaderFunc) Load(ctx context.Context, key string) ([]byte, time.Duration, error) {
	return f(ctx, key)
}

// TaskSubmitter enqueues background tasks. *queue.Service satisfies it.
type TaskSubmitter interface {
	SubmitTask(ctx context.Context, taskType, payloadRef string, opts ...queue.EnqueueOption) (uuid.UUID, error)
}

// SubmitterFunc adapts a submit function, e.g. (*queue.Enqueuer).Submit.
type SubmitterFunc func(ctx context.Context, taskType, payloadRef string, opts ...queue.EnqueueOption) (uuid.UUID, error)

func (f SubmitterFunc) SubmitTask(ctx context.Context, taskType, payloadRef string, opts ...queue.EnqueueOption) (uuid.UUID, error) {
	return f(ctx, taskType, payloadRef, opts...)
}

// InvalidationBus carries invalidations between processes sharing one L2.
type InvalidationBus interface {
	PublishInvalidation(ctx context.Context, pattern string, at time.Time) error
	SubscribeInvalidations(ctx context.Context, fn func(Invalidation)) error
}

// WarmMode selects how Warm computes entries.
type WarmMode int

const (
	// WarmSync loads every key before returning.
	WarmSync WarmMode = iota
	// WarmAsync submits one Low priority cache.warm task per key.
	WarmAsync
)

// WarmResult reports what Warm did. Skipped lists keys whose asynchronous
// warm task from an earlier call is still in flight.
type WarmResult struct {
	Warmed  []string
	TaskIDs []uuid.UUID
	Skipped []string
	Failed  map[string]error
}

type tombstone struct {
	pattern   string
	at        time.Time
	pendingL2 bool
}

// Coordinator unifies the L1 and L2 tiers: read-through with promotion,
// write-through with versioning, pattern invalidation with tombstones, and
// loader backed warming. A nil L2 runs the coordinator on L1 alone.
type Coordinator struct {
	l1        Tier
	l2        Tier
	bus       InvalidationBus
	submitter TaskSubmitter
	analytics *Analytics
	logger    *slog.Logger
	now       func() time.Time

	defaultTTL      time.Duration
	tombstoneTTL    time.Duration
	warmConcurrency int
	warmPendingTTL  time.Duration

	// stampMu guards lastStamp, the high-water mark of the timestamps handed
	// to writes and invalidations. Every stamp is strictly after it.
	stampMu   sync.Mutex
	lastStamp time.Time

	// promoteMu orders L1 writes against invalidations: writers hold it
	// shared across their tombstone check and L1 write, Invalidate holds it
	// exclusively while recording the tombstone and clearing L1.
	promoteMu  sync.RWMutex
	tombMu     sync.Mutex
	tombstones []tombstone

	loadersMu sync.RWMutex
	loaders   map[string]Loader
	group     singleflight.Group

	// Keys with an asynchronous warm task in flight, with the time after
	// which another may be submitted.
	warmingMu sync.Mutex
	warming   map[string]time.Time
}

// NewCoordinator composes the tiers. l1 is required.
func NewCoordinator(l1, l2 Tier, opts ...CoordinatorOption) (*Coordinator, error) {
	if l1 == nil {
		return nil, ErrNilTier
	}

	c := &Coordinator{
		l1:              l1,
		l2:              l2,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:             time.Now,
		defaultTTL:      time.Hour,
		tombstoneTTL:    time.Minute,
		warmConcurrency: 8,
		warmPendingTTL:  5 * time.Minute,
		loaders:         make(map[string]Loader),
		warming:         make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.analytics == nil {
		c.analytics = NewAnalytics(":", 0)
	}
	return c, nil
}

// NewCoordinatorFromConfig creates a coordinator with settings from cfg.
// Options override config values.
func NewCoordinatorFromConfig(cfg Config, l1, l2 Tier, opts ...CoordinatorOption) (*Coordinator, error) {
	configOpts := []CoordinatorOption{
		WithDefaultTTL(cfg.DefaultTTL),
		WithTombstoneTTL(cfg.TombstoneTTL),
		WithWarmConcurrency(cfg.WarmConcurrency),
		WithWarmPendingTTL(cfg.WarmPendingTTL),
		WithAnalytics(NewAnalytics(cfg.PrefixDelimiter, cfg.TrackedKeys)),
	}
	return NewCoordinator(l1, l2, append(configOpts, opts...)...)
}

// RegisterLoader makes GetOrLoad and warming use loader for keys starting
// with prefix. The longest registered prefix wins.
func (c *Coordinator) RegisterLoader(prefix string, loader Loader) {
	c.loadersMu.Lock()
	c.loaders[prefix] = loader
	c.loadersMu.Unlock()
}

// Get returns the value for key or ErrCacheMiss.
func (c *Coordinator) Get(ctx context.Context, key string) ([]byte, error) {
	e, err := c.GetEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.Value, nil
}

// GetEntry looks up L1, then L2, promoting L2 hits into L1.
// L2 failures are logged and count as a miss.
func (c *Coordinator) GetEntry(ctx context.Context, key string) (Entry, error) {
	start := c.now()

	e, err := c.l1.Get(ctx, key)
	if err == nil {
		c.analytics.RecordHit(key, TierL1, c.now().Sub(start))
		return e, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		c.degraded(ctx, "l1 lookup failed", c.l1, key, err)
	}

	if c.l2 != nil {
		e, err = c.l2.Get(ctx, key)
		switch {
		case err == nil:
			if promoted, visible := c.promote(ctx, e); visible {
				if promoted {
					e.TierHint = TierBoth
				}
				c.analytics.RecordHit(key, TierL2, c.now().Sub(start))
				return e, nil
			}
		case errors.Is(err, ErrCacheMiss):
		default:
			c.degraded(ctx, "l2 lookup failed", c.l2, key, err)
		}
	}

	c.analytics.RecordMiss(key, c.now().Sub(start))
	return Entry{}, ErrCacheMiss
}

// Set writes value to both tiers with the next version.
// ttl 0 uses the default; a negative ttl such as NoExpiry stores without expiry.
func (c *Coordinator) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (Entry, error) {
	return c.write(ctx, key, value, ttl, 0)
}

// SetVersioned writes value with an explicit version. A version lower than the
// stored one is rejected with ErrStaleWrite and nothing changes.
func (c *Coordinator) SetVersioned(ctx context.Context, key string, value []byte, ttl time.Duration, version uint64) (Entry, error) {
	if version == 0 {
		return Entry{}, ErrInvalidVersion
	}
	return c.write(ctx, key, value, ttl, version)
}

func (c *Coordinator) write(ctx context.Context, key string, value []byte, ttl time.Duration, version uint64) (Entry, error) {
	if key == "" {
		return Entry{}, ErrInvalidKey
	}

	now := c.now()
	e := Entry{Key: key, Value: value, CreatedAt: c.stamp(), Version: version}
	switch {
	case ttl == 0:
		ttl = c.defaultTTL
		fallthrough
	case ttl > 0:
		e.ExpiresAt = now.Add(ttl)
	}

	stored := e
	var hint TierHint

	if c.l2 != nil {
		s, err := c.l2.Set(ctx, e)
		switch {
		case err == nil:
			stored, hint = s, TierL2
			e.Version = s.Version
		case errors.Is(err, ErrStaleWrite), errors.Is(err, ErrInvalidKey):
			return Entry{}, err
		default:
			c.degraded(ctx, "l2 write failed", c.l2, key, err)
		}
	}

	c.promoteMu.RLock()
	defer c.promoteMu.RUnlock()

	if c.tombstoned(key, e.CreatedAt) {
		// An invalidation started after this write did; it wins.
		stored.TierHint = hint
		return stored, nil
	}

	s, err := c.l1.Set(ctx, e)
	switch {
	case err == nil:
		if hint == 0 {
			stored = s
		}
		hint |= TierL1
	case errors.Is(err, ErrStaleWrite) && hint != 0:
		// L1 holds a version L2 never saw. Drop it so L1 cannot serve older data.
		if _, err := c.l1.Invalidate(ctx, EscapePattern(key)); err != nil {
			c.degraded(ctx, "l1 drop failed", c.l1, key, err)
		}
	default:
		return Entry{}, err
	}

	c.endWarm(key)
	stored.TierHint = hint
	return stored, nil
}

// promote copies an L2 entry into L1. visible is false when a tombstone hides
// the entry.
func (c *Coordinator) promote(ctx context.Context, e Entry) (promoted, visible bool) {
	c.promoteMu.RLock()
	defer c.promoteMu.RUnlock()

	if c.tombstoned(e.Key, e.CreatedAt) {
		return false, false
	}
	if _, err := c.l1.Set(ctx, e); err != nil {
		if !errors.Is(err, ErrStaleWrite) {
			c.degraded(ctx, "l1 promotion failed", c.l1, e.Key, err)
		}
		return false, true
	}
	return true, true
}

// Invalidate removes every key matching pattern from L1, then L2, and
// returns the number removed from L2 (from L1 when L2 failed or is absent).
// Until the tombstone expires no L2 value created before this call is served.
// A failed L2 delete keeps the tombstone and is retried by the warmer.
func (c *Coordinator) Invalidate(ctx context.Context, pattern string) (int, error) {
	if err := ValidatePattern(pattern); err != nil {
		return 0, err
	}

	at := c.stamp()

	c.promoteMu.Lock()
	c.addTombstone(pattern, at, c.l2 != nil)
	removed, err := c.l1.Invalidate(ctx, pattern)
	c.promoteMu.Unlock()
	if err != nil {
		return 0, err
	}

	if c.l2 != nil {
		n, err := c.l2.Invalidate(ctx, pattern)
		if err != nil {
			c.logger.WarnContext(ctx, "l2 invalidation deferred",
				logger.Component("cache"),
				logger.Pattern(pattern),
				logger.Error(err))
			c.analytics.RecordError()
		} else {
			c.clearPending(pattern, at)
			removed = n
		}
	}

	if c.bus != nil {
		if err := c.bus.PublishInvalidation(ctx, pattern, at); err != nil {
			c.logger.WarnContext(ctx, "failed to broadcast invalidation",
				logger.Component("cache"),
				logger.Pattern(pattern),
				logger.Error(err))
		}
	}

	return removed, nil
}

// ApplyRemoteInvalidation drops a pattern invalidated by another process from
// L1. L2 was already cleared by the sender.
func (c *Coordinator) ApplyRemoteInvalidation(ctx context.Context, inv Invalidation) {
	if ValidatePattern(inv.Pattern) != nil {
		return
	}
	at := inv.At
	if at.IsZero() {
		at = c.stamp()
	} else {
		c.observe(at)
	}

	c.promoteMu.Lock()
	defer c.promoteMu.Unlock()

	c.addTombstone(inv.Pattern, at, false)
	if _, err := c.l1.Invalidate(ctx, inv.Pattern); err != nil {
		c.logger.WarnContext(ctx, "failed to apply remote invalidation",
			logger.Component("cache"),
			logger.Pattern(inv.Pattern),
			logger.Error(err))
	}
}

// Listen applies invalidations broadcast by other processes until ctx is
// done. It returns immediately when no bus is configured.
func (c *Coordinator) Listen(ctx context.Context) error {
	if c.bus == nil {
		return nil
	}
	return c.bus.SubscribeInvalidations(ctx, func(inv Invalidation) {
		c.ApplyRemoteInvalidation(ctx, inv)
	})
}

// RetryPendingInvalidations re-runs L2 deletes that failed earlier and prunes
// expired tombstones. It returns how many pending deletes are left.
func (c *Coordinator) RetryPendingInvalidations(ctx context.Context) int {
	c.pruneTombstones()
	if c.l2 == nil {
		return 0
	}

	c.tombMu.Lock()
	var pending []tombstone
	for _, tb := range c.tombstones {
		if tb.pendingL2 {
			pending = append(pending, tb)
		}
	}
	c.tombMu.Unlock()

	left := 0
	for _, tb := range pending {
		if _, err := c.l2.Invalidate(ctx, tb.pattern); err != nil {
			left++
			continue
		}
		c.clearPending(tb.pattern, tb.at)
		c.logger.InfoContext(ctx, "deferred l2 invalidation applied",
			logger.Component("cache"),
			logger.Pattern(tb.pattern))
	}
	return left
}

// PendingInvalidations returns the number of L2 deletes awaiting retry.
func (c *Coordinator) PendingInvalidations() int {
	c.tombMu.Lock()
	defer c.tombMu.Unlock()

	n := 0
	for _, tb := range c.tombstones {
		if tb.pendingL2 {
			n++
		}
	}
	return n
}

// GetOrLoad returns the cached value or computes it with the registered
// loader. Concurrent loads of the same key share one call.
func (c *Coordinator) GetOrLoad(ctx context.Context, key string) ([]byte, error) {
	if v, err := c.Get(ctx, key); err == nil {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A concurrent load may have finished between the miss and here.
		if e, err := c.l1.Get(ctx, key); err == nil {
			return e.Value, nil
		}
		return c.load(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Refresh recomputes key with its loader and overwrites the cached value.
func (c *Coordinator) Refresh(ctx context.Context, key string) error {
	_, err, _ := c.group.Do(key, func() (any, error) {
		return c.load(ctx, key)
	})
	return err
}

func (c *Coordinator) load(ctx context.Context, key string) ([]byte, error) {
	loader := c.loaderFor(key)
	if loader == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoLoader, key)
	}

	value, ttl, err := loader.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", key, err)
	}
	if _, err := c.Set(ctx, key, value, ttl); err != nil {
		c.logger.WarnContext(ctx, "failed to store loaded value",
			logger.Component("cache"),
			logger.CacheKey(key),
			logger.Error(err))
	}
	return value, nil
}

func (c *Coordinator) loaderFor(key string) Loader {
	c.loadersMu.RLock()
	defer c.loadersMu.RUnlock()

	var (
		best   Loader
		bestLn = -1
	)
	for prefix, l := range c.loaders {
		if strings.HasPrefix(key, prefix) && len(prefix) > bestLn {
			best, bestLn = l, len(prefix)
		}
	}
	return best
}

// Warm computes and stores entries for keys. WarmSync loads them concurrently
// and blocks; WarmAsync submits a Low priority task per key. The error joins
// the per-key failures.
func (c *Coordinator) Warm(ctx context.Context, keys []string, mode WarmMode) (WarmResult, error) {
	keys = uniqueKeys(keys)
	res := WarmResult{Failed: make(map[string]error)}

	switch mode {
	case WarmSync:
		c.warmSync(ctx, keys, &res)
	case WarmAsync:
		if c.submitter == nil {
			return res, ErrNoWarmSubmitter
		}
		for _, key := range keys {
			if !c.beginWarm(key) {
				res.Skipped = append(res.Skipped, key)
				continue
			}
			id, err := c.submitter.SubmitTask(ctx, WarmTaskType, key,
				queue.WithPriority(queue.PriorityLow),
				queue.WithTags(map[string]string{CacheKeyTag: key}))
			if err != nil {
				c.endWarm(key)
				res.Failed[key] = err
				continue
			}
			res.TaskIDs = append(res.TaskIDs, id)
		}
	default:
		return res, fmt.Errorf("unknown warm mode %d", mode)
	}

	errs := make([]error, 0, len(res.Failed))
	for _, key := range keys {
		if err, ok := res.Failed[key]; ok {
			errs = append(errs, fmt.Errorf("warm %q: %w", key, err))
		}
	}
	return res, errors.Join(errs...)
}

func (c *Coordinator) warmSync(ctx context.Context, keys []string, res *WarmResult) {
	futures := async.ExecEach(ctx, c.warmConcurrency, keys, c.Refresh)
	for i, f := range futures {
		if err := f.Await(); err != nil {
			res.Failed[keys[i]] = err
			continue
		}
		res.Warmed = append(res.Warmed, keys[i])
	}
}

// beginWarm claims key for one asynchronous warm task. A claim lapses after
// warmPendingTTL so a task lost to the dead-letter store does not block the
// key forever.
func (c *Coordinator) beginWarm(key string) bool {
	now := c.now()

	c.warmingMu.Lock()
	defer c.warmingMu.Unlock()
	if until, ok := c.warming[key]; ok && now.Before(until) {
		return false
	}
	c.warming[key] = now.Add(c.warmPendingTTL)
	return true
}

// endWarm releases the claim once a fresh value for key has been written.
func (c *Coordinator) endWarm(key string) {
	c.warmingMu.Lock()
	delete(c.warming, key)
	c.warmingMu.Unlock()
}

// stamp returns the current time, moved past the last stamp when the clock
// has not advanced, so writes and invalidations on one tick stay ordered.
func (c *Coordinator) stamp() time.Time {
	now := c.now()

	c.stampMu.Lock()
	defer c.stampMu.Unlock()
	if !now.After(c.lastStamp) {
		now = c.lastStamp.Add(time.Nanosecond)
	}
	c.lastStamp = now
	return now
}

// observe moves the high-water mark past a remote invalidation, so local
// writes stamped afterwards are ordered after it.
func (c *Coordinator) observe(at time.Time) {
	c.stampMu.Lock()
	if at.After(c.lastStamp) {
		c.lastStamp = at
	}
	c.stampMu.Unlock()
}

// peek reads an entry without touching analytics or promoting it.
func (c *Coordinator) peek(ctx context.Context, key string) (Entry, error) {
	if e, err := c.l1.Get(ctx, key); err == nil {
		return e, nil
	}
	if c.l2 == nil {
		return Entry{}, ErrCacheMiss
	}
	e, err := c.l2.Get(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	if c.tombstoned(key, e.CreatedAt) {
		return Entry{}, ErrCacheMiss
	}
	return e, nil
}

// Analytics returns the lookup recorder.
func (c *Coordinator) Analytics() *Analytics {
	return c.analytics
}

// Stats returns a snapshot of lookup analytics.
func (c *Coordinator) Stats() AnalyticsSnapshot {
	return c.analytics.Snapshot()
}

// Healthcheck pings L2 when it supports it. An unreachable L2 degrades the
// cache without breaking it, so callers decide how to weigh this error.
func (c *Coordinator) Healthcheck(ctx context.Context) error {
	p, ok := c.l2.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return errors.Join(ErrHealthcheckFailed, err)
	}
	return nil
}

func (c *Coordinator) degraded(ctx context.Context, msg string, tier Tier, key string, err error) {
	c.analytics.RecordError()
	c.logger.WarnContext(ctx, msg,
		logger.Component("cache"),
		logger.Tier(tier.Name()),
		logger.CacheKey(key),
		logger.Error(err))
}

func (c *Coordinator) addTombstone(pattern string, at time.Time, pendingL2 bool) {
	c.tombMu.Lock()
	c.tombstones = append(c.tombstones, tombstone{pattern: pattern, at: at, pendingL2: pendingL2})
	c.tombMu.Unlock()
}

func (c *Coordinator) clearPending(pattern string, at time.Time) {
	c.tombMu.Lock()
	defer c.tombMu.Unlock()
	for i := range c.tombstones {
		if c.tombstones[i].pattern == pattern && !c.tombstones[i].at.After(at) {
			c.tombstones[i].pendingL2 = false
		}
	}
}

func (c *Coordinator) pruneTombstones() {
	cutoff := c.now().Add(-c.tombstoneTTL)

	c.tombMu.Lock()
	defer c.tombMu.Unlock()
	kept := c.tombstones[:0]
	for _, tb := range c.tombstones {
		if tb.pendingL2 || tb.at.After(cutoff) {
			kept = append(kept, tb)
		}
	}
	clear(c.tombstones[len(kept):])
	c.tombstones = kept
}

// tombstoned reports whether an entry created at createdAt falls under a live
// tombstone. Pending tombstones never expire.
func (c *Coordinator) tombstoned(key string, createdAt time.Time) bool {
	cutoff := c.now().Add(-c.tombstoneTTL)

	c.tombMu.Lock()
	defer c.tombMu.Unlock()
	for _, tb := range c.tombstones {
		if !tb.pendingL2 && !tb.at.After(cutoff) {
			continue
		}
		if !createdAt.After(tb.at) && Match(tb.pattern, key) {
			return true
		}
	}
	return false
}

func uniqueKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
