package cache

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryTier is the process-local L1 tier: an LRU of entries with lazy
// expiry. Returned values share memory with the tier and must not be modified.
type MemoryTier struct {
	mu        sync.Mutex // serializes version check and store
	lru       *LRUCache[string, memoryEntry]
	maxTTL    time.Duration
	now       func() time.Time
	evictions atomic.Int64
}

// memoryEntry keeps the entry's own expiry intact and tracks the earlier
// deadline at which this tier drops it.
type memoryEntry struct {
	Entry
	evictAt time.Time
}

func (m memoryEntry) gone(now time.Time) bool {
	return !m.evictAt.IsZero() && !now.Before(m.evictAt)
}

// MemoryTierOption configures a MemoryTier.
type MemoryTierOption func(*MemoryTier)

// WithMemoryMaxTTL caps how long an entry may live in the tier regardless of
// its own expiry. The entry keeps reporting its own ExpiresAt. It bounds how long a process can serve a value another
// process has already invalidated.
func WithMemoryMaxTTL(d time.Duration) MemoryTierOption {
	return func(t *MemoryTier) {
		if d >= 0 {
			t.maxTTL = d
		}
	}
}

// WithMemoryClock overrides time.Now, for tests.
func WithMemoryClock(now func() time.Time) MemoryTierOption {
	return func(t *MemoryTier) {
		if now != nil {
			t.now = now
		}
	}
}

// NewMemoryTier creates an L1 tier holding at most capacity keys.
func NewMemoryTier(capacity int, opts ...MemoryTierOption) *MemoryTier {
	t := &MemoryTier{
		lru: NewLRUCache[string, memoryEntry](capacity),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.lru.SetEvictCallback(func(string, memoryEntry) { t.evictions.Add(1) })
	return t
}

func (t *MemoryTier) Name() string {
	return "l1"
}

func (t *MemoryTier) Get(_ context.Context, key string) (Entry, error) {
	m, ok := t.lru.Get(key)
	if !ok {
		return Entry{}, ErrCacheMiss
	}
	if m.gone(t.now()) {
		t.mu.Lock()
		// Recheck under the lock so a concurrent fresh Set is not dropped.
		if cur, ok := t.lru.Peek(key); ok && cur.gone(t.now()) {
			t.lru.Remove(key)
		}
		t.mu.Unlock()
		return Entry{}, ErrCacheMiss
	}
	e := m.Entry
	e.TierHint = TierL1
	return e, nil
}

func (t *MemoryTier) Set(_ context.Context, e Entry) (Entry, error) {
	if e.Key == "" {
		return Entry{}, ErrInvalidKey
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	cur, exists := t.lru.Peek(e.Key)
	if exists && cur.gone(now) {
		exists = false
	}

	switch {
	case e.Version == 0 && exists:
		e.Version = cur.Version + 1
	case e.Version == 0:
		e.Version = 1
	case exists && e.Version < cur.Version:
		return Entry{}, fmt.Errorf("%w: key %q has version %d, got %d", ErrStaleWrite, e.Key, cur.Version, e.Version)
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	evictAt := e.ExpiresAt
	if t.maxTTL > 0 {
		if limit := now.Add(t.maxTTL); evictAt.IsZero() || evictAt.After(limit) {
			evictAt = limit
		}
	}
	e.Value = bytes.Clone(e.Value)
	e.TierHint = TierL1

	t.lru.Put(e.Key, memoryEntry{Entry: e, evictAt: evictAt})
	return e, nil
}

func (t *MemoryTier) Invalidate(_ context.Context, pattern string) (int, error) {
	if err := ValidatePattern(pattern); err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for _, key := range t.lru.Keys() {
		if !Match(pattern, key) {
			continue
		}
		if _, ok := t.lru.Remove(key); ok {
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of keys held, including not yet collected expired ones.
func (t *MemoryTier) Len() int {
	return t.lru.Len()
}

// Evictions returns how many keys were dropped for capacity.
func (t *MemoryTier) Evictions() int64 {
	return t.evictions.Load()
}
