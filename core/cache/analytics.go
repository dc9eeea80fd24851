package cache

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PrefixStats counts lookups for one key prefix.
type PrefixStats struct {
	Hits   int64
	Misses int64
}

// AnalyticsSnapshot is a point-in-time copy of the lookup counters.
type AnalyticsSnapshot struct {
	L1Hits     int64
	L2Hits     int64
	Misses     int64
	Errors     int64
	HitRate    float64
	AvgLatency time.Duration
	Prefixes   map[string]PrefixStats
}

// Hits returns the hits across both tiers.
func (s AnalyticsSnapshot) Hits() int64 {
	return s.L1Hits + s.L2Hits
}

// Lookups returns hits plus misses.
func (s AnalyticsSnapshot) Lookups() int64 {
	return s.Hits() + s.Misses
}

// Analytics records lookup outcomes. Per-key access counts are kept for the
// current and previous window only and are capped at maxKeys distinct keys
// per window.
type Analytics struct {
	l1Hits       atomic.Int64
	l2Hits       atomic.Int64
	misses       atomic.Int64
	errors       atomic.Int64
	latencyNanos atomic.Int64

	delimiter string
	maxKeys   int

	mu       sync.Mutex
	prefixes map[string]*PrefixStats
	window   map[string]int64
	previous map[string]int64
}

// NewAnalytics creates an empty recorder. Key prefixes are the part of the
// key before the first delimiter.
func NewAnalytics(delimiter string, maxKeys int) *Analytics {
	if delimiter == "" {
		delimiter = ":"
	}
	if maxKeys < 1 {
		maxKeys = 10000
	}
	return &Analytics{
		delimiter: delimiter,
		maxKeys:   maxKeys,
		prefixes:  make(map[string]*PrefixStats),
		window:    make(map[string]int64),
		previous:  make(map[string]int64),
	}
}

// Prefix returns the analytics prefix of key.
func (a *Analytics) Prefix(key string) string {
	if i := strings.Index(key, a.delimiter); i >= 0 {
		return key[:i]
	}
	return key
}

// RecordHit counts a hit served by tier.
func (a *Analytics) RecordHit(key string, tier TierHint, latency time.Duration) {
	if tier == TierL1 {
		a.l1Hits.Add(1)
	} else {
		a.l2Hits.Add(1)
	}
	a.latencyNanos.Add(int64(latency))
	a.record(key, true)
}

// RecordMiss counts a lookup neither tier could serve.
func (a *Analytics) RecordMiss(key string, latency time.Duration) {
	a.misses.Add(1)
	a.latencyNanos.Add(int64(latency))
	a.record(key, false)
}

// RecordError counts a tier failure that was degraded to a miss or no-op.
func (a *Analytics) RecordError() {
	a.errors.Add(1)
}

func (a *Analytics) record(key string, hit bool) {
	prefix := a.Prefix(key)

	a.mu.Lock()
	defer a.mu.Unlock()

	ps, ok := a.prefixes[prefix]
	if !ok {
		ps = &PrefixStats{}
		a.prefixes[prefix] = ps
	}
	if hit {
		ps.Hits++
	} else {
		ps.Misses++
	}

	if _, tracked := a.window[key]; tracked || len(a.window) < a.maxKeys {
		a.window[key]++
	}
}

// RotateWindow closes the current access window.
func (a *Analytics) RotateWindow() {
	a.mu.Lock()
	a.previous = a.window
	a.window = make(map[string]int64, len(a.previous))
	a.mu.Unlock()
}

// HotKeys returns the keys accessed at least threshold times in the last
// closed window, most accessed first.
func (a *Analytics) HotKeys(threshold int64) []string {
	a.mu.Lock()
	type counted struct {
		key string
		n   int64
	}
	hot := make([]counted, 0)
	for key, n := range a.previous {
		if n >= threshold {
			hot = append(hot, counted{key, n})
		}
	}
	a.mu.Unlock()

	slices.SortFunc(hot, func(x, y counted) int {
		if c := cmp.Compare(y.n, x.n); c != 0 {
			return c
		}
		return strings.Compare(x.key, y.key)
	})

	keys := make([]string, len(hot))
	for i, c := range hot {
		keys[i] = c.key
	}
	return keys
}

// Snapshot returns the counters.
func (a *Analytics) Snapshot() AnalyticsSnapshot {
	s := AnalyticsSnapshot{
		L1Hits: a.l1Hits.Load(),
		L2Hits: a.l2Hits.Load(),
		Misses: a.misses.Load(),
		Errors: a.errors.Load(),
	}
	if n := s.Lookups(); n > 0 {
		s.HitRate = float64(s.Hits()) / float64(n)
		s.AvgLatency = time.Duration(a.latencyNanos.Load() / n)
	}

	a.mu.Lock()
	s.Prefixes = make(map[string]PrefixStats, len(a.prefixes))
	for p, ps := range a.prefixes {
		s.Prefixes[p] = *ps
	}
	a.mu.Unlock()
	return s
}
