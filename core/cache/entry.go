package cache

import (
	"context"
	"time"
)

// TierHint tells which tiers hold the freshest copy of an entry.
type TierHint uint8

const (
	TierL1   TierHint = 1 << 0
	TierL2   TierHint = 1 << 1
	TierBoth          = TierL1 | TierL2
)

func (h TierHint) String() string {
	switch h {
	case TierL1:
		return "l1"
	case TierL2:
		return "l2"
	case TierBoth:
		return "l1+l2"
	default:
		return "none"
	}
}

// Entry is one cached artifact. Value is opaque to the cache.
type Entry struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
	// ExpiresAt is zero for entries that live until invalidated.
	ExpiresAt time.Time
	// Version grows monotonically per key. Zero on a write means
	// "one above whatever is stored".
	Version  uint64
	TierHint TierHint
}

// Expired reports whether the entry is past its expiry at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// TTL returns the remaining lifetime at now. Zero means no expiry;
// an already expired entry reports a negative duration.
func (e Entry) TTL(now time.Time) time.Duration {
	if e.ExpiresAt.IsZero() {
		return 0
	}
	if d := e.ExpiresAt.Sub(now); d != 0 {
		return d
	}
	return -1
}

// Tier is one level of the cache hierarchy.
type Tier interface {
	// Name identifies the tier in logs and analytics.
	Name() string
	// Get returns the live entry for key or ErrCacheMiss.
	Get(ctx context.Context, key string) (Entry, error)
	// Set stores the entry and returns it as stored, with the version assigned.
	// A zero Version stores one above the current version. A non-zero Version
	// lower than the stored one fails with ErrStaleWrite; an equal one
	// overwrites.
	Set(ctx context.Context, e Entry) (Entry, error)
	// Invalidate removes every key matching the glob pattern and returns how
	// many were removed.
	Invalidate(ctx context.Context, pattern string) (int, error)
}
