package cache

import "errors"

var (
	// ErrCacheMiss is returned when a key is absent, expired or tombstoned.
	ErrCacheMiss = errors.New("cache miss")

	// ErrStaleWrite is returned when a versioned write carries a version lower
	// than the one already stored for the key.
	ErrStaleWrite = errors.New("stale cache write")

	// ErrTierUnavailable wraps transport failures of a cache tier.
	// The coordinator degrades to miss/no-op when it sees this error.
	ErrTierUnavailable = errors.New("cache tier unavailable")

	ErrInvalidKey      = errors.New("invalid cache key")
	ErrInvalidPattern  = errors.New("invalid invalidation pattern")
	ErrInvalidVersion  = errors.New("cache version must be positive")
	ErrNoLoader        = errors.New("no loader registered for key")
	ErrNilTier         = errors.New("cache tier is nil")
	ErrNilClient       = errors.New("redis client is nil")
	ErrNilCoordinator  = errors.New("cache coordinator is nil")
	ErrNoWarmSubmitter = errors.New("async warming requires a task submitter")

	ErrHealthcheckFailed    = errors.New("cache healthcheck failed")
	ErrWarmerAlreadyRunning = errors.New("cache warmer is already running")
	ErrWarmerNotRunning     = errors.New("cache warmer is not running")
)
