package cache

import (
	"log/slog"
	"time"
)

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the logger for degraded tier operations.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides time.Now, for tests. Entry timestamps and tombstones
// are compared on this clock.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithDefaultTTL sets the ttl used when Set is called with ttl 0.
func WithDefaultTTL(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.defaultTTL = d
		}
	}
}

// WithTombstoneTTL sets how long an applied invalidation keeps older L2
// values from being served. It must exceed the slowest in-flight read.
func WithTombstoneTTL(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.tombstoneTTL = d
		}
	}
}

// WithWarmConcurrency bounds parallel loads during synchronous warming.
func WithWarmConcurrency(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.warmConcurrency = n
		}
	}
}

// WithWarmPendingTTL bounds how long an asynchronous warm task blocks another
// one for the same key.
func WithWarmPendingTTL(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.warmPendingTTL = d
		}
	}
}

// WithAnalytics replaces the lookup recorder.
func WithAnalytics(a *Analytics) CoordinatorOption {
	return func(c *Coordinator) {
		if a != nil {
			c.analytics = a
		}
	}
}

// WithTaskSubmitter enables WarmAsync.
func WithTaskSubmitter(s TaskSubmitter) CoordinatorOption {
	return func(c *Coordinator) {
		c.submitter = s
	}
}

// WithInvalidationBus broadcasts invalidations to other processes and lets
// Listen apply theirs.
func WithInvalidationBus(bus InvalidationBus) CoordinatorOption {
	return func(c *Coordinator) {
		c.bus = bus
	}
}

// WithLoader registers a loader for keys starting with prefix.
func WithLoader(prefix string, loader Loader) CoordinatorOption {
	return func(c *Coordinator) {
		if loader != nil {
			c.loaders[prefix] = loader
		}
	}
}
