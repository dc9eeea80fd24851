package cache

import "time"

// Config holds the cache tiers, coordinator and warmer settings.
type Config struct {
	// L1
	L1Capacity int           `env:"CACHE_L1_CAPACITY" envDefault:"10000" validate:"gte=1"`
	L1MaxTTL   time.Duration `env:"CACHE_L1_MAX_TTL" envDefault:"5m"`

	// L2
	Namespace           string `env:"CACHE_NAMESPACE" envDefault:"chartworker:cache:"`
	InvalidationChannel string `env:"CACHE_INVALIDATION_CHANNEL" envDefault:"chartworker:cache:invalidations"`
	CompressThreshold   int    `env:"CACHE_COMPRESS_THRESHOLD" envDefault:"1024"`
	ScanBatchSize       int    `env:"CACHE_SCAN_BATCH_SIZE" envDefault:"500" validate:"gte=1"`

	// Coordinator
	DefaultTTL      time.Duration `env:"CACHE_DEFAULT_TTL" envDefault:"1h"`
	TombstoneTTL    time.Duration `env:"CACHE_TOMBSTONE_TTL" envDefault:"1m"`
	PrefixDelimiter string        `env:"CACHE_PREFIX_DELIMITER" envDefault:":"`
	TrackedKeys     int           `env:"CACHE_TRACKED_KEYS" envDefault:"10000" validate:"gte=1"`

	// Warmer
	WarmInterval    time.Duration `env:"CACHE_WARM_INTERVAL" envDefault:"30s"`
	WarmThreshold   int64         `env:"CACHE_WARM_THRESHOLD" envDefault:"10" validate:"gte=1"`
	WarmAhead       time.Duration `env:"CACHE_WARM_AHEAD" envDefault:"1m"`
	WarmConcurrency int           `env:"CACHE_WARM_CONCURRENCY" envDefault:"8" validate:"gte=1"`
	WarmPendingTTL  time.Duration `env:"CACHE_WARM_PENDING_TTL" envDefault:"5m"`
}

// DefaultConfig returns the same values as the env defaults.
func DefaultConfig() Config {
	return Config{
		L1Capacity:          10000,
		L1MaxTTL:            5 * time.Minute,
		Namespace:           "chartworker:cache:",
		InvalidationChannel: "chartworker:cache:invalidations",
		CompressThreshold:   1024,
		ScanBatchSize:       500,
		DefaultTTL:          time.Hour,
		TombstoneTTL:        time.Minute,
		PrefixDelimiter:     ":",
		TrackedKeys:         10000,
		WarmInterval:        30 * time.Second,
		WarmThreshold:       10,
		WarmAhead:           time.Minute,
		WarmConcurrency:     8,
		WarmPendingTTL:      5 * time.Minute,
	}
}

// NewMemoryTierFromConfig creates the L1 tier.
func NewMemoryTierFromConfig(cfg Config, opts ...MemoryTierOption) *MemoryTier {
	return NewMemoryTier(cfg.L1Capacity, append([]MemoryTierOption{WithMemoryMaxTTL(cfg.L1MaxTTL)}, opts...)...)
}
