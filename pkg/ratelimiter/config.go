package ratelimiter

import (
	"fmt"
	"time"
)

// Config describes one token bucket. Capacity is the burst size; RefillRate
// tokens are added every RefillInterval, up to Capacity.
type Config struct {
	Capacity       int           `env:"RATELIMIT_CAPACITY" envDefault:"60" validate:"gte=1"`
	RefillRate     int           `env:"RATELIMIT_REFILL_RATE" envDefault:"1" validate:"gte=1"`
	RefillInterval time.Duration `env:"RATELIMIT_REFILL_INTERVAL" envDefault:"1s"`
}

// Validate reports whether the bucket can ever refill.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, c.Capacity)
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("%w: refill rate must be positive, got %d", ErrInvalidConfig, c.RefillRate)
	}
	if c.RefillInterval <= 0 {
		return fmt.Errorf("%w: refill interval must be positive, got %s", ErrInvalidConfig, c.RefillInterval)
	}
	return nil
}

// refill returns the tokens held after elapsed time and the refill instant
// that produced them. Whole intervals only, so partial progress is kept.
func (c Config) refill(tokens int, lastRefill, now time.Time) (int, time.Time) {
	elapsed := now.Sub(lastRefill)
	if elapsed < c.RefillInterval {
		return tokens, lastRefill
	}
	// Capped so that a long idle bucket cannot overflow the multiplication.
	maxIntervals := int64(c.Capacity/c.RefillRate + 1)
	intervals := min(int64(elapsed/c.RefillInterval), maxIntervals)
	tokens += int(intervals) * c.RefillRate
	if tokens >= c.Capacity {
		return c.Capacity, now
	}
	return tokens, lastRefill.Add(time.Duration(intervals) * c.RefillInterval)
}
