package health

import "time"

// Config holds the sampling interval and classification thresholds.
type Config struct {
	SampleInterval  time.Duration `env:"HEALTH_SAMPLE_INTERVAL" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"HEALTH_SHUTDOWN_TIMEOUT" envDefault:"5s"`

	DegradedDepth int `env:"HEALTH_DEGRADED_DEPTH" envDefault:"1000" validate:"gte=0"`
	CriticalDepth int `env:"HEALTH_CRITICAL_DEPTH" envDefault:"10000" validate:"gte=0"`

	DegradedUtilization float64 `env:"HEALTH_DEGRADED_UTILIZATION" envDefault:"0.9" validate:"gte=0,lte=1"`

	DegradedHitRate float64 `env:"HEALTH_DEGRADED_HIT_RATE" envDefault:"0.5" validate:"gte=0,lte=1"`
	CriticalHitRate float64 `env:"HEALTH_CRITICAL_HIT_RATE" envDefault:"0.1" validate:"gte=0,lte=1"`
	MinCacheLookups int64   `env:"HEALTH_MIN_CACHE_LOOKUPS" envDefault:"100" validate:"gte=0"`

	DegradedDeadLettersPerMinute float64 `env:"HEALTH_DEGRADED_DLQ_PER_MINUTE" envDefault:"1" validate:"gte=0"`
	CriticalDeadLettersPerMinute float64 `env:"HEALTH_CRITICAL_DLQ_PER_MINUTE" envDefault:"10" validate:"gte=0"`
}

// Thresholds returns the classification part of the config.
func (c Config) Thresholds() Thresholds {
	return Thresholds{
		DegradedDepth:                c.DegradedDepth,
		CriticalDepth:                c.CriticalDepth,
		DegradedUtilization:          c.DegradedUtilization,
		DegradedHitRate:              c.DegradedHitRate,
		CriticalHitRate:              c.CriticalHitRate,
		MinCacheLookups:              c.MinCacheLookups,
		DegradedDeadLettersPerMinute: c.DegradedDeadLettersPerMinute,
		CriticalDeadLettersPerMinute: c.CriticalDeadLettersPerMinute,
	}
}
