package queue

import "time"

// Config holds the configuration for the enqueuer, worker, retry controller
// and maintenance loop. Designed for environment-based configuration.
type Config struct {
	// Worker configuration
	PollInterval       time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"1s"`
	CancelPollInterval time.Duration `env:"QUEUE_CANCEL_POLL_INTERVAL" envDefault:"2s"`
	LockTimeout        time.Duration `env:"QUEUE_LOCK_TIMEOUT" envDefault:"5m"`
	ShutdownTimeout    time.Duration `env:"QUEUE_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	MaxConcurrentTasks int           `env:"QUEUE_MAX_CONCURRENT_TASKS" envDefault:"10" validate:"gte=1"`

	// Retry configuration
	MaxRetryDelay time.Duration `env:"QUEUE_MAX_RETRY_DELAY" envDefault:"1h"`

	// Enqueuer configuration
	DefaultPriority    Priority      `env:"QUEUE_DEFAULT_PRIORITY" envDefault:"normal"`
	DefaultMaxAttempts int           `env:"QUEUE_DEFAULT_MAX_ATTEMPTS" envDefault:"3" validate:"gte=1"`
	DefaultTimeout     time.Duration `env:"QUEUE_DEFAULT_TIMEOUT" envDefault:"2m"`
	DefaultBackoffBase time.Duration `env:"QUEUE_DEFAULT_BACKOFF_BASE" envDefault:"1s"`

	// Maintenance configuration
	MaintenanceInterval time.Duration `env:"QUEUE_MAINTENANCE_INTERVAL" envDefault:"30s"`
	FailedTaskGrace     time.Duration `env:"QUEUE_FAILED_TASK_GRACE" envDefault:"1m"`
	RegistryRetention   time.Duration `env:"QUEUE_REGISTRY_RETENTION" envDefault:"168h"`
	DeadLetterRetention time.Duration `env:"QUEUE_DEAD_LETTER_RETENTION" envDefault:"0"`
}

// DefaultConfig returns sensible defaults for production use.
func DefaultConfig() Config {
	return Config{
		PollInterval:        time.Second,
		CancelPollInterval:  2 * time.Second,
		LockTimeout:         5 * time.Minute,
		ShutdownTimeout:     30 * time.Second,
		MaxConcurrentTasks:  10,
		MaxRetryDelay:       time.Hour,
		DefaultPriority:     PriorityNormal,
		DefaultMaxAttempts:  3,
		DefaultTimeout:      2 * time.Minute,
		DefaultBackoffBase:  time.Second,
		MaintenanceInterval: 30 * time.Second,
		FailedTaskGrace:     time.Minute,
		RegistryRetention:   7 * 24 * time.Hour,
	}
}
