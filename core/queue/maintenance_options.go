package queue

import (
	"log/slog"
	"time"
)

// MaintenanceOption is a functional option for configuring the maintenance loop.
type MaintenanceOption func(*maintenanceOptions)

type maintenanceOptions struct {
	interval            time.Duration
	failedGrace         time.Duration
	registryRetention   time.Duration
	deadLetterRetention time.Duration
	shutdownTimeout     time.Duration
	logger              *slog.Logger
}

// WithMaintenanceInterval configures how often leases and retention windows are checked.
func WithMaintenanceInterval(d time.Duration) MaintenanceOption {
	return func(o *maintenanceOptions) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithFailedTaskGrace sets how long an envelope may sit in Failed before the
// maintenance loop applies the retry policy to it again.
func WithFailedTaskGrace(d time.Duration) MaintenanceOption {
	return func(o *maintenanceOptions) {
		if d > 0 {
			o.failedGrace = d
		}
	}
}

// WithRegistryRetention configures how long terminal envelopes stay queryable.
// Zero keeps them forever.
func WithRegistryRetention(d time.Duration) MaintenanceOption {
	return func(o *maintenanceOptions) {
		if d >= 0 {
			o.registryRetention = d
		}
	}
}

// WithDeadLetterRetention configures automatic dead-letter purging.
// Zero, the default, keeps records until purged explicitly.
func WithDeadLetterRetention(d time.Duration) MaintenanceOption {
	return func(o *maintenanceOptions) {
		if d >= 0 {
			o.deadLetterRetention = d
		}
	}
}

func WithMaintenanceShutdownTimeout(d time.Duration) MaintenanceOption {
	return func(o *maintenanceOptions) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

func WithMaintenanceLogger(logger *slog.Logger) MaintenanceOption {
	return func(o *maintenanceOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}
