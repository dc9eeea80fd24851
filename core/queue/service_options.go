package queue

import (
	"context"
	"log/slog"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service) error

// WithServiceLogger sets the logger for the service, the retry controller,
// the registry and the dead-letter facade. Worker, enqueuer and maintenance
// loggers are set through their own options.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) error {
		if logger == nil {
			return nil
		}
		s.logger = logger
		return nil
	}
}

// WithWorkerOptions applies options to the worker component.
func WithWorkerOptions(opts ...WorkerOption) ServiceOption {
	return func(s *Service) error {
		s.workerOpts = append(s.workerOpts, opts...)
		return nil
	}
}

// WithEnqueuerOptions applies options to the enqueuer component.
func WithEnqueuerOptions(opts ...EnqueuerOption) ServiceOption {
	return func(s *Service) error {
		s.enqueuerOpts = append(s.enqueuerOpts, opts...)
		return nil
	}
}

// WithMaintenanceOptions applies options to the maintenance loop.
func WithMaintenanceOptions(opts ...MaintenanceOption) ServiceOption {
	return func(s *Service) error {
		s.maintenanceOpts = append(s.maintenanceOpts, opts...)
		return nil
	}
}

// WithMaxRetryDelay caps the exponential retry delay. Zero disables the cap.
func WithMaxRetryDelay(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d >= 0 {
			s.maxRetryDelay = d
		}
		return nil
	}
}

// WithSkipWorkerIfNoHandlers configures whether the worker should be skipped
// if no handlers are registered. Default is true.
func WithSkipWorkerIfNoHandlers(skip bool) ServiceOption {
	return func(s *Service) error {
		s.skipWorkerIfNoHandlers = skip
		return nil
	}
}

// WithBeforeStart sets a hook that runs before the service starts.
func WithBeforeStart(hook func(context.Context) error) ServiceOption {
	return func(s *Service) error {
		s.beforeStart = hook
		return nil
	}
}

// WithAfterStop sets a hook that runs after the service stops.
func WithAfterStop(hook func() error) ServiceOption {
	return func(s *Service) error {
		s.afterStop = hook
		return nil
	}
}

// WithHandlers registers task handlers during service creation.
func WithHandlers(handlers ...Handler) ServiceOption {
	return func(s *Service) error {
		s.handlers = append(s.handlers, handlers...)
		return nil
	}
}
