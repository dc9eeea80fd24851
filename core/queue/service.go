package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/chartworker/core/logger"
)

// Service wires the enqueuer, worker, retry controller, maintenance loop,
// registry and dead-letter facade over one Storage and manages their lifecycle.
//
//	storage := queue.NewMemoryStorage()
//	svc, err := queue.NewService(storage,
//	    queue.WithWorkerOptions(queue.WithMaxConcurrentTasks(4)),
//	    queue.WithHandlers(queue.NewHandler("chart.render", renderChart)),
//	)
//	if err != nil {
//	    return err
//	}
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(func() error { return svc.Run(ctx) })
//
//	id, err := svc.SubmitTask(ctx, "chart.render", "chart:42",
//	    queue.WithPriority(queue.PriorityHigh),
//	    queue.WithOwner("user-7"))
type Service struct {
	storage     Storage
	enqueuer    *Enqueuer
	worker      *Worker
	retry       *RetryController
	maintenance *Maintenance
	registry    *Registry
	deadLetters *DeadLetters
	logger      *slog.Logger

	enqueuerOpts    []EnqueuerOption
	workerOpts      []WorkerOption
	maintenanceOpts []MaintenanceOption
	handlers        []Handler
	maxRetryDelay   time.Duration

	skipWorkerIfNoHandlers bool

	// Hooks for custom initialization
	beforeStart func(context.Context) error
	afterStop   func() error
}

// ServiceStats aggregates storage and component statistics for admin surfaces.
type ServiceStats struct {
	Queue       QueueStats       `json:"queue"`
	Worker      WorkerStats      `json:"worker"`
	Maintenance MaintenanceStats `json:"maintenance"`
}

// NewService creates a queue service with all components over storage.
func NewService(storage Storage, opts ...ServiceOption) (*Service, error) {
	if storage == nil {
		return nil, ErrRepositoryNil
	}

	s := &Service{
		storage:                storage,
		logger:                 slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxRetryDelay:          time.Hour,
		skipWorkerIfNoHandlers: true,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply service option: %w", err)
		}
	}

	var err error
	if s.enqueuer, err = NewEnqueuer(storage, s.enqueuerOpts...); err != nil {
		return nil, fmt.Errorf("failed to create enqueuer: %w", err)
	}
	if s.retry, err = NewRetryController(storage, s.maxRetryDelay, s.logger); err != nil {
		return nil, fmt.Errorf("failed to create retry controller: %w", err)
	}
	if s.worker, err = NewWorker(storage, s.retry, s.workerOpts...); err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}
	if err := s.worker.RegisterHandlers(s.handlers...); err != nil {
		return nil, fmt.Errorf("failed to register handlers: %w", err)
	}
	if s.maintenance, err = NewMaintenance(storage, s.retry, s.maintenanceOpts...); err != nil {
		return nil, fmt.Errorf("failed to create maintenance loop: %w", err)
	}
	if s.registry, err = NewRegistry(storage, s.worker, s.logger); err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}
	if s.deadLetters, err = NewDeadLetters(storage, s.enqueuer, s.logger); err != nil {
		return nil, fmt.Errorf("failed to create dead letter store: %w", err)
	}

	return s, nil
}

// NewServiceFromConfig creates a queue service using configuration and storage.
// Additional options can override config values.
func NewServiceFromConfig(cfg Config, storage Storage, opts ...ServiceOption) (*Service, error) {
	serviceOpts := append([]ServiceOption{
		WithMaxRetryDelay(cfg.MaxRetryDelay),
		WithWorkerOptions(
			WithPullInterval(cfg.PollInterval),
			WithLeaseGrace(cfg.LockTimeout),
			WithShutdownTimeout(cfg.ShutdownTimeout),
			WithMaxConcurrentTasks(cfg.MaxConcurrentTasks),
		),
		WithEnqueuerOptions(
			WithDefaultPriority(cfg.DefaultPriority),
			WithDefaultMaxAttempts(cfg.DefaultMaxAttempts),
			WithDefaultTimeout(cfg.DefaultTimeout),
			WithDefaultBackoffBase(cfg.DefaultBackoffBase),
		),
		WithMaintenanceOptions(
			WithMaintenanceInterval(cfg.MaintenanceInterval),
			WithRegistryRetention(cfg.RegistryRetention),
			WithDeadLetterRetention(cfg.DeadLetterRetention),
			WithMaintenanceShutdownTimeout(cfg.ShutdownTimeout),
		),
	}, opts...)

	return NewService(storage, serviceOpts...)
}

// Run starts the worker and the maintenance loop in an error group and
// blocks until the context is cancelled or a component fails.
// The worker is skipped when no handlers are registered unless
// WithSkipWorkerIfNoHandlers(false) is set.
func (s *Service) Run(ctx context.Context) error {
	if s.beforeStart != nil {
		if err := s.beforeStart(ctx); err != nil {
			return fmt.Errorf("before start hook failed: %w", err)
		}
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if s.skipWorkerIfNoHandlers && s.worker.HandlerCount() == 0 {
			s.logger.InfoContext(ctx, "no task handlers registered, worker will not start")
			return nil
		}

		s.logger.InfoContext(ctx, "starting queue worker",
			slog.Int("handlers", s.worker.HandlerCount()))

		return s.worker.Run(ctx)()
	})

	eg.Go(s.maintenance.Run(ctx))

	err := eg.Wait()

	if s.afterStop != nil {
		if stopErr := s.afterStop(); stopErr != nil {
			if err == nil {
				err = fmt.Errorf("after stop hook failed: %w", stopErr)
			} else {
				s.logger.ErrorContext(context.Background(), "after stop hook failed", logger.Error(stopErr))
			}
		}
	}

	return err
}

// Stop gracefully stops the worker and the maintenance loop.
func (s *Service) Stop() error {
	s.logger.InfoContext(context.Background(), "stopping queue service")

	var errs []error
	if err := s.worker.Stop(); err != nil && !errors.Is(err, ErrNotStarted) {
		errs = append(errs, err)
	}
	if err := s.maintenance.Stop(); err != nil && !errors.Is(err, ErrNotStarted) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SubmitTask validates and stores a new envelope and returns its id.
func (s *Service) SubmitTask(ctx context.Context, taskType, payloadRef string, opts ...EnqueueOption) (uuid.UUID, error) {
	return s.enqueuer.Submit(ctx, taskType, payloadRef, opts...)
}

// GetStatus returns the status and progress metadata of a task.
func (s *Service) GetStatus(ctx context.Context, p Principal, taskID uuid.UUID) (StatusReport, error) {
	return s.registry.GetStatus(ctx, p, taskID)
}

// ListForOwner lists an owner's tasks.
func (s *Service) ListForOwner(ctx context.Context, p Principal, ownerID string, limit int) ([]StatusReport, error) {
	return s.registry.ListForOwner(ctx, p, ownerID, limit)
}

// Cancel cancels a pending or running task.
func (s *Service) Cancel(ctx context.Context, p Principal, taskID uuid.UUID) error {
	return s.registry.Cancel(ctx, p, taskID)
}

// BulkCancel cancels every non-terminal task matching filter.
func (s *Service) BulkCancel(ctx context.Context, p Principal, filter TaskFilter) (BulkCancelResult, error) {
	return s.registry.BulkCancel(ctx, p, filter)
}

// RegisterHandler registers a task handler with the worker.
func (s *Service) RegisterHandler(handler Handler) error {
	return s.worker.RegisterHandler(handler)
}

// RegisterHandlers registers multiple task handlers with the worker.
func (s *Service) RegisterHandlers(handlers ...Handler) error {
	return s.worker.RegisterHandlers(handlers...)
}

// Stats returns queue depth per lane together with worker and maintenance counters.
func (s *Service) Stats(ctx context.Context) (ServiceStats, error) {
	qs, err := s.storage.Stats(ctx)
	if err != nil {
		return ServiceStats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return ServiceStats{
		Queue:       qs,
		Worker:      s.worker.Stats(),
		Maintenance: s.maintenance.Stats(),
	}, nil
}

// Healthcheck combines the worker and maintenance healthchecks.
// A skipped worker is not reported as unhealthy.
func (s *Service) Healthcheck(ctx context.Context) error {
	var errs []error
	if !(s.skipWorkerIfNoHandlers && s.worker.HandlerCount() == 0) {
		if err := s.worker.Healthcheck(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.maintenance.Healthcheck(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Worker returns the worker for handler registration and stats.
func (s *Service) Worker() *Worker {
	return s.worker
}

func (s *Service) Enqueuer() *Enqueuer {
	return s.enqueuer
}

func (s *Service) Registry() *Registry {
	return s.registry
}

// DeadLetters returns the dead-letter facade for listing, reprocessing and purging.
func (s *Service) DeadLetters() *DeadLetters {
	return s.deadLetters
}

func (s *Service) Maintenance() *Maintenance {
	return s.maintenance
}

// Storage returns the underlying storage implementation.
func (s *Service) Storage() Storage {
	return s.storage
}
