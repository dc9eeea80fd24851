package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/chartworker/core/logger"
)

// LeaseExpiredReason is recorded on attempts whose worker stopped renewing its lease.
const LeaseExpiredReason = "worker lease expired"

// MaintenanceRepository plus the Failed listing and the purge operations of
// the registry and the dead-letter store.
type maintenanceStore interface {
	MaintenanceRepository
	PurgeTasks(ctx context.Context, olderThan time.Time) (int, error)
	PurgeDeadLetters(ctx context.Context, olderThan time.Time) (int, error)
	ListTasks(ctx context.Context, filter TaskFilter, limit int) ([]*Envelope, error)
}

// Maintenance periodically recovers envelopes abandoned by crashed workers,
// re-drives envelopes left in Failed, and applies the registry and dead-letter retention windows.
type Maintenance struct {
	repo  maintenanceStore
	retry *RetryController
	mu    sync.RWMutex
	wg    sync.WaitGroup

	interval            time.Duration
	failedGrace         time.Duration
	registryRetention   time.Duration
	deadLetterRetention time.Duration
	shutdownTimeout     time.Duration
	logger              *slog.Logger
	now                 func() time.Time

	cancel context.CancelFunc

	leasesRecovered    atomic.Int64
	failuresRedriven   atomic.Int64
	tasksPurged        atomic.Int64
	deadLettersPurged  atomic.Int64
	activeSweeps       atomic.Int32
	lastSweepUnixMilli atomic.Int64
}

// MaintenanceStats provides observability metrics for the maintenance loop.
type MaintenanceStats struct {
	LeasesRecovered   int64
	FailuresRedriven  int64
	TasksPurged       int64
	DeadLettersPurged int64
	ActiveSweeps      int32
	LastSweep         time.Time
	IsRunning         bool
}

// NewMaintenance creates the maintenance loop.
func NewMaintenance(repo maintenanceStore, retry *RetryController, opts ...MaintenanceOption) (*Maintenance, error) {
	if repo == nil || retry == nil {
		return nil, ErrRepositoryNil
	}

	options := &maintenanceOptions{
		interval:          30 * time.Second,
		failedGrace:       time.Minute,
		registryRetention: 7 * 24 * time.Hour,
		shutdownTimeout:   30 * time.Second,
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(options)
	}

	return &Maintenance{
		repo:                repo,
		retry:               retry,
		interval:            options.interval,
		failedGrace:         options.failedGrace,
		registryRetention:   options.registryRetention,
		deadLetterRetention: options.deadLetterRetention,
		shutdownTimeout:     options.shutdownTimeout,
		logger:              options.logger,
		now:                 time.Now,
	}, nil
}

// NewMaintenanceFromConfig creates the maintenance loop from configuration.
func NewMaintenanceFromConfig(cfg Config, repo maintenanceStore, retry *RetryController, opts ...MaintenanceOption) (*Maintenance, error) {
	allOpts := append([]MaintenanceOption{
		WithMaintenanceInterval(cfg.MaintenanceInterval),
		WithFailedTaskGrace(cfg.FailedTaskGrace),
		WithRegistryRetention(cfg.RegistryRetention),
		WithDeadLetterRetention(cfg.DeadLetterRetention),
		WithMaintenanceShutdownTimeout(cfg.ShutdownTimeout),
	}, opts...)

	return NewMaintenance(repo, retry, allOpts...)
}

// Start runs the maintenance loop until the context is cancelled.
// A sweep runs immediately and then on every interval tick.
func (m *Maintenance) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return fmt.Errorf("maintenance %w", ErrAlreadyStarted)
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.InfoContext(runCtx, "queue maintenance started",
		slog.Duration("interval", m.interval),
		slog.Duration("registry_retention", m.registryRetention),
		slog.Duration("dead_letter_retention", m.deadLetterRetention))

	m.sweepWithWait()

	for {
		select {
		case <-runCtx.Done():
			m.logger.InfoContext(context.Background(), "queue maintenance stopping")
			return runCtx.Err()
		case <-ticker.C:
			m.sweepWithWait()
		}
	}
}

// Stop cancels the loop and waits for an in-flight sweep up to the shutdown timeout.
func (m *Maintenance) Stop() error {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return fmt.Errorf("maintenance %w", ErrNotStarted)
	}
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer ctxCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.InfoContext(context.Background(), "queue maintenance stopped cleanly")
		return nil
	case <-ctx.Done():
		m.logger.WarnContext(context.Background(), "queue maintenance shutdown timeout exceeded",
			slog.Duration("timeout", m.shutdownTimeout))
		return fmt.Errorf("shutdown timeout exceeded after %s", m.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (m *Maintenance) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- m.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = m.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

func (m *Maintenance) sweepWithWait() {
	// Same shutdown race as the worker: check running and add to the
	// waitgroup under one lock.
	m.mu.RLock()
	if m.cancel == nil {
		m.mu.RUnlock()
		return
	}
	m.wg.Add(1)
	m.mu.RUnlock()

	defer m.wg.Done()

	m.activeSweeps.Add(1)
	defer m.activeSweeps.Add(-1)

	m.Sweep(context.Background())
}

// Sweep runs one maintenance pass. Errors are logged; each step runs
// independently of the others.
func (m *Maintenance) Sweep(ctx context.Context) {
	now := m.now()
	defer m.lastSweepUnixMilli.Store(now.UnixMilli())

	expired, err := m.repo.ExpireLeases(ctx, now, LeaseExpiredReason)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to expire task leases", logger.Error(err))
	}
	for _, task := range expired {
		m.leasesRecovered.Add(1)
		m.logger.WarnContext(ctx, "recovered task with expired lease",
			logger.TaskID(task.ID),
			logger.TaskType(task.TaskType),
			logger.WorkerID(lastWorker(task)),
			logger.Attempt(task.AttemptCount, task.MaxAttempts))

		if _, err := m.retry.HandleFailure(ctx, task); err != nil {
			m.logger.ErrorContext(ctx, "failed to apply retry policy to recovered task",
				logger.TaskID(task.ID),
				logger.Error(err))
		}
	}

	m.redriveFailed(ctx, now)

	if m.registryRetention > 0 {
		n, err := m.repo.PurgeTasks(ctx, now.Add(-m.registryRetention))
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to purge finished tasks", logger.Error(err))
		} else if n > 0 {
			m.tasksPurged.Add(int64(n))
			m.logger.InfoContext(ctx, "purged finished tasks", logger.Count("count", n))
		}
	}

	if m.deadLetterRetention > 0 {
		n, err := m.repo.PurgeDeadLetters(ctx, now.Add(-m.deadLetterRetention))
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to purge dead letters", logger.Error(err))
		} else if n > 0 {
			m.deadLettersPurged.Add(int64(n))
			m.logger.InfoContext(ctx, "purged dead letters", logger.Count("count", n))
		}
	}
}

// redriveFailed hands envelopes stuck in Failed back to the retry controller.
// A task lands there when the step after FailTask did not commit, for example
// because the worker died or storage errored between the two calls.
func (m *Maintenance) redriveFailed(ctx context.Context, now time.Time) {
	failed, err := m.repo.ListTasks(ctx, TaskFilter{Statuses: []TaskStatus{TaskStatusFailed}}, 0)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to list failed tasks", logger.Error(err))
		return
	}

	cutoff := now.Add(-m.failedGrace)
	for _, task := range failed {
		if task.UpdatedAt.After(cutoff) {
			continue
		}

		decision, err := m.retry.HandleFailure(ctx, task)
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to re-drive failed task",
				logger.TaskID(task.ID),
				logger.Error(err))
			continue
		}
		if decision.Retried || decision.DeadLettered {
			m.failuresRedriven.Add(1)
			m.logger.WarnContext(ctx, "re-drove task stuck in failed state",
				logger.TaskID(task.ID),
				logger.TaskType(task.TaskType),
				logger.Attempt(task.AttemptCount, task.MaxAttempts),
				slog.Bool("dead_lettered", decision.DeadLettered))
		}
	}
}

// lastWorker returns the worker of the most recent attempt. The lease holder
// is cleared when a lease expires, the attempt history keeps it.
func lastWorker(task *Envelope) uuid.UUID {
	if n := len(task.Attempts); n > 0 {
		return task.Attempts[n-1].WorkerID
	}
	return uuid.Nil
}

// Stats returns maintenance counters.
func (m *Maintenance) Stats() MaintenanceStats {
	m.mu.RLock()
	isRunning := m.cancel != nil
	m.mu.RUnlock()

	var last time.Time
	if ms := m.lastSweepUnixMilli.Load(); ms > 0 {
		last = time.UnixMilli(ms)
	}

	return MaintenanceStats{
		LeasesRecovered:   m.leasesRecovered.Load(),
		FailuresRedriven:  m.failuresRedriven.Load(),
		TasksPurged:       m.tasksPurged.Load(),
		DeadLettersPurged: m.deadLettersPurged.Load(),
		ActiveSweeps:      m.activeSweeps.Load(),
		LastSweep:         last,
		IsRunning:         isRunning,
	}
}

// Healthcheck fails when the loop is not running or missed several sweeps.
func (m *Maintenance) Healthcheck(ctx context.Context) error {
	stats := m.Stats()
	if !stats.IsRunning {
		return errors.Join(ErrHealthcheckFailed, ErrMaintenanceNotRunning)
	}
	if !stats.LastSweep.IsZero() && m.now().Sub(stats.LastSweep) > 3*m.interval {
		return errors.Join(ErrHealthcheckFailed, ErrMaintenanceStalled,
			fmt.Errorf("last sweep at %s", stats.LastSweep.Format(time.RFC3339)))
	}
	return nil
}
