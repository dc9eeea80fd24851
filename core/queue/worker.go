package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/chartworker/core/logger"
)

// Worker pulls envelopes from the highest-priority non-empty lane and
// executes the handler registered for their task type. Each slot holds at
// most one envelope at a time; the storage claim guarantees no envelope runs
// in two slots or two workers at once.
type Worker struct {
	repo     WorkerRepository
	retry    *RetryController
	handlers map[string]Handler
	workerID uuid.UUID
	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex

	// Cancellation hooks of envelopes executing in this worker.
	runningMu sync.Mutex
	running   map[uuid.UUID]context.CancelCauseFunc

	// Configuration
	pullInterval    time.Duration
	cancelPoll      time.Duration
	leaseGrace      time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger

	// State management
	cancel   context.CancelFunc
	stopping atomic.Bool

	// Observability metrics
	tasksSucceeded    atomic.Int64
	tasksFailed       atomic.Int64
	tasksDeadLettered atomic.Int64
	activeTasks       atomic.Int32
}

// WorkerStats provides observability metrics for monitoring and debugging
type WorkerStats struct {
	TasksSucceeded    int64 // Total number of successfully completed tasks
	TasksFailed       int64 // Total number of failed attempts, retried or not
	TasksDeadLettered int64 // Total number of tasks moved to the dead-letter store
	ActiveTasks       int32 // Number of tasks currently being processed
	Capacity          int32 // Number of concurrent slots
	IsRunning         bool  // Whether the worker is currently running
}

// Utilization returns the busy/total slot ratio in [0, 1].
func (s WorkerStats) Utilization() float64 {
	if s.Capacity <= 0 {
		return 0
	}
	return float64(s.ActiveTasks) / float64(s.Capacity)
}

// NewWorker creates a new task worker.
func NewWorker(repo WorkerRepository, retry *RetryController, opts ...WorkerOption) (*Worker, error) {
	if repo == nil || retry == nil {
		return nil, ErrRepositoryNil
	}

	options := &workerOptions{
		pullInterval:       time.Second,
		cancelPollInterval: 2 * time.Second,
		leaseGrace:         5 * time.Minute,
		shutdownTimeout:    30 * time.Second,
		maxConcurrentTasks: 1,
		logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(options)
	}

	return &Worker{
		repo:            repo,
		retry:           retry,
		handlers:        make(map[string]Handler),
		workerID:        uuid.New(),
		sem:             make(chan struct{}, options.maxConcurrentTasks),
		running:         make(map[uuid.UUID]context.CancelCauseFunc),
		pullInterval:    options.pullInterval,
		cancelPoll:      options.cancelPollInterval,
		leaseGrace:      options.leaseGrace,
		shutdownTimeout: options.shutdownTimeout,
		logger:          options.logger,
	}, nil
}

// NewWorkerFromConfig creates a Worker from configuration.
// Additional options can override config values.
func NewWorkerFromConfig(cfg Config, repo WorkerRepository, retry *RetryController, opts ...WorkerOption) (*Worker, error) {
	allOpts := append([]WorkerOption{
		WithPullInterval(cfg.PollInterval),
		WithCancelPollInterval(cfg.CancelPollInterval),
		WithLeaseGrace(cfg.LockTimeout),
		WithShutdownTimeout(cfg.ShutdownTimeout),
		WithMaxConcurrentTasks(cfg.MaxConcurrentTasks),
	}, opts...)

	return NewWorker(repo, retry, allOpts...)
}

// RegisterHandler registers a single task handler.
func (w *Worker) RegisterHandler(handler Handler) error {
	if handler == nil {
		return nil
	}
	if handler.Name() == "" {
		return fmt.Errorf("%w: handler task type is empty", ErrInvalidEnvelope)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.handlers[handler.Name()] = handler
	return nil
}

// RegisterHandlers registers multiple task handlers.
func (w *Worker) RegisterHandlers(handlers ...Handler) error {
	for _, h := range handlers {
		if err := w.RegisterHandler(h); err != nil {
			return err
		}
	}
	return nil
}

// Start begins processing tasks. This is a blocking operation that runs until
// the context is cancelled. Use Run() for errgroup pattern or call this in a goroutine.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return fmt.Errorf("worker %w", ErrAlreadyStarted)
	}

	if len(w.handlers) == 0 {
		w.mu.Unlock()
		return ErrNoHandlers
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.mu.Unlock()

	w.stopping.Store(false)

	w.logger.InfoContext(runCtx, "worker started",
		logger.WorkerID(w.workerID),
		slog.Int("max_concurrent", cap(w.sem)))

	ticker := time.NewTicker(w.pullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			w.logger.InfoContext(context.Background(), "worker stopping")
			return runCtx.Err()
		case <-ticker.C:
			w.fillSlots(runCtx)
		}
	}
}

// fillSlots starts one drain loop per free slot.
func (w *Worker) fillSlots(ctx context.Context) {
	for {
		select {
		case w.sem <- struct{}{}:
		default:
			return
		}

		// Mutex protects against shutdown race: Must verify worker is still running
		// AND add to waitgroup atomically, otherwise Stop() might wait on incomplete count
		w.mu.RLock()
		if w.cancel == nil {
			w.mu.RUnlock()
			<-w.sem
			return
		}
		w.wg.Add(1)
		w.mu.RUnlock()

		claimed := make(chan bool, 1)
		go func() {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.drain(ctx, claimed)
		}()

		// Stop opening slots once the lanes are empty.
		if !<-claimed {
			return
		}
	}
}

// drain keeps claiming and processing tasks in one slot until no task is ready.
// The first claim result is reported on claimed.
func (w *Worker) drain(ctx context.Context, claimed chan<- bool) {
	first := true
	report := func(ok bool) {
		if first {
			claimed <- ok
			first = false
		}
	}
	defer report(false)

	for ctx.Err() == nil {
		task, err := w.repo.ClaimTask(ctx, w.workerID, w.leaseGrace)
		if err != nil {
			if !errors.Is(err, ErrNoTaskToClaim) && ctx.Err() == nil {
				w.logger.ErrorContext(ctx, "failed to claim task",
					logger.WorkerID(w.workerID),
					logger.Error(err))
			}
			return
		}
		report(true)

		w.logger.DebugContext(ctx, "claimed task",
			logger.WorkerID(w.workerID),
			logger.TaskID(task.ID),
			logger.TaskType(task.TaskType),
			logger.Lane(task.Priority),
			logger.Attempt(task.AttemptCount, task.MaxAttempts))

		if err := w.processTask(ctx, task); err != nil {
			w.logger.ErrorContext(ctx, "failed to process task",
				logger.WorkerID(w.workerID),
				logger.TaskID(task.ID),
				logger.Error(err))
		}
	}
}

// Stop gracefully shuts down the worker with a timeout.
// Returns an error if the shutdown timeout is exceeded.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return fmt.Errorf("worker %w", ErrNotStarted)
	}

	w.stopping.Store(true)
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	cancel()

	w.logger.InfoContext(context.Background(), "worker stopping, waiting for active tasks to complete",
		logger.WorkerID(w.workerID),
		slog.Duration("timeout", w.shutdownTimeout))

	ctx, ctxCancel := context.WithTimeout(context.Background(), w.shutdownTimeout)
	defer ctxCancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.InfoContext(context.Background(), "worker stopped cleanly",
			logger.WorkerID(w.workerID))
		return nil
	case <-ctx.Done():
		w.logger.WarnContext(context.Background(), "worker shutdown timeout exceeded - some tasks may be abandoned",
			logger.WorkerID(w.workerID),
			slog.Duration("timeout", w.shutdownTimeout))
		return fmt.Errorf("shutdown timeout exceeded after %s", w.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
// Returns a function that starts the worker, monitors context cancellation,
// and performs graceful shutdown when the context is cancelled.
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- w.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = w.Stop()
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

type handlerOutcome struct {
	result string
	err    error
}

// processTask executes a task with its handler and reports the outcome.
func (w *Worker) processTask(runCtx context.Context, task *Envelope) error {
	start := time.Now()

	w.activeTasks.Add(1)
	defer w.activeTasks.Add(-1)

	// Outcome transitions must land even while the worker shuts down.
	ctx := context.WithoutCancel(runCtx)

	w.mu.RLock()
	handler, ok := w.handlers[task.TaskType]
	w.mu.RUnlock()

	if !ok {
		return w.handleMissingHandler(ctx, task)
	}

	// Tasks run on an independent context: worker shutdown does not interrupt
	// them, only their own timeout or an explicit cancellation does.
	taskCtx, cancel := context.WithCancelCause(withTask(context.Background(), task.ID, w.repo))
	defer cancel(nil)
	taskCtx, cancelTimeout := context.WithTimeoutCause(taskCtx, task.Timeout, ErrTimeoutExceeded)
	defer cancelTimeout()

	w.trackRunning(task.ID, cancel)
	defer w.untrackRunning(task.ID)

	go w.watchCancellation(taskCtx, task.ID, cancel)

	outcome := make(chan handlerOutcome, 1)
	go func() {
		// Panics are recovered and treated as handler failures.
		defer func() {
			if r := recover(); r != nil {
				w.logger.ErrorContext(ctx, "handler panicked",
					logger.WorkerID(w.workerID),
					logger.TaskID(task.ID),
					logger.TaskType(task.TaskType),
					slog.Any("panic", r),
					logger.Stack())
				outcome <- handlerOutcome{err: fmt.Errorf("panic in handler: %v", r)}
			}
		}()
		result, err := handler.Handle(taskCtx, *task)
		outcome <- handlerOutcome{result: result, err: err}
	}()

	// The worker enforces the wall-clock timeout itself: a handler that
	// ignores its context is abandoned and the attempt fails.
	select {
	case out := <-outcome:
		duration := time.Since(start)
		if out.err != nil {
			return w.handleTaskFailure(ctx, task, &HandlerError{TaskType: task.TaskType, Cause: out.err}, duration)
		}
		return w.handleTaskSuccess(ctx, task, out.result, duration)
	case <-taskCtx.Done():
		duration := time.Since(start)
		cause := context.Cause(taskCtx)
		if errors.Is(cause, ErrTaskCancelled) {
			w.logger.InfoContext(ctx, "task cancelled while running",
				logger.WorkerID(w.workerID),
				logger.TaskID(task.ID),
				logger.Duration(duration))
			return nil
		}
		return w.handleTaskFailure(ctx, task, fmt.Errorf("%w after %s", ErrTimeoutExceeded, task.Timeout), duration)
	}
}

// handleMissingHandler dead-letters tasks that have no registered handler,
// since every retry would fail the same way.
func (w *Worker) handleMissingHandler(ctx context.Context, task *Envelope) error {
	w.tasksFailed.Add(1)

	w.logger.ErrorContext(ctx, "no handler registered for task type",
		logger.WorkerID(w.workerID),
		logger.TaskID(task.ID),
		logger.TaskType(task.TaskType))

	reason := fmt.Sprintf("%s: %s", ErrHandlerNotFound, task.TaskType)
	failed, err := w.repo.FailTask(ctx, task.ID, w.workerID, reason)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("failed to mark task %s as failed: %w", task.ID, err)
	}

	decision, err := w.retry.DeadLetter(ctx, failed, reason)
	if err != nil {
		return fmt.Errorf("failed to move task %s to DLQ: %w", task.ID, err)
	}
	if decision.DeadLettered {
		w.tasksDeadLettered.Add(1)
	}
	return nil
}

// handleTaskFailure records the failed attempt and hands the envelope to the
// retry controller, which re-queues it or dead-letters it.
func (w *Worker) handleTaskFailure(ctx context.Context, task *Envelope, execErr error, duration time.Duration) error {
	w.tasksFailed.Add(1)

	w.logger.ErrorContext(ctx, "task failed",
		logger.WorkerID(w.workerID),
		logger.TaskID(task.ID),
		logger.TaskType(task.TaskType),
		logger.Attempt(task.AttemptCount, task.MaxAttempts),
		logger.Duration(duration),
		logger.Error(execErr))

	failed, err := w.repo.FailTask(ctx, task.ID, w.workerID, execErr.Error())
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Cancelled or lease expired while running; the result is discarded.
			return nil
		}
		return fmt.Errorf("failed to update task %s status to failed: %w", task.ID, err)
	}

	decision, err := w.retry.HandleFailure(ctx, failed)
	if err != nil {
		return fmt.Errorf("failed to apply retry policy to task %s: %w", task.ID, err)
	}
	if decision.DeadLettered {
		w.tasksDeadLettered.Add(1)
	}
	return nil
}

// handleTaskSuccess processes successful task completion.
func (w *Worker) handleTaskSuccess(ctx context.Context, task *Envelope, result string, duration time.Duration) error {
	if err := w.repo.CompleteTask(ctx, task.ID, w.workerID, result); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			w.logger.DebugContext(ctx, "task result discarded, task left running state",
				logger.TaskID(task.ID))
			return nil
		}
		return fmt.Errorf("failed to mark task %s as succeeded: %w", task.ID, err)
	}

	w.tasksSucceeded.Add(1)

	w.logger.InfoContext(ctx, "task completed successfully",
		logger.WorkerID(w.workerID),
		logger.TaskID(task.ID),
		logger.TaskType(task.TaskType),
		logger.Lane(task.Priority),
		logger.Duration(duration))

	return nil
}

// CancelRunning signals the handler executing taskID in this worker, if any.
// It returns false when the task is not running here.
func (w *Worker) CancelRunning(taskID uuid.UUID) bool {
	w.runningMu.Lock()
	defer w.runningMu.Unlock()

	cancel, ok := w.running[taskID]
	if ok {
		cancel(ErrTaskCancelled)
	}
	return ok
}

// watchCancellation polls the stored status of a running task and cancels its
// context once another process has moved it to Cancelled. It returns when the
// task context ends.
func (w *Worker) watchCancellation(taskCtx context.Context, taskID uuid.UUID, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(w.cancelPoll)
	defer ticker.Stop()

	for {
		select {
		case <-taskCtx.Done():
			return
		case <-ticker.C:
			task, err := w.repo.GetTask(taskCtx, taskID)
			if err != nil {
				if taskCtx.Err() == nil {
					w.logger.DebugContext(taskCtx, "failed to poll task status",
						logger.TaskID(taskID),
						logger.Error(err))
				}
				continue
			}
			if task.Status == TaskStatusCancelled {
				cancel(ErrTaskCancelled)
				return
			}
		}
	}
}

func (w *Worker) trackRunning(taskID uuid.UUID, cancel context.CancelCauseFunc) {
	w.runningMu.Lock()
	w.running[taskID] = cancel
	w.runningMu.Unlock()
}

func (w *Worker) untrackRunning(taskID uuid.UUID) {
	w.runningMu.Lock()
	delete(w.running, taskID)
	w.runningMu.Unlock()
}

// ExtendLockForTask extends the lease of a long-running task held by this worker.
func (w *Worker) ExtendLockForTask(ctx context.Context, taskID uuid.UUID, extension time.Duration) error {
	return w.repo.ExtendLock(ctx, taskID, w.workerID, extension)
}

// WorkerInfo returns identifying information about the worker instance.
func (w *Worker) WorkerInfo() (id string, hostname string, pid int) {
	hostname, _ = os.Hostname()
	return w.workerID.String(), hostname, os.Getpid()
}

// HandlerCount returns the number of registered handlers.
func (w *Worker) HandlerCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.handlers)
}

// Stats returns current worker statistics for observability and monitoring.
// This method is thread-safe and can be called at any time.
func (w *Worker) Stats() WorkerStats {
	w.mu.RLock()
	isRunning := w.cancel != nil
	w.mu.RUnlock()

	return WorkerStats{
		TasksSucceeded:    w.tasksSucceeded.Load(),
		TasksFailed:       w.tasksFailed.Load(),
		TasksDeadLettered: w.tasksDeadLettered.Load(),
		ActiveTasks:       w.activeTasks.Load(),
		Capacity:          int32(cap(w.sem)),
		IsRunning:         isRunning,
	}
}

// Healthcheck validates that the worker is operational and not overloaded.
//
//	if errors.Is(err, queue.ErrWorkerNotRunning) { ... }
//	if errors.Is(err, queue.ErrWorkerOverloaded) { ... }
func (w *Worker) Healthcheck(ctx context.Context) error {
	stats := w.Stats()

	if !stats.IsRunning {
		return errors.Join(ErrHealthcheckFailed, ErrWorkerNotRunning)
	}

	if stats.ActiveTasks >= stats.Capacity {
		return errors.Join(ErrHealthcheckFailed, ErrWorkerOverloaded,
			fmt.Errorf("%d/%d slots busy", stats.ActiveTasks, stats.Capacity))
	}

	return nil
}
