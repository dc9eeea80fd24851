package queue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/chartworker/core/logger"
)

// SubmitLimiter throttles submissions per owner. Implementations return
// ErrRateLimited (possibly wrapped) when the owner exceeded its budget.
type SubmitLimiter interface {
	Allow(ctx context.Context, ownerID string) error
}

// Enqueuer validates submissions, routes them to a lane and stores them.
type Enqueuer struct {
	repo               EnqueuerRepository
	defaultPriority    Priority
	defaultMaxAttempts int
	defaultTimeout     time.Duration
	defaultBackoffBase time.Duration
	routes             map[string]Priority
	limiter            SubmitLimiter
	logger             *slog.Logger
}

// NewEnqueuer creates a new Enqueuer with the given repository and options.
func NewEnqueuer(repo EnqueuerRepository, opts ...EnqueuerOption) (*Enqueuer, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}

	options := &enqueuerOptions{
		defaultPriority:    PriorityDefault,
		defaultMaxAttempts: 3,
		defaultTimeout:     2 * time.Minute,
		defaultBackoffBase: time.Second,
		routes:             make(map[string]Priority),
		logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(options)
	}

	return &Enqueuer{
		repo:               repo,
		defaultPriority:    options.defaultPriority,
		defaultMaxAttempts: options.defaultMaxAttempts,
		defaultTimeout:     options.defaultTimeout,
		defaultBackoffBase: options.defaultBackoffBase,
		routes:             options.routes,
		limiter:            options.limiter,
		logger:             options.logger,
	}, nil
}

// NewEnqueuerFromConfig creates an Enqueuer from configuration.
// Repository must be provided. Additional options can override config values.
func NewEnqueuerFromConfig(cfg Config, repo EnqueuerRepository, opts ...EnqueuerOption) (*Enqueuer, error) {
	allOpts := append([]EnqueuerOption{
		WithDefaultPriority(cfg.DefaultPriority),
		WithDefaultMaxAttempts(cfg.DefaultMaxAttempts),
		WithDefaultTimeout(cfg.DefaultTimeout),
		WithDefaultBackoffBase(cfg.DefaultBackoffBase),
	}, opts...)

	return NewEnqueuer(repo, allOpts...)
}

// Submit validates and stores a new envelope and returns its id.
// Validation failures are returned synchronously and wrap ErrInvalidEnvelope.
func (e *Enqueuer) Submit(ctx context.Context, taskType, payloadRef string, opts ...EnqueueOption) (uuid.UUID, error) {
	options := &enqueueOptions{
		priority:    PriorityUnset,
		maxAttempts: e.defaultMaxAttempts,
		timeout:     e.defaultTimeout,
		backoffBase: e.defaultBackoffBase,
	}
	for _, opt := range opts {
		opt(options)
	}

	task, err := e.buildTask(taskType, payloadRef, options)
	if err != nil {
		return uuid.Nil, err
	}

	if e.limiter != nil && !options.unlimited {
		if err := e.limiter.Allow(ctx, task.OwnerID); err != nil {
			return uuid.Nil, err
		}
	}

	if err := e.repo.CreateTask(ctx, task); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create task %q in lane %s: %w", task.TaskType, task.Priority, err)
	}

	e.logger.DebugContext(ctx, "task submitted",
		logger.TaskID(task.ID),
		logger.TaskType(task.TaskType),
		logger.Lane(task.Priority),
		logger.OwnerID(task.OwnerID))

	return task.ID, nil
}

// Lane resolves the lane a task type is routed to when no priority is declared.
func (e *Enqueuer) Lane(taskType string) Priority {
	if p, ok := e.routes[taskType]; ok {
		return p
	}
	return e.defaultPriority
}

func (e *Enqueuer) buildTask(taskType, payloadRef string, options *enqueueOptions) (*Envelope, error) {
	if taskType == "" {
		return nil, fmt.Errorf("%w: task type is required", ErrInvalidEnvelope)
	}

	priority := options.priority
	if priority == PriorityUnset {
		priority = e.Lane(taskType)
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %s", ErrInvalidEnvelope, priority)
	}
	if options.maxAttempts < 1 {
		return nil, fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidEnvelope, options.maxAttempts)
	}
	if options.timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalidEnvelope, options.timeout)
	}
	if options.backoffBase < 0 {
		return nil, fmt.Errorf("%w: backoff base must not be negative, got %s", ErrInvalidEnvelope, options.backoffBase)
	}

	now := time.Now()
	notBefore := now
	if options.notBefore != nil {
		notBefore = *options.notBefore
	} else if options.delay > 0 {
		notBefore = now.Add(options.delay)
	}

	return &Envelope{
		ID:          uuid.New(),
		TaskType:    taskType,
		Priority:    priority,
		PayloadRef:  payloadRef,
		OwnerID:     options.ownerID,
		Status:      TaskStatusPending,
		SubmittedAt: now,
		NotBefore:   notBefore,
		Timeout:     options.timeout,
		MaxAttempts: options.maxAttempts,
		BackoffBase: options.backoffBase,
		Tags:        maps.Clone(options.tags),
		UpdatedAt:   now,
	}, nil
}
