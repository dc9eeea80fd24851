package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/chartworker/core/logger"
)

// RetryRepository is the subset of WorkerRepository the retry controller needs.
type RetryRepository interface {
	RetryTask(ctx context.Context, taskID uuid.UUID, notBefore time.Time) error
	MoveToDLQ(ctx context.Context, taskID uuid.UUID, reason string) (*DeadLetterRecord, error)
}

// Backoff returns the delay before the attempt that follows attempt number
// `attempt`: base * 2^(attempt-1), capped at maxDelay when maxDelay > 0.
func Backoff(base time.Duration, attempt int, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}

	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

// RetryDecision describes what the controller did with a failed envelope.
type RetryDecision struct {
	Retried      bool
	DeadLettered bool
	Delay        time.Duration
	NotBefore    time.Time
	Record       *DeadLetterRecord
}

// RetryController decides between re-enqueueing a failed envelope with
// exponential delay and dead-lettering it.
type RetryController struct {
	repo     RetryRepository
	maxDelay time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewRetryController creates a controller. maxDelay <= 0 disables the cap.
func NewRetryController(repo RetryRepository, maxDelay time.Duration, logger *slog.Logger) (*RetryController, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RetryController{
		repo:     repo,
		maxDelay: maxDelay,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// HandleFailure acts on an envelope already moved to Failed.
// The attempt that reaches MaxAttempts and fails is the one that dead-letters.
func (c *RetryController) HandleFailure(ctx context.Context, task *Envelope) (RetryDecision, error) {
	if task.AttemptCount >= task.MaxAttempts {
		return c.DeadLetter(ctx, task, task.LastError)
	}

	delay := Backoff(task.BackoffBase, task.AttemptCount, c.maxDelay)
	notBefore := c.now().Add(delay)

	if err := c.repo.RetryTask(ctx, task.ID, notBefore); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Cancelled between the failure and the retry.
			c.logger.DebugContext(ctx, "task left failed state before retry",
				logger.TaskID(task.ID))
			return RetryDecision{}, nil
		}
		return RetryDecision{}, err
	}

	c.logger.InfoContext(ctx, "task scheduled for retry",
		logger.TaskID(task.ID),
		logger.TaskType(task.TaskType),
		logger.Attempt(task.AttemptCount, task.MaxAttempts),
		slog.Duration("delay", delay))

	return RetryDecision{Retried: true, Delay: delay, NotBefore: notBefore}, nil
}

// DeadLetter moves a failed envelope straight to the dead-letter store.
func (c *RetryController) DeadLetter(ctx context.Context, task *Envelope, reason string) (RetryDecision, error) {
	record, err := c.repo.MoveToDLQ(ctx, task.ID, reason)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return RetryDecision{}, nil
		}
		return RetryDecision{}, err
	}

	c.logger.WarnContext(ctx, "task moved to dead letter queue",
		logger.TaskID(task.ID),
		logger.TaskType(task.TaskType),
		logger.DeadLetterID(record.ID),
		logger.Attempt(task.AttemptCount, task.MaxAttempts),
		slog.String("reason", reason))

	return RetryDecision{DeadLettered: true, Record: record}, nil
}
