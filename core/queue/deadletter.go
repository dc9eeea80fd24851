package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/chartworker/core/logger"
)

// ReprocessedFromTag links a resubmitted envelope to its dead-letter record.
const ReprocessedFromTag = "reprocessed_from"

// DeadLetters is the operator view of the dead-letter store.
type DeadLetters struct {
	repo     DeadLetterRepository
	enqueuer *Enqueuer
	logger   *slog.Logger
}

// NewDeadLetters creates the dead-letter facade. The enqueuer is used by Reprocess.
func NewDeadLetters(repo DeadLetterRepository, enqueuer *Enqueuer, logger *slog.Logger) (*DeadLetters, error) {
	if repo == nil || enqueuer == nil {
		return nil, ErrRepositoryNil
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DeadLetters{repo: repo, enqueuer: enqueuer, logger: logger}, nil
}

// Get returns one record.
func (d *DeadLetters) Get(ctx context.Context, id uuid.UUID) (*DeadLetterRecord, error) {
	record, err := d.repo.GetDeadLetter(ctx, id)
	if errors.Is(err, ErrNotFound) && !errors.Is(err, ErrNotFoundInDeadLetter) {
		return nil, fmt.Errorf("%w: %s", ErrNotFoundInDeadLetter, id)
	}
	return record, err
}

// List returns a lazy sequence of records matching filter, oldest first.
// Pages of pageSize records are fetched on demand; ranging over the sequence
// again restarts from the beginning. Iteration stops after the first error.
//
//	for rec, err := range dl.List(ctx, queue.DeadLetterFilter{}, 100) {
//	    if err != nil { ... }
//	}
func (d *DeadLetters) List(ctx context.Context, filter DeadLetterFilter, pageSize int) iter.Seq2[DeadLetterRecord, error] {
	if pageSize <= 0 {
		pageSize = 100
	}

	return func(yield func(DeadLetterRecord, error) bool) {
		var cursor DeadLetterCursor
		for {
			if err := ctx.Err(); err != nil {
				yield(DeadLetterRecord{}, err)
				return
			}

			page, err := d.repo.ListDeadLetters(ctx, filter, cursor, pageSize)
			if err != nil {
				yield(DeadLetterRecord{}, fmt.Errorf("failed to list dead letters: %w", err))
				return
			}

			for _, record := range page {
				if !yield(*record, nil) {
					return
				}
			}

			if len(page) < pageSize {
				return
			}
			cursor = CursorAfter(page[len(page)-1])
		}
	}
}

// Reprocess submits a fresh envelope built from a dead-lettered one and
// returns its id. The new envelope starts with no attempts in the Normal
// lane unless opts override it; the record itself is left untouched.
func (d *DeadLetters) Reprocess(ctx context.Context, id uuid.UUID, opts ...EnqueueOption) (uuid.UUID, error) {
	record, err := d.Get(ctx, id)
	if err != nil {
		return uuid.Nil, err
	}

	task := record.Task
	tags := map[string]string{ReprocessedFromTag: record.ID.String()}

	allOpts := append([]EnqueueOption{
		WithPriority(PriorityNormal),
		WithOwner(task.OwnerID),
		WithMaxAttempts(task.MaxAttempts),
		WithTimeout(task.Timeout),
		WithBackoffBase(task.BackoffBase),
		WithTags(task.Tags),
		WithTags(tags),
		bypassLimiter(),
	}, opts...)

	newID, err := d.enqueuer.Submit(ctx, task.TaskType, task.PayloadRef, allOpts...)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to reprocess dead letter %s: %w", id, err)
	}

	d.logger.InfoContext(ctx, "dead letter reprocessed",
		logger.DeadLetterID(id),
		slog.String("original_task_id", task.ID.String()),
		logger.TaskID(newID),
		logger.TaskType(task.TaskType))

	return newID, nil
}

// Purge permanently deletes records that failed before olderThan.
func (d *DeadLetters) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	n, err := d.repo.PurgeDeadLetters(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}

	d.logger.WarnContext(ctx, "dead letters purged",
		logger.Count("count", n),
		slog.Time("older_than", olderThan))

	return n, nil
}
