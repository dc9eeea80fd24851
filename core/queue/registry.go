package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/chartworker/core/logger"
)

// Principal identifies the caller of a registry operation.
type Principal struct {
	OwnerID string
	Admin   bool
}

// Admin returns a principal holding the administrative capability.
func Admin() Principal {
	return Principal{Admin: true}
}

// Owner returns a principal restricted to ownerID's tasks.
func Owner(ownerID string) Principal {
	return Principal{OwnerID: ownerID}
}

// CanAccess reports whether p may read or cancel tasks owned by ownerID.
func (p Principal) CanAccess(ownerID string) bool {
	return p.Admin || (p.OwnerID != "" && p.OwnerID == ownerID)
}

// StatusReport is the polling view of one envelope.
//
// Owners never see transient failures: a Failed envelope waiting for its
// retry is reported as Pending, and the failure reason is only exposed once
// the envelope is dead-lettered. Admins see the raw state.
type StatusReport struct {
	ID           uuid.UUID         `json:"id"`
	TaskType     string            `json:"task_type"`
	Priority     Priority          `json:"priority"`
	OwnerID      string            `json:"owner_id"`
	Status       TaskStatus        `json:"status"`
	Progress     map[string]string `json:"progress,omitempty"`
	AttemptCount int               `json:"attempt_count"`
	MaxAttempts  int               `json:"max_attempts"`
	Attempts     []Attempt         `json:"attempts,omitempty"`
	Result       string            `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
	SubmittedAt  time.Time         `json:"submitted_at"`
	NotBefore    time.Time         `json:"not_before"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func newStatusReport(p Principal, e *Envelope) StatusReport {
	r := StatusReport{
		ID:           e.ID,
		TaskType:     e.TaskType,
		Priority:     e.Priority,
		OwnerID:      e.OwnerID,
		Status:       e.Status,
		Progress:     maps.Clone(e.Progress),
		AttemptCount: e.AttemptCount,
		MaxAttempts:  e.MaxAttempts,
		Result:       e.Result,
		SubmittedAt:  e.SubmittedAt,
		NotBefore:    e.NotBefore,
		UpdatedAt:    e.UpdatedAt,
	}

	if p.Admin {
		r.Attempts = slices.Clone(e.Attempts)
		r.Error = e.LastError
		return r
	}

	if r.Status == TaskStatusFailed {
		r.Status = TaskStatusPending
	}
	if e.Status == TaskStatusDeadLettered {
		r.Error = e.LastError
	}
	return r
}

// RunningCanceller interrupts a handler executing in this process.
// *Worker implements it.
type RunningCanceller interface {
	CancelRunning(taskID uuid.UUID) bool
}

// BulkCancelResult summarises a bulk cancellation.
type BulkCancelResult struct {
	Cancelled []uuid.UUID
	Skipped   int // matched but reached a terminal state before cancellation
}

// Registry exposes status tracking and cancellation with owner isolation.
type Registry struct {
	repo      RegistryRepository
	canceller RunningCanceller
	pageSize  int
	logger    *slog.Logger
}

// NewRegistry creates a registry over repo. canceller may be nil, in which
// case cancelling a running task only marks the registry state.
func NewRegistry(repo RegistryRepository, canceller RunningCanceller, logger *slog.Logger) (*Registry, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		repo:      repo,
		canceller: canceller,
		pageSize:  500,
		logger:    logger,
	}, nil
}

// GetStatus returns the status and progress metadata of one envelope.
func (r *Registry) GetStatus(ctx context.Context, p Principal, taskID uuid.UUID) (StatusReport, error) {
	task, err := r.repo.GetTask(ctx, taskID)
	if err != nil {
		return StatusReport{}, err
	}
	if !p.CanAccess(task.OwnerID) {
		return StatusReport{}, fmt.Errorf("%w: task %s", ErrPermissionDenied, taskID)
	}
	return newStatusReport(p, task), nil
}

// ListForOwner lists ownerID's envelopes in submission order.
// A non-positive limit lists all of them.
func (r *Registry) ListForOwner(ctx context.Context, p Principal, ownerID string, limit int) ([]StatusReport, error) {
	if !p.CanAccess(ownerID) {
		return nil, fmt.Errorf("%w: tasks of owner %q", ErrPermissionDenied, ownerID)
	}

	tasks, err := r.repo.ListTasks(ctx, TaskFilter{OwnerID: ownerID}, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks of owner %q: %w", ownerID, err)
	}

	reports := make([]StatusReport, len(tasks))
	for i, t := range tasks {
		reports[i] = newStatusReport(p, t)
	}
	return reports, nil
}

// Cancel moves a non-terminal envelope to Cancelled. Pending envelopes are
// never dequeued afterwards; a running handler is signalled through its
// context and its eventual result is discarded.
func (r *Registry) Cancel(ctx context.Context, p Principal, taskID uuid.UUID) error {
	task, err := r.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !p.CanAccess(task.OwnerID) {
		return fmt.Errorf("%w: task %s", ErrPermissionDenied, taskID)
	}
	return r.cancel(ctx, task)
}

func (r *Registry) cancel(ctx context.Context, task *Envelope) error {
	prev, err := r.repo.CancelTask(ctx, task.ID)
	if err != nil {
		return err
	}

	interrupted := false
	if prev == TaskStatusRunning && r.canceller != nil {
		interrupted = r.canceller.CancelRunning(task.ID)
	}

	r.logger.InfoContext(ctx, "task cancelled",
		logger.TaskID(task.ID),
		logger.TaskType(task.TaskType),
		logger.Status(string(prev)),
		slog.Bool("handler_signalled", interrupted))

	return nil
}

// BulkCancel cancels every non-terminal envelope matching filter.
// Non-admin callers are restricted to their own tasks.
func (r *Registry) BulkCancel(ctx context.Context, p Principal, filter TaskFilter) (BulkCancelResult, error) {
	if !p.Admin {
		if filter.OwnerID == "" {
			filter.OwnerID = p.OwnerID
		}
		if !p.CanAccess(filter.OwnerID) {
			return BulkCancelResult{}, fmt.Errorf("%w: tasks of owner %q", ErrPermissionDenied, filter.OwnerID)
		}
	}

	filter.Statuses = slices.DeleteFunc(cancellableStatuses(filter.Statuses), TaskStatus.IsTerminal)
	if len(filter.Statuses) == 0 {
		return BulkCancelResult{}, nil
	}

	var result BulkCancelResult
	seen := make(map[uuid.UUID]struct{})

	for {
		page, err := r.repo.ListTasks(ctx, filter, r.pageSize)
		if err != nil {
			return result, fmt.Errorf("failed to list tasks for bulk cancel: %w", err)
		}

		progressed := false
		for _, task := range page {
			if _, ok := seen[task.ID]; ok {
				continue
			}
			seen[task.ID] = struct{}{}
			progressed = true

			if err := r.cancel(ctx, task); err != nil {
				if errors.Is(err, ErrNotCancellable) || errors.Is(err, ErrNotFound) {
					result.Skipped++
					continue
				}
				return result, err
			}
			result.Cancelled = append(result.Cancelled, task.ID)
		}

		if !progressed || len(page) < r.pageSize {
			return result, nil
		}
	}
}

func cancellableStatuses(requested []TaskStatus) []TaskStatus {
	if len(requested) == 0 {
		return []TaskStatus{TaskStatusPending, TaskStatusRunning, TaskStatusFailed}
	}
	return slices.Clone(requested)
}
