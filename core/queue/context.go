package queue

import (
	"context"
	"errors"
	"maps"

	"github.com/google/uuid"
)

type taskContextKey struct{}

type taskContext struct {
	taskID uuid.UUID
	repo   WorkerRepository
}

func withTask(ctx context.Context, taskID uuid.UUID, repo WorkerRepository) context.Context {
	return context.WithValue(ctx, taskContextKey{}, &taskContext{taskID: taskID, repo: repo})
}

// TaskIDFromContext returns the id of the envelope being executed, if any.
func TaskIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	tc, ok := ctx.Value(taskContextKey{}).(*taskContext)
	if !ok {
		return uuid.Nil, false
	}
	return tc.taskID, true
}

// SetProgress merges progress metadata into the running task's registry entry.
// It is a no-op outside of a handler.
func SetProgress(ctx context.Context, progress map[string]string) error {
	tc, ok := ctx.Value(taskContextKey{}).(*taskContext)
	if !ok || len(progress) == 0 {
		return nil
	}
	return tc.repo.SetProgress(ctx, tc.taskID, maps.Clone(progress))
}

// IsCancelled reports whether the running task was cancelled through the registry.
// Handlers call it at safe points; a timeout is reported separately by ctx.Err().
func IsCancelled(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrTaskCancelled)
}
