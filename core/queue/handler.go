package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

type (
	// Handler executes envelopes of a single task type.
	// Handlers are resolved once by Name() when registered with a worker.
	Handler interface {
		// Name returns the task type this handler serves.
		Name() string
		// Handle executes the task and returns an opaque result reference.
		// The context is cancelled when the task timeout elapses or the task
		// is cancelled; long-running handlers should check it at safe points.
		Handle(ctx context.Context, task Envelope) (string, error)
	}

	// HandlerFunc adapts a plain function over the payload reference.
	HandlerFunc func(ctx context.Context, payloadRef string) (string, error)

	// TaskHandlerFunc is a type-safe handler for tasks whose payload reference
	// is a JSON document.
	TaskHandlerFunc[T any] func(ctx context.Context, payload T) (string, error)
)

// NewHandler registers fn under the given task type.
func NewHandler(taskType string, fn HandlerFunc) Handler {
	return &funcHandler{name: taskType, fn: fn}
}

// NewTaskHandler creates a handler that decodes the payload reference as JSON
// into T before calling fn.
func NewTaskHandler[T any](taskType string, fn TaskHandlerFunc[T]) Handler {
	return &typedHandler[T]{name: taskType, fn: fn}
}

type funcHandler struct {
	name string
	fn   HandlerFunc
}

func (h *funcHandler) Name() string {
	return h.name
}

func (h *funcHandler) Handle(ctx context.Context, task Envelope) (string, error) {
	return h.fn(ctx, task.PayloadRef)
}

type typedHandler[T any] struct {
	name string
	fn   TaskHandlerFunc[T]
}

func (h *typedHandler[T]) Name() string {
	return h.name
}

func (h *typedHandler[T]) Handle(ctx context.Context, task Envelope) (string, error) {
	var payload T
	if err := json.Unmarshal([]byte(task.PayloadRef), &payload); err != nil {
		return "", fmt.Errorf("decode payload for %q: %w", h.name, err)
	}
	return h.fn(ctx, payload)
}
