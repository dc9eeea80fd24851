package queue

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidEnvelope      = errors.New("invalid envelope")
	ErrNotFound             = errors.New("task not found")
	ErrNotFoundInDeadLetter = fmt.Errorf("%w in dead letter store", ErrNotFound)
	ErrNotCancellable       = errors.New("task is not cancellable")
	ErrTimeoutExceeded      = errors.New("task timeout exceeded")
	ErrHandlerError         = errors.New("task handler failed")
	ErrTaskCancelled        = errors.New("task cancelled")
	ErrInvalidTransition    = errors.New("invalid task status transition")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrRateLimited          = errors.New("task submission rate limited")

	ErrRepositoryNil   = errors.New("repository cannot be nil")
	ErrNoHandlers      = errors.New("no task handlers registered")
	ErrHandlerNotFound = errors.New("no handler registered for task type")
	ErrNoTaskToClaim   = errors.New("no task available to claim")
	ErrTaskExists      = errors.New("task with the same id already exists")

	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")

	ErrHealthcheckFailed = errors.New("healthcheck failed")
	ErrWorkerNotRunning  = errors.New("worker is not running")
	ErrWorkerOverloaded  = errors.New("worker is overloaded")

	ErrMaintenanceNotRunning = errors.New("queue maintenance is not running")
	ErrMaintenanceStalled    = errors.New("queue maintenance is stalled")
)

// HandlerError wraps a domain failure returned by a handler. The cause is kept
// opaque to the queue; only its message is recorded.
type HandlerError struct {
	TaskType string
	Cause    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %q: %v", e.TaskType, e.Cause)
}

func (e *HandlerError) Unwrap() []error {
	return []error{ErrHandlerError, e.Cause}
}
