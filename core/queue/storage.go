package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EnqueuerRepository defines the interface for task creation.
type EnqueuerRepository interface {
	CreateTask(ctx context.Context, task *Envelope) error
}

// WorkerRepository defines the atomic transitions used by workers and the
// retry controller. Every method is a compare-and-swap on the envelope status:
// it fails with ErrInvalidTransition when the current status does not allow it.
type WorkerRepository interface {
	// ClaimTask moves the first ready envelope of the highest non-empty lane
	// from Pending to Running, increments its attempt count, opens a new
	// attempt and leases it to workerID until now + task timeout + grace.
	// Returns ErrNoTaskToClaim when every lane is empty or not yet due.
	ClaimTask(ctx context.Context, workerID uuid.UUID, grace time.Duration) (*Envelope, error)

	// CompleteTask moves a Running envelope held by workerID to Succeeded.
	CompleteTask(ctx context.Context, taskID, workerID uuid.UUID, result string) error

	// FailTask moves a Running envelope held by workerID to Failed and closes
	// the current attempt with reason.
	FailTask(ctx context.Context, taskID, workerID uuid.UUID, reason string) (*Envelope, error)

	// RetryTask moves a Failed envelope back to Pending in the same lane.
	RetryTask(ctx context.Context, taskID uuid.UUID, notBefore time.Time) error

	// MoveToDLQ moves a Failed envelope to DeadLettered and writes its
	// dead-letter record in the same step.
	MoveToDLQ(ctx context.Context, taskID uuid.UUID, reason string) (*DeadLetterRecord, error)

	// ExtendLock extends the lease of a Running envelope.
	ExtendLock(ctx context.Context, taskID, workerID uuid.UUID, lease time.Duration) error

	// SetProgress merges progress metadata into a non-terminal envelope.
	SetProgress(ctx context.Context, taskID uuid.UUID, progress map[string]string) error

	// GetTask lets a worker observe cancellations written by other processes.
	GetTask(ctx context.Context, taskID uuid.UUID) (*Envelope, error)
}

// RegistryRepository defines the interface for status tracking and cancellation.
type RegistryRepository interface {
	GetTask(ctx context.Context, taskID uuid.UUID) (*Envelope, error)
	ListTasks(ctx context.Context, filter TaskFilter, limit int) ([]*Envelope, error)

	// CancelTask moves any non-terminal envelope to Cancelled and returns its
	// previous status. Terminal envelopes fail with ErrNotCancellable.
	CancelTask(ctx context.Context, taskID uuid.UUID) (TaskStatus, error)

	// PurgeTasks deletes terminal envelopes last updated before olderThan.
	PurgeTasks(ctx context.Context, olderThan time.Time) (int, error)
}

// DeadLetterRepository defines the interface for dead-letter inspection.
type DeadLetterRepository interface {
	GetDeadLetter(ctx context.Context, id uuid.UUID) (*DeadLetterRecord, error)

	// ListDeadLetters returns up to limit records ordered by (FailedAt, ID)
	// strictly after the cursor position.
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter, after DeadLetterCursor, limit int) ([]*DeadLetterRecord, error)

	PurgeDeadLetters(ctx context.Context, olderThan time.Time) (int, error)
}

// MaintenanceRepository defines the interface for housekeeping and statistics.
type MaintenanceRepository interface {
	// ExpireLeases fails every Running envelope whose lease ended before now
	// and returns the failed envelopes for the retry controller.
	ExpireLeases(ctx context.Context, now time.Time, reason string) ([]*Envelope, error)

	Stats(ctx context.Context) (QueueStats, error)
}

// Storage is a unified interface that combines all repository interfaces
// required for queue operations. Implementations of this interface can
// serve as the complete storage backend for every queue component.
type Storage interface {
	EnqueuerRepository
	WorkerRepository
	RegistryRepository
	DeadLetterRepository
	MaintenanceRepository
}
