package queue_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/chartworker/core/queue"
)

func newMaintenance(t *testing.T, storage *queue.MemoryStorage, opts ...queue.MaintenanceOption) *queue.Maintenance {
	t.Helper()
	retry, err := queue.NewRetryController(storage, 0, nil)
	require.NoError(t, err)
	m, err := queue.NewMaintenance(storage, retry, opts...)
	require.NoError(t, err)
	return m
}

func TestMaintenance_RecoversExpiredLeases(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)
	ctx := context.Background()

	retried := submit(t, enq, "chart.render",
		queue.WithPriority(queue.PriorityCritical),
		queue.WithTimeout(50*time.Millisecond),
		queue.WithMaxAttempts(2),
		queue.WithBackoffBase(time.Millisecond))
	exhausted := submit(t, enq, "chart.render",
		queue.WithPriority(queue.PriorityHigh),
		queue.WithTimeout(50*time.Millisecond),
		queue.WithMaxAttempts(1))

	// A worker that claims and then disappears.
	crashed := uuid.New()
	for range 2 {
		_, err := storage.ClaimTask(ctx, crashed, 50*time.Millisecond)
		require.NoError(t, err)
	}

	var logs bytes.Buffer
	m := newMaintenance(t, storage,
		queue.WithRegistryRetention(0),
		queue.WithMaintenanceLogger(slog.New(slog.NewJSONHandler(&logs, nil))))
	m.Sweep(ctx)

	task, err := storage.GetTask(ctx, retried)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskStatusRunning, task.Status, "lease still valid")

	time.Sleep(150 * time.Millisecond)
	m.Sweep(ctx)

	task, err = storage.GetTask(ctx, retried)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskStatusPending, task.Status)
	assert.Equal(t, queue.LeaseExpiredReason, task.LastError)
	assert.Equal(t, queue.LeaseExpiredReason, task.Attempts[0].Error)
	assert.Equal(t, crashed, task.Attempts[0].WorkerID)
	assert.Contains(t, logs.String(), `"worker_id":"`+crashed.String()+`"`)

	task, err = storage.GetTask(ctx, exhausted)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskStatusDeadLettered, task.Status)

	assert.Equal(t, int64(2), m.Stats().LeasesRecovered)

	// The crashed worker's late report is rejected.
	err = storage.CompleteTask(ctx, retried, crashed, "late")
	assert.ErrorIs(t, err, queue.ErrInvalidTransition)
}

// unreliableStorage fails the first retry and dead-letter transitions, leaving
// the envelope in Failed as if the worker had died after FailTask.
type unreliableStorage struct {
	*queue.MemoryStorage
	retryFailures atomic.Int32
	dlqFailures   atomic.Int32
}

var errStorageUnavailable = errors.New("storage unavailable")

func (s *unreliableStorage) RetryTask(ctx context.Context, id uuid.UUID, notBefore time.Time) error {
	if s.retryFailures.Add(-1) >= 0 {
		return errStorageUnavailable
	}
	return s.MemoryStorage.RetryTask(ctx, id, notBefore)
}

func (s *unreliableStorage) MoveToDLQ(ctx context.Context, id uuid.UUID, reason string) (*queue.DeadLetterRecord, error) {
	if s.dlqFailures.Add(-1) >= 0 {
		return nil, errStorageUnavailable
	}
	return s.MemoryStorage.MoveToDLQ(ctx, id, reason)
}

func TestMaintenance_RedrivesStuckFailures(t *testing.T) {
	t.Parallel()

	storage := &unreliableStorage{MemoryStorage: queue.NewMemoryStorage()}
	storage.retryFailures.Store(1)
	storage.dlqFailures.Store(1)

	enq, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)
	retry, err := queue.NewRetryController(storage, 0, nil)
	require.NoError(t, err)
	ctx := context.Background()

	retryable := submit(t, enq, "interpretation.generate",
		queue.WithPriority(queue.PriorityCritical), queue.WithMaxAttempts(3))
	exhausted := submit(t, enq, "interpretation.generate",
		queue.WithPriority(queue.PriorityHigh), queue.WithMaxAttempts(1))

	workerID := uuid.New()
	for _, id := range []uuid.UUID{retryable, exhausted} {
		task, err := storage.ClaimTask(ctx, workerID, time.Minute)
		require.NoError(t, err)
		require.Equal(t, id, task.ID)

		failed, err := storage.FailTask(ctx, id, workerID, "model overloaded")
		require.NoError(t, err)
		_, err = retry.HandleFailure(ctx, failed)
		require.ErrorIs(t, err, errStorageUnavailable)
	}

	// Within the grace period the envelopes are left alone.
	patient, err := queue.NewMaintenance(storage, retry)
	require.NoError(t, err)
	patient.Sweep(ctx)
	task, err := storage.GetTask(ctx, retryable)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskStatusFailed, task.Status)

	time.Sleep(5 * time.Millisecond)

	m, err := queue.NewMaintenance(storage, retry, queue.WithFailedTaskGrace(time.Millisecond))
	require.NoError(t, err)
	m.Sweep(ctx)

	task, err = storage.GetTask(ctx, retryable)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskStatusPending, task.Status)
	assert.Equal(t, 1, task.AttemptCount)

	task, err = storage.GetTask(ctx, exhausted)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskStatusDeadLettered, task.Status)

	stats, err := storage.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLetters)
	assert.Equal(t, int64(2), m.Stats().FailuresRedriven)
}

func TestMaintenance_Retention(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)
	ctx := context.Background()

	done := submit(t, enq, "chart.render", queue.WithMaxAttempts(1))
	workerID := uuid.New()
	_, err = storage.ClaimTask(ctx, workerID, time.Minute)
	require.NoError(t, err)
	require.NoError(t, storage.CompleteTask(ctx, done, workerID, ""))

	pending := submit(t, enq, "chart.render")

	time.Sleep(5 * time.Millisecond)

	m := newMaintenance(t, storage,
		queue.WithRegistryRetention(time.Millisecond),
		queue.WithDeadLetterRetention(time.Millisecond))
	m.Sweep(ctx)

	_, err = storage.GetTask(ctx, done)
	assert.ErrorIs(t, err, queue.ErrNotFound)
	_, err = storage.GetTask(ctx, pending)
	assert.NoError(t, err, "non-terminal envelopes are never purged")

	assert.Equal(t, int64(1), m.Stats().TasksPurged)
}

func TestMaintenance_Lifecycle(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	m := newMaintenance(t, storage, queue.WithMaintenanceInterval(10*time.Millisecond))

	err := m.Healthcheck(context.Background())
	assert.ErrorIs(t, err, queue.ErrMaintenanceNotRunning)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx)() }()

	require.Eventually(t, func() bool {
		return m.Stats().IsRunning && !m.Stats().LastSweep.IsZero()
	}, time.Second, 5*time.Millisecond)
	assert.NoError(t, m.Healthcheck(context.Background()))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("maintenance did not stop")
	}
	assert.False(t, m.Stats().IsRunning)
}
