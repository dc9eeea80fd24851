package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/chartworker/core/queue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func submit(t *testing.T, e *queue.Enqueuer, taskType string, opts ...queue.EnqueueOption) uuid.UUID {
	t.Helper()
	id, err := e.Submit(context.Background(), taskType, "ref:"+taskType, opts...)
	require.NoError(t, err)
	return id
}

// startWorker runs a worker over storage until the test ends.
func startWorker(t *testing.T, storage *queue.MemoryStorage, handlers []queue.Handler, opts ...queue.WorkerOption) *queue.Worker {
	t.Helper()

	retry, err := queue.NewRetryController(storage, 0, nil)
	require.NoError(t, err)

	opts = append([]queue.WorkerOption{queue.WithPullInterval(10 * time.Millisecond)}, opts...)
	w, err := queue.NewWorker(storage, retry, opts...)
	require.NoError(t, err)
	require.NoError(t, w.RegisterHandlers(handlers...))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(context.Background())
	}()
	require.Eventually(t, func() bool { return w.Stats().IsRunning }, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		_ = w.Stop()
		<-done
	})
	return w
}

func waitForStatus(t *testing.T, storage queue.RegistryRepository, id uuid.UUID, status queue.TaskStatus, timeout time.Duration) *queue.Envelope {
	t.Helper()

	var task *queue.Envelope
	require.Eventually(t, func() bool {
		var err error
		task, err = storage.GetTask(context.Background(), id)
		return err == nil && task.Status == status
	}, timeout, 5*time.Millisecond, "task %s never reached %s", id, status)
	return task
}
