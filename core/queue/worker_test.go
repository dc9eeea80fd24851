package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/chartworker/core/queue"
)

func TestWorker_NewWorker(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	retry, err := queue.NewRetryController(storage, 0, nil)
	require.NoError(t, err)

	t.Run("nil repository", func(t *testing.T) {
		t.Parallel()
		_, err := queue.NewWorker(nil, retry)
		assert.ErrorIs(t, err, queue.ErrRepositoryNil)
	})

	t.Run("nil retry controller", func(t *testing.T) {
		t.Parallel()
		_, err := queue.NewWorker(storage, nil)
		assert.ErrorIs(t, err, queue.ErrRepositoryNil)
	})

	t.Run("from config", func(t *testing.T) {
		t.Parallel()
		w, err := queue.NewWorkerFromConfig(queue.DefaultConfig(), storage, retry)
		require.NoError(t, err)
		assert.Equal(t, int32(10), w.Stats().Capacity)
	})

	t.Run("handler without task type", func(t *testing.T) {
		t.Parallel()
		w, err := queue.NewWorker(storage, retry)
		require.NoError(t, err)
		err = w.RegisterHandler(queue.NewHandler("", func(context.Context, string) (string, error) { return "", nil }))
		assert.ErrorIs(t, err, queue.ErrInvalidEnvelope)
	})

	t.Run("start without handlers", func(t *testing.T) {
		t.Parallel()
		w, err := queue.NewWorker(storage, retry)
		require.NoError(t, err)
		assert.ErrorIs(t, w.Start(context.Background()), queue.ErrNoHandlers)
		assert.ErrorIs(t, w.Stop(), queue.ErrNotStarted)
	})
}

func TestWorker_Success(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)

	type renderRequest struct {
		ChartID string `json:"chart_id"`
	}

	handler := queue.NewTaskHandler("chart.render", func(ctx context.Context, req renderRequest) (string, error) {
		id, ok := queue.TaskIDFromContext(ctx)
		if !ok {
			return "", errors.New("missing task id")
		}
		if err := queue.SetProgress(ctx, map[string]string{"stage": "rendered", "task": id.String()}); err != nil {
			return "", err
		}
		return "svg:" + req.ChartID, nil
	})
	w := startWorker(t, storage, []queue.Handler{handler})

	id, err := enq.Submit(context.Background(), "chart.render", `{"chart_id":"c42"}`)
	require.NoError(t, err)

	task := waitForStatus(t, storage, id, queue.TaskStatusSucceeded, 2*time.Second)
	assert.Equal(t, "svg:c42", task.Result)
	assert.Equal(t, 1, task.AttemptCount)
	assert.Equal(t, map[string]string{"stage": "rendered", "task": id.String()}, task.Progress)
	require.Len(t, task.Attempts, 1)
	assert.Empty(t, task.Attempts[0].Error)

	assert.Eventually(t, func() bool { return w.Stats().TasksSucceeded == 1 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, w.Healthcheck(context.Background()))
}

// max_attempts = 3 with three consecutive failures: exactly three attempts,
// then dead-lettered, with exponentially growing gaps.
func TestWorker_RetryUntilDeadLettered(t *testing.T) {
	t.Parallel()

	const base = 100 * time.Millisecond

	storage := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)

	var calls atomic.Int32
	handler := queue.NewHandler("interpretation.generate", func(ctx context.Context, _ string) (string, error) {
		n := calls.Add(1)
		return "", fmt.Errorf("llm call %d failed", n)
	})
	w := startWorker(t, storage, []queue.Handler{handler})

	id := submit(t, enq, "interpretation.generate",
		queue.WithPriority(queue.PriorityNormal),
		queue.WithMaxAttempts(3),
		queue.WithBackoffBase(base))

	task := waitForStatus(t, storage, id, queue.TaskStatusDeadLettered, 5*time.Second)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, task.AttemptCount)
	require.Len(t, task.Attempts, 3)
	for i, a := range task.Attempts {
		assert.Equal(t, i+1, a.Number)
		require.NotNil(t, a.FinishedAt)
		assert.Contains(t, a.Error, fmt.Sprintf("llm call %d failed", i+1))
	}

	gap1 := task.Attempts[1].StartedAt.Sub(*task.Attempts[0].FinishedAt)
	gap2 := task.Attempts[2].StartedAt.Sub(*task.Attempts[1].FinishedAt)
	assert.GreaterOrEqual(t, gap1, base)
	assert.GreaterOrEqual(t, gap2, 2*base)

	records, err := storage.ListDeadLetters(context.Background(), queue.DeadLetterFilter{}, queue.DeadLetterCursor{}, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].Task.ID)
	assert.Contains(t, records[0].Reason, "llm call 3 failed")

	assert.Eventually(t, func() bool {
		stats := w.Stats()
		return stats.TasksFailed == 3 && stats.TasksDeadLettered == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_Timeout(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)

	// Ignores its context on purpose.
	handler := queue.NewHandler("slow", func(ctx context.Context, _ string) (string, error) {
		time.Sleep(500 * time.Millisecond)
		return "too late", nil
	})
	startWorker(t, storage, []queue.Handler{handler})

	id := submit(t, enq, "slow", queue.WithTimeout(50*time.Millisecond), queue.WithMaxAttempts(1))

	task := waitForStatus(t, storage, id, queue.TaskStatusDeadLettered, 450*time.Millisecond)
	assert.Contains(t, task.LastError, queue.ErrTimeoutExceeded.Error())
	assert.Empty(t, task.Result)
}

func TestWorker_PanicIsAFailure(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)

	handler := queue.NewHandler("explode", func(context.Context, string) (string, error) {
		panic("ephemeris table missing")
	})
	startWorker(t, storage, []queue.Handler{handler})

	id := submit(t, enq, "explode", queue.WithMaxAttempts(1))

	task := waitForStatus(t, storage, id, queue.TaskStatusDeadLettered, 2*time.Second)
	assert.Contains(t, task.LastError, "ephemeris table missing")
}

func TestWorker_MissingHandlerDeadLettersImmediately(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)

	noop := queue.NewHandler("known", func(context.Context, string) (string, error) { return "", nil })
	startWorker(t, storage, []queue.Handler{noop})

	id := submit(t, enq, "unknown", queue.WithMaxAttempts(5))

	task := waitForStatus(t, storage, id, queue.TaskStatusDeadLettered, 2*time.Second)
	assert.Equal(t, 1, task.AttemptCount)
	assert.Contains(t, task.LastError, queue.ErrHandlerNotFound.Error())
}

func TestWorker_CriticalBeforeBulk(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	record := func(ctx context.Context, ref string) (string, error) {
		mu.Lock()
		order = append(order, ref)
		mu.Unlock()
		return "", nil
	}

	// Submitted before the worker starts, bulk first.
	_, err = enq.Submit(context.Background(), "work", "bulk", queue.WithPriority(queue.PriorityBulk))
	require.NoError(t, err)
	_, err = enq.Submit(context.Background(), "work", "critical", queue.WithPriority(queue.PriorityCritical))
	require.NoError(t, err)

	startWorker(t, storage, []queue.Handler{queue.NewHandler("work", record)}, queue.WithMaxConcurrentTasks(1))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"critical", "bulk"}, order)
}

// Several workers with several slots each share one storage: every envelope
// runs exactly once and never in two places at the same time.
func TestWorker_ConcurrentWorkersNeverShareAnEnvelope(t *testing.T) {
	t.Parallel()

	const tasks = 120

	storage := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		running  = make(map[string]bool)
		runs     = make(map[string]int)
		overlaps atomic.Int32
	)
	handler := queue.NewHandler("render", func(ctx context.Context, ref string) (string, error) {
		mu.Lock()
		if running[ref] {
			overlaps.Add(1)
		}
		running[ref] = true
		runs[ref]++
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		running[ref] = false
		mu.Unlock()
		return "", nil
	})

	ids := make([]uuid.UUID, 0, tasks)
	for i := range tasks {
		id, err := enq.Submit(context.Background(), "render", fmt.Sprintf("chart:%d", i),
			queue.WithPriority(queue.Lanes[i%len(queue.Lanes)]))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for range 3 {
		startWorker(t, storage, []queue.Handler{handler}, queue.WithMaxConcurrentTasks(4))
	}

	for _, id := range ids {
		waitForStatus(t, storage, id, queue.TaskStatusSucceeded, 5*time.Second)
	}

	assert.Zero(t, overlaps.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, runs, tasks)
	for ref, n := range runs {
		assert.Equal(t, 1, n, "envelope %s ran %d times", ref, n)
	}
}

func TestWorker_CancelRunning(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)

	started := make(chan struct{})
	sawCancel := make(chan bool, 1)
	handler := queue.NewHandler("long", func(ctx context.Context, _ string) (string, error) {
		close(started)
		<-ctx.Done()
		sawCancel <- queue.IsCancelled(ctx)
		return "discarded", nil
	})
	w := startWorker(t, storage, []queue.Handler{handler})

	registry, err := queue.NewRegistry(storage, w, nil)
	require.NoError(t, err)

	id := submit(t, enq, "long", queue.WithOwner("user-1"), queue.WithTimeout(time.Minute))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	require.NoError(t, registry.Cancel(context.Background(), queue.Owner("user-1"), id))

	select {
	case cancelled := <-sawCancel:
		assert.True(t, cancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not signalled")
	}

	// The late result never overwrites the cancellation.
	time.Sleep(50 * time.Millisecond)
	task, err := storage.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskStatusCancelled, task.Status)
	assert.Empty(t, task.Result)

	assert.False(t, w.CancelRunning(id))
}

func TestWorker_ObservesCancelFromAnotherProcess(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	enq, err := queue.NewEnqueuer(storage)
	require.NoError(t, err)

	started := make(chan struct{})
	sawCancel := make(chan bool, 1)
	handler := queue.NewHandler("long", func(ctx context.Context, _ string) (string, error) {
		close(started)
		for !queue.IsCancelled(ctx) {
			select {
			case <-ctx.Done():
				sawCancel <- queue.IsCancelled(ctx)
				return "", ctx.Err()
			case <-time.After(5 * time.Millisecond):
			}
		}
		sawCancel <- true
		return "discarded", nil
	})
	startWorker(t, storage, []queue.Handler{handler}, queue.WithCancelPollInterval(10*time.Millisecond))

	// No worker attached: only the stored status carries the cancellation.
	registry, err := queue.NewRegistry(storage, nil, nil)
	require.NoError(t, err)

	id := submit(t, enq, "long", queue.WithOwner("user-1"), queue.WithTimeout(time.Minute))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	require.NoError(t, registry.Cancel(context.Background(), queue.Owner("user-1"), id))

	select {
	case cancelled := <-sawCancel:
		assert.True(t, cancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never observed the cancellation")
	}

	task, err := storage.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskStatusCancelled, task.Status)
	assert.Empty(t, task.Result)
}

func TestWorker_Healthcheck(t *testing.T) {
	t.Parallel()

	storage := queue.NewMemoryStorage()
	retry, err := queue.NewRetryController(storage, 0, nil)
	require.NoError(t, err)
	w, err := queue.NewWorker(storage, retry)
	require.NoError(t, err)

	err = w.Healthcheck(context.Background())
	assert.ErrorIs(t, err, queue.ErrHealthcheckFailed)
	assert.ErrorIs(t, err, queue.ErrWorkerNotRunning)

	assert.Zero(t, w.Stats().Utilization())
}
