package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/chartworker/core/queue"
	"github.com/dmitrymomot/chartworker/integration/database/pg"
	"github.com/dmitrymomot/chartworker/integration/queuestore/postgres"
)

// newStorage migrates a throwaway schema and returns a storage bound to it.
func newStorage(t *testing.T) (*postgres.Storage, *pgxpool.Pool) {
	t.Helper()

	url := os.Getenv("CHARTWORKER_TEST_PG_URL")
	if url == "" {
		t.Skip("CHARTWORKER_TEST_PG_URL not set")
	}
	ctx := context.Background()

	admin, err := pg.Connect(ctx, pg.Config{ConnectionString: url, RetryAttempts: 1})
	require.NoError(t, err)
	t.Cleanup(admin.Close)

	schema := fmt.Sprintf("queuestore_test_%d", time.Now().UnixNano())
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
	})

	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	pool, err := pg.Connect(ctx, pg.Config{ConnectionString: url + sep + "search_path=" + schema, RetryAttempts: 1})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, pg.Migrate(ctx, pool, postgres.Migrations(), "goose_db_version", nil))

	store, err := postgres.New(pool)
	require.NoError(t, err)
	return store, pool
}

func submit(t *testing.T, store *postgres.Storage, taskType string, opts ...queue.EnqueueOption) uuid.UUID {
	t.Helper()
	enq, err := queue.NewEnqueuer(store)
	require.NoError(t, err)
	id, err := enq.Submit(context.Background(), taskType, "ref:"+taskType, opts...)
	require.NoError(t, err)
	return id
}

func TestNew_NilPool(t *testing.T) {
	t.Parallel()
	_, err := postgres.New(nil)
	assert.ErrorIs(t, err, queue.ErrRepositoryNil)
}

func TestStorage_Integration(t *testing.T) {
	store, pool := newStorage(t)
	ctx := context.Background()

	t.Run("claim follows lane order then submission order", func(t *testing.T) {
		low := submit(t, store, "chart.render", queue.WithPriority(queue.PriorityLow))
		first := submit(t, store, "chart.render", queue.WithPriority(queue.PriorityHigh))
		second := submit(t, store, "chart.render", queue.WithPriority(queue.PriorityHigh))
		delayed := submit(t, store, "chart.render",
			queue.WithPriority(queue.PriorityCritical), queue.WithDelay(time.Hour))

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, queue.LaneStats{Delayed: 1}, stats.Lanes[queue.PriorityCritical])
		assert.Equal(t, queue.LaneStats{Ready: 2}, stats.Lanes[queue.PriorityHigh])
		assert.Equal(t, 4, stats.Depth())

		worker := uuid.New()
		for _, want := range []uuid.UUID{first, second, low} {
			task, err := store.ClaimTask(ctx, worker, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, want, task.ID)
			assert.Equal(t, queue.TaskStatusRunning, task.Status)
			assert.Equal(t, 1, task.AttemptCount)
			require.NotNil(t, task.LockedBy)
			assert.Equal(t, worker, *task.LockedBy)
		}

		_, err = store.ClaimTask(ctx, worker, time.Minute)
		assert.ErrorIs(t, err, queue.ErrNoTaskToClaim)

		_, err = store.CancelTask(ctx, delayed)
		require.NoError(t, err)
		for _, id := range []uuid.UUID{first, second, low} {
			require.NoError(t, store.CompleteTask(ctx, id, worker, "ok"))
		}
	})

	t.Run("ownership checks", func(t *testing.T) {
		id := submit(t, store, "interpretation.generate", queue.WithOwner("alice"))
		require.NoError(t, store.SetProgress(ctx, id, map[string]string{"stage": "queued"}))

		worker := uuid.New()
		_, err := store.ClaimTask(ctx, worker, time.Minute)
		require.NoError(t, err)

		err = store.CompleteTask(ctx, id, uuid.New(), "stolen")
		assert.ErrorIs(t, err, queue.ErrInvalidTransition)

		require.NoError(t, store.ExtendLock(ctx, id, worker, time.Hour))
		require.NoError(t, store.SetProgress(ctx, id, map[string]string{"stage": "prompting"}))
		require.NoError(t, store.CompleteTask(ctx, id, worker, "done"))

		task, err := store.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, queue.TaskStatusSucceeded, task.Status)
		assert.Equal(t, "done", task.Result)
		assert.Nil(t, task.LockedBy)
		assert.Equal(t, "prompting", task.Progress["stage"])
		require.Len(t, task.Attempts, 1)
		assert.NotNil(t, task.Attempts[0].FinishedAt)

		assert.ErrorIs(t, store.SetProgress(ctx, id, map[string]string{"x": "y"}), queue.ErrInvalidTransition)
		_, err = store.CancelTask(ctx, id)
		assert.ErrorIs(t, err, queue.ErrNotCancellable)

		_, err = store.GetTask(ctx, uuid.New())
		assert.ErrorIs(t, err, queue.ErrNotFound)
	})

	t.Run("fail retry and dead letter", func(t *testing.T) {
		id := submit(t, store, "interpretation.generate",
			queue.WithOwner("bob"), queue.WithTags(map[string]string{"chart": "c9"}))

		worker := uuid.New()
		_, err := store.ClaimTask(ctx, worker, time.Minute)
		require.NoError(t, err)
		failed, err := store.FailTask(ctx, id, worker, "upstream 503")
		require.NoError(t, err)
		assert.Equal(t, queue.TaskStatusFailed, failed.Status)
		assert.Equal(t, "upstream 503", failed.Attempts[0].Error)

		require.NoError(t, store.RetryTask(ctx, id, time.Now().Add(-time.Second)))
		_, err = store.ClaimTask(ctx, worker, time.Minute)
		require.NoError(t, err)
		_, err = store.FailTask(ctx, id, worker, "upstream 503")
		require.NoError(t, err)

		record, err := store.MoveToDLQ(ctx, id, "attempts exhausted")
		require.NoError(t, err)
		assert.Equal(t, id, record.Task.ID)
		assert.Equal(t, queue.TaskStatusDeadLettered, record.Task.Status)
		assert.Len(t, record.Task.Attempts, 2)

		got, err := store.GetDeadLetter(ctx, record.ID)
		require.NoError(t, err)
		assert.Equal(t, "attempts exhausted", got.Reason)
		assert.Equal(t, "c9", got.Task.Tags["chart"])
		assert.WithinDuration(t, record.FailedAt, got.FailedAt, time.Millisecond)

		_, err = store.GetDeadLetter(ctx, uuid.New())
		assert.ErrorIs(t, err, queue.ErrNotFoundInDeadLetter)

		_, err = store.MoveToDLQ(ctx, id, "again")
		assert.ErrorIs(t, err, queue.ErrInvalidTransition)
	})

	t.Run("dead letter pagination", func(t *testing.T) {
		var ids []uuid.UUID
		for range 3 {
			id := submit(t, store, "chart.render", queue.WithOwner("carol"))
			worker := uuid.New()
			_, err := store.ClaimTask(ctx, worker, time.Minute)
			require.NoError(t, err)
			_, err = store.FailTask(ctx, id, worker, "boom")
			require.NoError(t, err)
			rec, err := store.MoveToDLQ(ctx, id, "boom")
			require.NoError(t, err)
			ids = append(ids, rec.ID)
		}

		filter := queue.DeadLetterFilter{OwnerID: "carol"}
		page, err := store.ListDeadLetters(ctx, filter, queue.DeadLetterCursor{}, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, ids[:2], []uuid.UUID{page[0].ID, page[1].ID})

		cursor := queue.CursorAfter(page[1])

		// The cursor record disappearing does not break the listing.
		_, err = pool.Exec(ctx, `DELETE FROM queue_dead_letters WHERE id = $1`, page[1].ID)
		require.NoError(t, err)

		page, err = store.ListDeadLetters(ctx, filter, cursor, 2)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, ids[2], page[0].ID)
	})

	t.Run("list filters", func(t *testing.T) {
		a := submit(t, store, "chart.render", queue.WithOwner("dave"), queue.WithTags(map[string]string{"chart": "1"}))
		b := submit(t, store, "chart.render", queue.WithOwner("dave"), queue.WithTags(map[string]string{"chart": "2"}))

		list, err := store.ListTasks(ctx, queue.TaskFilter{OwnerID: "dave"}, 0)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, a, list[0].ID)
		assert.Equal(t, b, list[1].ID)

		list, err = store.ListTasks(ctx, queue.TaskFilter{
			OwnerID:  "dave",
			Tags:     map[string]string{"chart": "2"},
			Statuses: []queue.TaskStatus{queue.TaskStatusPending},
		}, 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, b, list[0].ID)

		for _, id := range []uuid.UUID{a, b} {
			prev, err := store.CancelTask(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, queue.TaskStatusPending, prev)
		}
	})

	t.Run("expire leases", func(t *testing.T) {
		id := submit(t, store, "chart.render", queue.WithTimeout(time.Second))
		crashed := uuid.New()
		_, err := store.ClaimTask(ctx, crashed, 0)
		require.NoError(t, err)

		expired, err := store.ExpireLeases(ctx, time.Now(), queue.LeaseExpiredReason)
		require.NoError(t, err)
		assert.Empty(t, expired)

		expired, err = store.ExpireLeases(ctx, time.Now().Add(time.Minute), queue.LeaseExpiredReason)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, id, expired[0].ID)
		assert.Equal(t, queue.TaskStatusFailed, expired[0].Status)
		assert.Equal(t, queue.LeaseExpiredReason, expired[0].LastError)

		assert.ErrorIs(t, store.CompleteTask(ctx, id, crashed, "late"), queue.ErrInvalidTransition)
	})

	t.Run("purge", func(t *testing.T) {
		n, err := store.PurgeTasks(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Positive(t, n)

		n, err = store.PurgeDeadLetters(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		stats, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.DeadLetters)

		left, err := store.ListTasks(ctx, queue.TaskFilter{}, 0)
		require.NoError(t, err)
		require.Len(t, left, 1, "failed tasks are not terminal")
		assert.Equal(t, queue.TaskStatusFailed, left[0].Status)
	})
}

func TestStorage_JoinsCallerTransaction(t *testing.T) {
	store, pool := newStorage(t)
	ctx := context.Background()

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)

	id := submit(t, store, "chart.render")
	txCtx := pg.WithTx(ctx, tx)
	_, err = store.CancelTask(txCtx, id)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.TaskStatusPending, task.Status, "rollback discards the cancel")
}
