package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/chartworker/core/queue"
	"github.com/dmitrymomot/chartworker/integration/database/pg"
)

const taskColumns = `id, task_type, priority, payload_ref, owner_id, status,
	submitted_at, not_before, timeout_ns, max_attempts, attempt_count, backoff_base_ns,
	tags, progress, attempts, result, last_error, locked_by, locked_until, updated_at`

var terminalStatuses = []string{
	string(queue.TaskStatusSucceeded),
	string(queue.TaskStatusDeadLettered),
	string(queue.TaskStatusCancelled),
}

// Storage implements queue.Storage on PostgreSQL. Each transition locks the
// task row, checks the state machine in Go and writes the row back in the
// same transaction, so transitions stay compare-and-swap across processes.
// Claims skip rows locked by other workers.
//
// A pgx.Tx attached with pg.WithTx is joined (as a savepoint), so a task can
// be submitted atomically with the caller's own writes.
type Storage struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Option configures a Storage.
type Option func(*Storage)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a storage over pool. The schema from Migrations must be applied.
func New(pool *pgxpool.Pool, opts ...Option) (*Storage, error) {
	if pool == nil {
		return nil, queue.ErrRepositoryNil
	}
	s := &Storage{pool: pool, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var _ queue.Storage = (*Storage)(nil)

// CreateTask inserts a pending task.
func (s *Storage) CreateTask(ctx context.Context, task *queue.Envelope) error {
	if task == nil {
		return fmt.Errorf("%w: task cannot be nil", queue.ErrInvalidEnvelope)
	}
	if !task.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %s", queue.ErrInvalidEnvelope, task.Priority)
	}

	env := task.Clone()
	env.Status = queue.TaskStatusPending
	if env.UpdatedAt.IsZero() {
		env.UpdatedAt = s.now()
	}

	tags, progress, attempts, err := encodeJSON(env)
	if err != nil {
		return err
	}

	_, err = s.db(ctx).Exec(ctx, `
		INSERT INTO queue_tasks (id, task_type, priority, payload_ref, owner_id, status,
			submitted_at, not_before, timeout_ns, max_attempts, attempt_count, backoff_base_ns,
			tags, progress, attempts, result, last_error, locked_by, locked_until, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		env.ID, env.TaskType, int16(env.Priority), env.PayloadRef, env.OwnerID, string(env.Status),
		env.SubmittedAt, env.NotBefore, int64(env.Timeout), env.MaxAttempts, env.AttemptCount, int64(env.BackoffBase),
		tags, progress, attempts, env.Result, env.LastError, env.LockedBy, env.LockedUntil, env.UpdatedAt,
	)
	if pg.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", queue.ErrTaskExists, env.ID)
	}
	if err != nil {
		return fmt.Errorf("insert task %s: %w", env.ID, err)
	}
	return nil
}

// ClaimTask leases the oldest ready task of the highest non-empty lane.
func (s *Storage) ClaimTask(ctx context.Context, workerID uuid.UUID, grace time.Duration) (*queue.Envelope, error) {
	var claimed *queue.Envelope
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		now := s.now()
		env, err := scanTask(tx.QueryRow(ctx, `
			SELECT `+taskColumns+` FROM queue_tasks
			WHERE status = 'pending' AND not_before <= $1
			ORDER BY priority, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, now))
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.ErrNoTaskToClaim
		}
		if err != nil {
			return err
		}

		lockedUntil := now.Add(env.Timeout + grace)
		env.Status = queue.TaskStatusRunning
		env.AttemptCount++
		env.Attempts = append(env.Attempts, queue.Attempt{
			Number:    env.AttemptCount,
			WorkerID:  workerID,
			StartedAt: now,
		})
		env.LockedBy = &workerID
		env.LockedUntil = &lockedUntil
		env.UpdatedAt = now

		claimed = env
		return s.save(ctx, tx, env)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteTask moves a task held by workerID to Succeeded.
func (s *Storage) CompleteTask(ctx context.Context, taskID, workerID uuid.UUID, result string) error {
	return s.mutate(ctx, taskID, func(env *queue.Envelope) error {
		if err := heldBy(env, workerID); err != nil {
			return err
		}
		now := s.now()
		env.Status = queue.TaskStatusSucceeded
		env.Result = result
		env.LockedBy = nil
		env.LockedUntil = nil
		env.UpdatedAt = now
		closeAttempt(env, now, "")
		return nil
	})
}

// FailTask moves a task held by workerID to Failed.
func (s *Storage) FailTask(ctx context.Context, taskID, workerID uuid.UUID, reason string) (*queue.Envelope, error) {
	var failed *queue.Envelope
	err := s.mutate(ctx, taskID, func(env *queue.Envelope) error {
		if err := heldBy(env, workerID); err != nil {
			return err
		}
		fail(env, s.now(), reason)
		failed = env
		return nil
	})
	if err != nil {
		return nil, err
	}
	return failed.Clone(), nil
}

// RetryTask returns a failed task to its lane, due at notBefore. The task
// keeps its submission sequence and so its place in the lane.
func (s *Storage) RetryTask(ctx context.Context, taskID uuid.UUID, notBefore time.Time) error {
	return s.mutate(ctx, taskID, func(env *queue.Envelope) error {
		if !env.Status.CanTransition(queue.TaskStatusPending) {
			return fmt.Errorf("%w: %s -> %s", queue.ErrInvalidTransition, env.Status, queue.TaskStatusPending)
		}
		env.Status = queue.TaskStatusPending
		env.NotBefore = notBefore
		env.UpdatedAt = s.now()
		return nil
	})
}

// MoveToDLQ dead-letters a failed task and inserts its record in the same
// transaction.
func (s *Storage) MoveToDLQ(ctx context.Context, taskID uuid.UUID, reason string) (*queue.DeadLetterRecord, error) {
	var record *queue.DeadLetterRecord
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		env, err := s.lock(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if !env.Status.CanTransition(queue.TaskStatusDeadLettered) {
			return fmt.Errorf("%w: %s -> %s", queue.ErrInvalidTransition, env.Status, queue.TaskStatusDeadLettered)
		}

		now := s.now()
		env.Status = queue.TaskStatusDeadLettered
		env.UpdatedAt = now
		if err := s.save(ctx, tx, env); err != nil {
			return err
		}

		record = &queue.DeadLetterRecord{
			ID:       uuid.New(),
			Task:     *env.Clone(),
			Reason:   reason,
			FailedAt: now,
		}
		snapshot, err := json.Marshal(record.Task)
		if err != nil {
			return fmt.Errorf("encode dead letter snapshot: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO queue_dead_letters (id, task_id, owner_id, task_type, task, reason, failed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			record.ID, env.ID, env.OwnerID, env.TaskType, snapshot, reason, now)
		if err != nil {
			return fmt.Errorf("insert dead letter for %s: %w", env.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ExtendLock extends the lease of a task held by workerID.
func (s *Storage) ExtendLock(ctx context.Context, taskID, workerID uuid.UUID, lease time.Duration) error {
	return s.mutate(ctx, taskID, func(env *queue.Envelope) error {
		if err := heldBy(env, workerID); err != nil {
			return err
		}
		lockedUntil := s.now().Add(lease)
		env.LockedUntil = &lockedUntil
		return nil
	})
}

// SetProgress merges progress metadata into a non-terminal task.
func (s *Storage) SetProgress(ctx context.Context, taskID uuid.UUID, progress map[string]string) error {
	return s.mutate(ctx, taskID, func(env *queue.Envelope) error {
		if env.Status.IsTerminal() {
			return fmt.Errorf("%w: task %s is %s", queue.ErrInvalidTransition, taskID, env.Status)
		}
		if env.Progress == nil {
			env.Progress = make(map[string]string, len(progress))
		}
		maps.Copy(env.Progress, progress)
		env.UpdatedAt = s.now()
		return nil
	})
}

// GetTask returns one task.
func (s *Storage) GetTask(ctx context.Context, taskID uuid.UUID) (*queue.Envelope, error) {
	env, err := scanTask(s.db(ctx).QueryRow(ctx,
		`SELECT `+taskColumns+` FROM queue_tasks WHERE id = $1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", queue.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}
	return env, nil
}

// ListTasks returns tasks matching filter in submission order. A
// non-positive limit returns every match.
func (s *Storage) ListTasks(ctx context.Context, filter queue.TaskFilter, limit int) ([]*queue.Envelope, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if filter.OwnerID != "" {
		add("owner_id = $%d", filter.OwnerID)
	}
	if filter.TaskType != "" {
		add("task_type = $%d", filter.TaskType)
	}
	if filter.Priority != queue.PriorityUnset {
		add("priority = $%d", int16(filter.Priority))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", statuses)
	}
	if len(filter.Tags) > 0 {
		tags, err := json.Marshal(filter.Tags)
		if err != nil {
			return nil, fmt.Errorf("encode tag filter: %w", err)
		}
		add("tags @> $%d::jsonb", tags)
	}

	query := `SELECT ` + taskColumns + ` FROM queue_tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

// CancelTask moves a non-terminal task to Cancelled.
func (s *Storage) CancelTask(ctx context.Context, taskID uuid.UUID) (queue.TaskStatus, error) {
	var prev queue.TaskStatus
	err := s.mutate(ctx, taskID, func(env *queue.Envelope) error {
		prev = env.Status
		if !prev.CanTransition(queue.TaskStatusCancelled) {
			return fmt.Errorf("%w: task %s is %s", queue.ErrNotCancellable, taskID, prev)
		}
		env.Status = queue.TaskStatusCancelled
		env.LockedBy = nil
		env.LockedUntil = nil
		env.UpdatedAt = s.now()
		return nil
	})
	return prev, err
}

// PurgeTasks deletes terminal tasks last updated before olderThan.
func (s *Storage) PurgeTasks(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.db(ctx).Exec(ctx,
		`DELETE FROM queue_tasks WHERE status = ANY($1) AND updated_at < $2`,
		terminalStatuses, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetDeadLetter returns one dead-letter record.
func (s *Storage) GetDeadLetter(ctx context.Context, id uuid.UUID) (*queue.DeadLetterRecord, error) {
	record, err := scanDeadLetter(s.db(ctx).QueryRow(ctx,
		`SELECT id, task, reason, failed_at FROM queue_dead_letters WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", queue.ErrNotFoundInDeadLetter, id)
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListDeadLetters returns one page ordered by (failed_at, id) after the
// cursor position. The cursor record itself need not exist any more.
func (s *Storage) ListDeadLetters(ctx context.Context, filter queue.DeadLetterFilter, after queue.DeadLetterCursor, limit int) ([]*queue.DeadLetterRecord, error) {
	db := s.db(ctx)

	var (
		where []string
		args  []any
	)
	add := func(cond string, vals ...any) {
		idx := make([]any, len(vals))
		for i, v := range vals {
			args = append(args, v)
			idx[i] = len(args)
		}
		where = append(where, fmt.Sprintf(cond, idx...))
	}

	if !after.IsZero() {
		add("(failed_at, id) > ($%d, $%d)", after.FailedAt, after.ID)
	}
	if filter.OwnerID != "" {
		add("owner_id = $%d", filter.OwnerID)
	}
	if filter.TaskType != "" {
		add("task_type = $%d", filter.TaskType)
	}
	if !filter.FailedAfter.IsZero() {
		add("failed_at > $%d", filter.FailedAfter)
	}
	if !filter.FailedBefore.IsZero() {
		add("failed_at < $%d", filter.FailedBefore)
	}

	query := `SELECT id, task, reason, failed_at FROM queue_dead_letters`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY failed_at, id`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	page := make([]*queue.DeadLetterRecord, 0, max(limit, 0))
	for rows.Next() {
		record, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, record)
	}
	return page, rows.Err()
}

// PurgeDeadLetters deletes records that failed before olderThan.
func (s *Storage) PurgeDeadLetters(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.db(ctx).Exec(ctx, `DELETE FROM queue_dead_letters WHERE failed_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ExpireLeases fails running tasks whose lease ended before now. Rows locked
// by a concurrent transition are skipped and picked up on the next sweep.
func (s *Storage) ExpireLeases(ctx context.Context, now time.Time, reason string) ([]*queue.Envelope, error) {
	var expired []*queue.Envelope
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+taskColumns+` FROM queue_tasks
			WHERE status = 'running' AND locked_until < $1
			FOR UPDATE SKIP LOCKED`, now)
		if err != nil {
			return fmt.Errorf("select expired leases: %w", err)
		}
		envs, err := collectTasks(rows)
		if err != nil {
			return err
		}

		for _, env := range envs {
			fail(env, now, reason)
			if err := s.save(ctx, tx, env); err != nil {
				return err
			}
			expired = append(expired, env.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// Stats returns lane depths, the running count and the dead-letter total.
func (s *Storage) Stats(ctx context.Context) (queue.QueueStats, error) {
	db := s.db(ctx)
	stats := queue.QueueStats{Lanes: make(map[queue.Priority]queue.LaneStats, len(queue.Lanes))}
	for _, lane := range queue.Lanes {
		stats.Lanes[lane] = queue.LaneStats{}
	}

	rows, err := db.Query(ctx, `
		SELECT priority,
			count(*) FILTER (WHERE not_before <= $1),
			count(*) FILTER (WHERE not_before > $1)
		FROM queue_tasks
		WHERE status = 'pending'
		GROUP BY priority`, s.now())
	if err != nil {
		return queue.QueueStats{}, fmt.Errorf("lane stats: %w", err)
	}
	for rows.Next() {
		var (
			priority       int16
			ready, delayed int
		)
		if err := rows.Scan(&priority, &ready, &delayed); err != nil {
			rows.Close()
			return queue.QueueStats{}, fmt.Errorf("scan lane stats: %w", err)
		}
		stats.Lanes[queue.Priority(priority)] = queue.LaneStats{Ready: ready, Delayed: delayed}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return queue.QueueStats{}, fmt.Errorf("lane stats: %w", err)
	}

	err = db.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM queue_tasks WHERE status = 'running'),
			(SELECT count(*) FROM queue_dead_letters)`,
	).Scan(&stats.Running, &stats.DeadLetters)
	if err != nil {
		return queue.QueueStats{}, fmt.Errorf("queue totals: %w", err)
	}
	return stats, nil
}

// Healthcheck pings the pool.
func (s *Storage) Healthcheck(ctx context.Context) error {
	return pg.Healthcheck(s.pool)(ctx)
}

func (s *Storage) db(ctx context.Context) pg.Querier {
	return pg.Conn(ctx, s.pool)
}

func (s *Storage) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return pg.InTx(ctx, s.pool, fn)
}

// mutate locks one task, applies fn and writes the result back.
func (s *Storage) mutate(ctx context.Context, taskID uuid.UUID, fn func(*queue.Envelope) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		env, err := s.lock(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := fn(env); err != nil {
			return err
		}
		return s.save(ctx, tx, env)
	})
}

func (s *Storage) lock(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (*queue.Envelope, error) {
	env, err := scanTask(tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM queue_tasks WHERE id = $1 FOR UPDATE`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", queue.ErrNotFound, taskID)
	}
	return env, err
}

// save writes every field a transition may change.
func (s *Storage) save(ctx context.Context, tx pgx.Tx, env *queue.Envelope) error {
	tags, progress, attempts, err := encodeJSON(env)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE queue_tasks SET
			status = $2, not_before = $3, attempt_count = $4, tags = $5, progress = $6,
			attempts = $7, result = $8, last_error = $9, locked_by = $10, locked_until = $11,
			updated_at = $12
		WHERE id = $1`,
		env.ID, string(env.Status), env.NotBefore, env.AttemptCount, tags, progress,
		attempts, env.Result, env.LastError, env.LockedBy, env.LockedUntil,
		env.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", env.ID, err)
	}
	return nil
}

func heldBy(env *queue.Envelope, workerID uuid.UUID) error {
	if env.Status != queue.TaskStatusRunning {
		return fmt.Errorf("%w: task %s is %s", queue.ErrInvalidTransition, env.ID, env.Status)
	}
	if env.LockedBy == nil || *env.LockedBy != workerID {
		return fmt.Errorf("%w: task %s is held by another worker", queue.ErrInvalidTransition, env.ID)
	}
	return nil
}

func fail(env *queue.Envelope, now time.Time, reason string) {
	env.Status = queue.TaskStatusFailed
	env.LastError = reason
	env.LockedBy = nil
	env.LockedUntil = nil
	env.UpdatedAt = now
	closeAttempt(env, now, reason)
}

func closeAttempt(env *queue.Envelope, now time.Time, reason string) {
	if n := len(env.Attempts); n > 0 && env.Attempts[n-1].FinishedAt == nil {
		env.Attempts[n-1].FinishedAt = &now
		env.Attempts[n-1].Error = reason
	}
}
