package queue

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryTask struct {
	env *Envelope
	seq uint64
}

// MemoryStorage implements Storage for testing and single-process deployments.
// Every transition runs under one mutex, which makes each of them atomic.
type MemoryStorage struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*memoryTask
	seq   uint64

	// Pending task ids per lane, ordered by submission sequence.
	lanes map[Priority][]uuid.UUID

	// Dead-letter ids ordered by (FailedAt, ID).
	dlq      map[uuid.UUID]*DeadLetterRecord
	dlqOrder []uuid.UUID

	now func() time.Time
}

// MemoryStorageOption configures a MemoryStorage.
type MemoryStorageOption func(*MemoryStorage)

// WithMemoryStorageClock overrides the time source used for readiness checks.
func WithMemoryStorageClock(now func() time.Time) MemoryStorageOption {
	return func(ms *MemoryStorage) {
		if now != nil {
			ms.now = now
		}
	}
}

// NewMemoryStorage creates a new in-memory storage implementation.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	ms := &MemoryStorage{
		tasks: make(map[uuid.UUID]*memoryTask),
		lanes: make(map[Priority][]uuid.UUID, len(Lanes)),
		dlq:   make(map[uuid.UUID]*DeadLetterRecord),
		now:   time.Now,
	}

	for _, opt := range opts {
		opt(ms)
	}

	return ms
}

// CreateTask stores a new pending task at the tail of its lane.
func (ms *MemoryStorage) CreateTask(ctx context.Context, task *Envelope) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}
	if !task.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %s", ErrInvalidEnvelope, task.Priority)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.tasks[task.ID]; exists {
		return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
	}

	ms.seq++
	mt := &memoryTask{env: task.Clone(), seq: ms.seq}
	mt.env.Status = TaskStatusPending
	ms.tasks[task.ID] = mt
	ms.pushLane(mt)

	return nil
}

// ClaimTask atomically claims the first ready task of the highest-priority lane.
func (ms *MemoryStorage) ClaimTask(ctx context.Context, workerID uuid.UUID, grace time.Duration) (*Envelope, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()

	// Lanes are scanned in fixed order; within a lane the first ready task
	// in submission order wins, delayed tasks are skipped until due.
	for _, lane := range Lanes {
		for i, id := range ms.lanes[lane] {
			mt := ms.tasks[id]
			if !mt.env.Ready(now) {
				continue
			}

			ms.lanes[lane] = slices.Delete(ms.lanes[lane], i, i+1)

			env := mt.env
			lockedUntil := now.Add(env.Timeout + grace)
			env.Status = TaskStatusRunning
			env.AttemptCount++
			env.Attempts = append(env.Attempts, Attempt{
				Number:    env.AttemptCount,
				WorkerID:  workerID,
				StartedAt: now,
			})
			env.LockedBy = &workerID
			env.LockedUntil = &lockedUntil
			env.UpdatedAt = now

			return env.Clone(), nil
		}
	}

	return nil, ErrNoTaskToClaim
}

// CompleteTask marks a running task as succeeded.
func (ms *MemoryStorage) CompleteTask(ctx context.Context, taskID, workerID uuid.UUID, result string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	mt, err := ms.heldBy(taskID, workerID)
	if err != nil {
		return err
	}

	now := ms.now()
	env := mt.env
	env.Status = TaskStatusSucceeded
	env.Result = result
	env.LockedBy = nil
	env.LockedUntil = nil
	env.UpdatedAt = now
	closeAttempt(env, now, "")

	return nil
}

// FailTask records a failed attempt and moves the task to Failed.
func (ms *MemoryStorage) FailTask(ctx context.Context, taskID, workerID uuid.UUID, reason string) (*Envelope, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	mt, err := ms.heldBy(taskID, workerID)
	if err != nil {
		return nil, err
	}

	ms.fail(mt.env, ms.now(), reason)
	return mt.env.Clone(), nil
}

// RetryTask returns a failed task to its lane, due at notBefore.
func (ms *MemoryStorage) RetryTask(ctx context.Context, taskID uuid.UUID, notBefore time.Time) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	mt, ok := ms.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if !mt.env.Status.CanTransition(TaskStatusPending) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, mt.env.Status, TaskStatusPending)
	}

	mt.env.Status = TaskStatusPending
	mt.env.NotBefore = notBefore
	mt.env.UpdatedAt = ms.now()
	ms.pushLane(mt)

	return nil
}

// MoveToDLQ dead-letters a failed task and writes its record in the same step.
func (ms *MemoryStorage) MoveToDLQ(ctx context.Context, taskID uuid.UUID, reason string) (*DeadLetterRecord, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	mt, ok := ms.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if !mt.env.Status.CanTransition(TaskStatusDeadLettered) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, mt.env.Status, TaskStatusDeadLettered)
	}

	now := ms.now()
	mt.env.Status = TaskStatusDeadLettered
	mt.env.UpdatedAt = now

	record := &DeadLetterRecord{
		ID:       uuid.New(),
		Task:     *mt.env.Clone(),
		Reason:   reason,
		FailedAt: now,
	}
	ms.dlq[record.ID] = record
	pos := CursorAfter(record)
	idx, _ := slices.BinarySearchFunc(ms.dlqOrder, pos, func(id uuid.UUID, c DeadLetterCursor) int {
		return CursorAfter(ms.dlq[id]).Compare(c)
	})
	ms.dlqOrder = slices.Insert(ms.dlqOrder, idx, record.ID)

	return cloneRecord(record), nil
}

// ExtendLock extends the lease of a running task.
func (ms *MemoryStorage) ExtendLock(ctx context.Context, taskID, workerID uuid.UUID, lease time.Duration) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	mt, err := ms.heldBy(taskID, workerID)
	if err != nil {
		return err
	}

	lockedUntil := ms.now().Add(lease)
	mt.env.LockedUntil = &lockedUntil
	return nil
}

// SetProgress merges progress metadata into a non-terminal task.
func (ms *MemoryStorage) SetProgress(ctx context.Context, taskID uuid.UUID, progress map[string]string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	mt, ok := ms.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if mt.env.Status.IsTerminal() {
		return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, taskID, mt.env.Status)
	}

	if mt.env.Progress == nil {
		mt.env.Progress = make(map[string]string, len(progress))
	}
	maps.Copy(mt.env.Progress, progress)
	mt.env.UpdatedAt = ms.now()
	return nil
}

// GetTask returns a copy of the task.
func (ms *MemoryStorage) GetTask(ctx context.Context, taskID uuid.UUID) (*Envelope, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	mt, ok := ms.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return mt.env.Clone(), nil
}

// ListTasks returns tasks matching filter in submission order.
// A non-positive limit returns every match.
func (ms *MemoryStorage) ListTasks(ctx context.Context, filter TaskFilter, limit int) ([]*Envelope, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	matched := make([]*memoryTask, 0)
	for _, mt := range ms.tasks {
		if filter.Match(mt.env) {
			matched = append(matched, mt)
		}
	}
	slices.SortFunc(matched, func(a, b *memoryTask) int {
		return cmp.Compare(a.seq, b.seq)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	result := make([]*Envelope, len(matched))
	for i, mt := range matched {
		result[i] = mt.env.Clone()
	}
	return result, nil
}

// CancelTask moves a non-terminal task to Cancelled.
func (ms *MemoryStorage) CancelTask(ctx context.Context, taskID uuid.UUID) (TaskStatus, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	mt, ok := ms.tasks[taskID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}

	prev := mt.env.Status
	if !prev.CanTransition(TaskStatusCancelled) {
		return prev, fmt.Errorf("%w: task %s is %s", ErrNotCancellable, taskID, prev)
	}

	if prev == TaskStatusPending {
		ms.removeFromLane(mt)
	}

	mt.env.Status = TaskStatusCancelled
	mt.env.LockedBy = nil
	mt.env.LockedUntil = nil
	mt.env.UpdatedAt = ms.now()

	return prev, nil
}

// PurgeTasks removes terminal tasks last updated before olderThan.
func (ms *MemoryStorage) PurgeTasks(ctx context.Context, olderThan time.Time) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	removed := 0
	for id, mt := range ms.tasks {
		if mt.env.Status.IsTerminal() && mt.env.UpdatedAt.Before(olderThan) {
			delete(ms.tasks, id)
			removed++
		}
	}
	return removed, nil
}

// GetDeadLetter returns a copy of the dead-letter record.
func (ms *MemoryStorage) GetDeadLetter(ctx context.Context, id uuid.UUID) (*DeadLetterRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	record, ok := ms.dlq[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFoundInDeadLetter, id)
	}
	return cloneRecord(record), nil
}

// ListDeadLetters returns one page of records after the cursor, oldest first.
func (ms *MemoryStorage) ListDeadLetters(ctx context.Context, filter DeadLetterFilter, after DeadLetterCursor, limit int) ([]*DeadLetterRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	start := 0
	if !after.IsZero() {
		start, _ = slices.BinarySearchFunc(ms.dlqOrder, after, func(id uuid.UUID, c DeadLetterCursor) int {
			if CursorAfter(ms.dlq[id]).Compare(c) <= 0 {
				return -1
			}
			return 1
		})
	}

	page := make([]*DeadLetterRecord, 0, max(limit, 0))
	for _, id := range ms.dlqOrder[start:] {
		record := ms.dlq[id]
		if !filter.Match(record) {
			continue
		}
		page = append(page, cloneRecord(record))
		if limit > 0 && len(page) == limit {
			break
		}
	}
	return page, nil
}

// PurgeDeadLetters permanently deletes records that failed before olderThan.
func (ms *MemoryStorage) PurgeDeadLetters(ctx context.Context, olderThan time.Time) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	removed := 0
	ms.dlqOrder = slices.DeleteFunc(ms.dlqOrder, func(id uuid.UUID) bool {
		if ms.dlq[id].FailedAt.Before(olderThan) {
			delete(ms.dlq, id)
			removed++
			return true
		}
		return false
	})
	return removed, nil
}

// ExpireLeases fails running tasks whose lease ended, so a crashed worker
// never holds a task forever.
func (ms *MemoryStorage) ExpireLeases(ctx context.Context, now time.Time, reason string) ([]*Envelope, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var expired []*Envelope
	for _, mt := range ms.tasks {
		env := mt.env
		if env.Status != TaskStatusRunning || env.LockedUntil == nil || !env.LockedUntil.Before(now) {
			continue
		}
		ms.fail(env, now, reason)
		expired = append(expired, env.Clone())
	}
	return expired, nil
}

// Stats returns lane depths, the running count and the dead-letter total.
func (ms *MemoryStorage) Stats(ctx context.Context) (QueueStats, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	now := ms.now()
	stats := QueueStats{
		Lanes:       make(map[Priority]LaneStats, len(Lanes)),
		DeadLetters: len(ms.dlq),
	}
	for _, lane := range Lanes {
		var ls LaneStats
		for _, id := range ms.lanes[lane] {
			if ms.tasks[id].env.Ready(now) {
				ls.Ready++
			} else {
				ls.Delayed++
			}
		}
		stats.Lanes[lane] = ls
	}
	for _, mt := range ms.tasks {
		if mt.env.Status == TaskStatusRunning {
			stats.Running++
		}
	}
	return stats, nil
}

func (ms *MemoryStorage) heldBy(taskID, workerID uuid.UUID) (*memoryTask, error) {
	mt, ok := ms.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if mt.env.Status != TaskStatusRunning {
		return nil, fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, taskID, mt.env.Status)
	}
	if mt.env.LockedBy == nil || *mt.env.LockedBy != workerID {
		return nil, fmt.Errorf("%w: task %s is held by another worker", ErrInvalidTransition, taskID)
	}
	return mt, nil
}

func (ms *MemoryStorage) fail(env *Envelope, now time.Time, reason string) {
	env.Status = TaskStatusFailed
	env.LastError = reason
	env.LockedBy = nil
	env.LockedUntil = nil
	env.UpdatedAt = now
	closeAttempt(env, now, reason)
}

// pushLane inserts mt into its lane keeping submission order, so a retried
// task keeps its place relative to later submissions.
func (ms *MemoryStorage) pushLane(mt *memoryTask) {
	lane := ms.lanes[mt.env.Priority]
	idx, _ := slices.BinarySearchFunc(lane, mt.seq, func(id uuid.UUID, seq uint64) int {
		return cmp.Compare(ms.tasks[id].seq, seq)
	})
	ms.lanes[mt.env.Priority] = slices.Insert(lane, idx, mt.env.ID)
}

func (ms *MemoryStorage) removeFromLane(mt *memoryTask) {
	ms.lanes[mt.env.Priority] = slices.DeleteFunc(ms.lanes[mt.env.Priority], func(id uuid.UUID) bool {
		return id == mt.env.ID
	})
}

func closeAttempt(env *Envelope, now time.Time, reason string) {
	if n := len(env.Attempts); n > 0 && env.Attempts[n-1].FinishedAt == nil {
		env.Attempts[n-1].FinishedAt = &now
		env.Attempts[n-1].Error = reason
	}
}

func cloneRecord(r *DeadLetterRecord) *DeadLetterRecord {
	c := *r
	c.Task = *r.Task.Clone()
	return &c
}
