package queue

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority selects the lane an envelope is routed to.
// Lower values are dequeued first. The zero value means "not set" and is
// resolved by the enqueuer's lane routing table.
type Priority int8

const (
	PriorityUnset    Priority = 0
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 3
	PriorityLow      Priority = 4
	PriorityBulk     Priority = 5

	PriorityDefault = PriorityNormal
)

// Lanes lists every priority lane in dequeue order.
var Lanes = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBulk}

// Valid reports whether p names one of the five lanes.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBulk
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBulk:
		return "bulk"
	case PriorityUnset:
		return "unset"
	default:
		return fmt.Sprintf("priority(%d)", int8(p))
	}
}

// ParsePriority converts a lane name into a Priority.
func ParsePriority(s string) (Priority, error) {
	for _, p := range Lanes {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return PriorityUnset, fmt.Errorf("%w: unknown priority %q", ErrInvalidEnvelope, s)
}

// MarshalText encodes the lane name.
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEnvelope, p)
	}
	return []byte(p.String()), nil
}

// UnmarshalText lets Priority be used directly in env-parsed config structs.
func (p *Priority) UnmarshalText(text []byte) error {
	v, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// TaskStatus tracks the lifecycle state of an envelope.
//
//	Pending -> Running -> {Succeeded | Failed}
//	Failed  -> Pending (retry) | DeadLettered (exhausted)
//	any non-terminal -> Cancelled
type TaskStatus string

const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusRunning      TaskStatus = "running"
	TaskStatusSucceeded    TaskStatus = "succeeded"
	TaskStatusFailed       TaskStatus = "failed"
	TaskStatusDeadLettered TaskStatus = "dead_lettered"
	TaskStatusCancelled    TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusDeadLettered, TaskStatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next == TaskStatusCancelled {
		return true
	}
	switch s {
	case TaskStatusPending:
		return next == TaskStatusRunning
	case TaskStatusRunning:
		return next == TaskStatusSucceeded || next == TaskStatusFailed
	case TaskStatusFailed:
		return next == TaskStatusPending || next == TaskStatusDeadLettered
	}
	return false
}

// Attempt is one execution of an envelope by a worker.
type Attempt struct {
	Number     int        `json:"number"`
	WorkerID   uuid.UUID  `json:"worker_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Envelope is one unit of deferred work.
// ID, TaskType, Priority, PayloadRef, OwnerID and the retry policy are fixed at
// submission; the remaining fields are maintained by storage transitions.
type Envelope struct {
	ID           uuid.UUID         `json:"id"`
	TaskType     string            `json:"task_type"`
	Priority     Priority          `json:"priority"`
	PayloadRef   string            `json:"payload_ref"`
	OwnerID      string            `json:"owner_id"`
	Status       TaskStatus        `json:"status"`
	SubmittedAt  time.Time         `json:"submitted_at"`
	NotBefore    time.Time         `json:"not_before"`
	Timeout      time.Duration     `json:"timeout"`
	MaxAttempts  int               `json:"max_attempts"`
	AttemptCount int               `json:"attempt_count"`
	BackoffBase  time.Duration     `json:"backoff_base"`
	Tags         map[string]string `json:"tags,omitempty"`
	Progress     map[string]string `json:"progress,omitempty"`
	Attempts     []Attempt         `json:"attempts,omitempty"`
	Result       string            `json:"result,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	LockedBy     *uuid.UUID        `json:"locked_by,omitempty"`
	LockedUntil  *time.Time        `json:"locked_until,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Clone returns a deep copy so callers never share mutable state with storage.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.Tags = maps.Clone(e.Tags)
	c.Progress = maps.Clone(e.Progress)
	c.Attempts = slices.Clone(e.Attempts)
	for i := range c.Attempts {
		if e.Attempts[i].FinishedAt != nil {
			t := *e.Attempts[i].FinishedAt
			c.Attempts[i].FinishedAt = &t
		}
	}
	if e.LockedBy != nil {
		id := *e.LockedBy
		c.LockedBy = &id
	}
	if e.LockedUntil != nil {
		t := *e.LockedUntil
		c.LockedUntil = &t
	}
	return &c
}

// Ready reports whether the envelope may be claimed at now.
func (e *Envelope) Ready(now time.Time) bool {
	return e.Status == TaskStatusPending && !e.NotBefore.After(now)
}

// DeadLetterRecord is the immutable terminal snapshot of an exhausted envelope.
type DeadLetterRecord struct {
	ID       uuid.UUID `json:"id"`
	Task     Envelope  `json:"task"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetterCursor is the listing position (FailedAt, ID) of the last record
// seen. The zero cursor starts from the beginning. It stays valid after the
// record it was taken from is purged.
type DeadLetterCursor struct {
	FailedAt time.Time
	ID       uuid.UUID
}

// CursorAfter returns the cursor positioned at r.
func CursorAfter(r *DeadLetterRecord) DeadLetterCursor {
	return DeadLetterCursor{FailedAt: r.FailedAt, ID: r.ID}
}

// IsZero reports whether the cursor starts from the beginning.
func (c DeadLetterCursor) IsZero() bool {
	return c.FailedAt.IsZero() && c.ID == uuid.Nil
}

// Compare orders positions by FailedAt, then by the id bytes.
func (c DeadLetterCursor) Compare(other DeadLetterCursor) int {
	if n := c.FailedAt.Compare(other.FailedAt); n != 0 {
		return n
	}
	return bytes.Compare(c.ID[:], other.ID[:])
}

// TaskFilter narrows registry queries and bulk operations.
// Zero-valued fields match everything.
type TaskFilter struct {
	OwnerID  string
	TaskType string
	Statuses []TaskStatus
	Priority Priority
	Tags     map[string]string
}

// Match reports whether e satisfies the filter.
func (f TaskFilter) Match(e *Envelope) bool {
	if f.OwnerID != "" && e.OwnerID != f.OwnerID {
		return false
	}
	if f.TaskType != "" && e.TaskType != f.TaskType {
		return false
	}
	if f.Priority != PriorityUnset && e.Priority != f.Priority {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
		return false
	}
	for k, v := range f.Tags {
		if e.Tags[k] != v {
			return false
		}
	}
	return true
}

// DeadLetterFilter narrows dead-letter listings.
type DeadLetterFilter struct {
	OwnerID      string
	TaskType     string
	FailedAfter  time.Time
	FailedBefore time.Time
}

// Match reports whether r satisfies the filter.
func (f DeadLetterFilter) Match(r *DeadLetterRecord) bool {
	if f.OwnerID != "" && r.Task.OwnerID != f.OwnerID {
		return false
	}
	if f.TaskType != "" && r.Task.TaskType != f.TaskType {
		return false
	}
	if !f.FailedAfter.IsZero() && !r.FailedAt.After(f.FailedAfter) {
		return false
	}
	if !f.FailedBefore.IsZero() && !r.FailedAt.Before(f.FailedBefore) {
		return false
	}
	return true
}

// LaneStats describes one lane's backlog.
type LaneStats struct {
	Ready   int `json:"ready"`
	Delayed int `json:"delayed"`
}

// QueueStats is the storage-wide view used by admin surfaces and health sampling.
type QueueStats struct {
	Lanes       map[Priority]LaneStats `json:"lanes"`
	Running     int                    `json:"running"`
	DeadLetters int                    `json:"dead_letters"`
}

// Depth returns the total number of pending envelopes across lanes.
func (s QueueStats) Depth() int {
	n := 0
	for _, l := range s.Lanes {
		n += l.Ready + l.Delayed
	}
	return n
}
