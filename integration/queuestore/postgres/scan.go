package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/chartworker/core/queue"
)

func scanTask(row pgx.Row) (*queue.Envelope, error) {
	var (
		env                   queue.Envelope
		priority              int16
		status                string
		timeoutNs, backoffNs  int64
		tags, progress, tries []byte
		lockedBy              *uuid.UUID
		lockedUntil           *time.Time
	)
	err := row.Scan(
		&env.ID, &env.TaskType, &priority, &env.PayloadRef, &env.OwnerID, &status,
		&env.SubmittedAt, &env.NotBefore, &timeoutNs, &env.MaxAttempts, &env.AttemptCount, &backoffNs,
		&tags, &progress, &tries, &env.Result, &env.LastError, &lockedBy, &lockedUntil, &env.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	env.Priority = queue.Priority(priority)
	env.Status = queue.TaskStatus(status)
	env.Timeout = time.Duration(timeoutNs)
	env.BackoffBase = time.Duration(backoffNs)
	env.LockedBy = lockedBy
	env.LockedUntil = lockedUntil

	if err := json.Unmarshal(tags, &env.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", env.ID, err)
	}
	if err := json.Unmarshal(progress, &env.Progress); err != nil {
		return nil, fmt.Errorf("decode progress of %s: %w", env.ID, err)
	}
	if err := json.Unmarshal(tries, &env.Attempts); err != nil {
		return nil, fmt.Errorf("decode attempts of %s: %w", env.ID, err)
	}
	if len(env.Tags) == 0 {
		env.Tags = nil
	}
	if len(env.Progress) == 0 {
		env.Progress = nil
	}
	if len(env.Attempts) == 0 {
		env.Attempts = nil
	}
	return &env, nil
}

func collectTasks(rows pgx.Rows) ([]*queue.Envelope, error) {
	defer rows.Close()

	var out []*queue.Envelope
	for rows.Next() {
		env, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanDeadLetter(row pgx.Row) (*queue.DeadLetterRecord, error) {
	var (
		record   queue.DeadLetterRecord
		snapshot []byte
	)
	if err := row.Scan(&record.ID, &snapshot, &record.Reason, &record.FailedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(snapshot, &record.Task); err != nil {
		return nil, fmt.Errorf("decode dead letter %s: %w", record.ID, err)
	}
	return &record, nil
}

// encodeJSON renders the jsonb columns. Empty collections are written as
// empty JSON values, never NULL.
func encodeJSON(env *queue.Envelope) (tags, progress, attempts []byte, err error) {
	enc := func(v any, empty string) ([]byte, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		if string(b) == "null" {
			return []byte(empty), nil
		}
		return b, nil
	}
	if tags, err = enc(env.Tags, "{}"); err != nil {
		return nil, nil, nil, fmt.Errorf("encode tags of %s: %w", env.ID, err)
	}
	if progress, err = enc(env.Progress, "{}"); err != nil {
		return nil, nil, nil, fmt.Errorf("encode progress of %s: %w", env.ID, err)
	}
	if attempts, err = enc(env.Attempts, "[]"); err != nil {
		return nil, nil, nil, fmt.Errorf("encode attempts of %s: %w", env.ID, err)
	}
	return tags, progress, attempts, nil
}
