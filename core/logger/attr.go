package logger

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Helpers return an empty Attr for nil or zero inputs; slog drops those.

// Error logs err under "error".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Errors groups the non-nil errors under "errors", keyed by position.
func Errors(errs ...error) slog.Attr {
	var as []slog.Attr
	for i, err := range errs {
		if err != nil {
			as = append(as, slog.Any(strconv.Itoa(i), err))
		}
	}
	if len(as) == 0 {
		return slog.Attr{}
	}
	return slog.Attr{Key: "errors", Value: slog.GroupValue(as...)}
}

// Duration logs how long an operation took.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}

// Stack logs the current goroutine stack. Meant for recovered panics.
func Stack() slog.Attr {
	return slog.String("stack", string(debug.Stack()))
}

func TaskID(id uuid.UUID) slog.Attr {
	if id == uuid.Nil {
		return slog.Attr{}
	}
	return slog.String("task_id", id.String())
}

func WorkerID(id uuid.UUID) slog.Attr {
	if id == uuid.Nil {
		return slog.Attr{}
	}
	return slog.String("worker_id", id.String())
}

func DeadLetterID(id uuid.UUID) slog.Attr {
	if id == uuid.Nil {
		return slog.Attr{}
	}
	return slog.String("dead_letter_id", id.String())
}

func TaskType(t string) slog.Attr {
	return slog.String("task_type", t)
}

// Lane logs a priority lane by name.
func Lane(lane fmt.Stringer) slog.Attr {
	return slog.String("lane", lane.String())
}

func OwnerID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("owner_id", id)
}

// Attempt logs the attempt number against the task's budget.
func Attempt(n, budget int) slog.Attr {
	return slog.Group("attempt", slog.Int("number", n), slog.Int("max", budget))
}

func Status(s string) slog.Attr {
	return slog.String("status", s)
}

func CacheKey(key string) slog.Attr {
	return slog.String("cache_key", key)
}

// Pattern logs an invalidation glob.
func Pattern(p string) slog.Attr {
	return slog.String("pattern", p)
}

func Tier(name string) slog.Attr {
	return slog.String("tier", name)
}

// Component names the subsystem emitting the record.
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

// Count logs a counter under key.
func Count(key string, n int) slog.Attr {
	return slog.Int(key, n)
}
