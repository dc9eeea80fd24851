package queue

import (
	"log/slog"
	"maps"
	"time"
)

// EnqueuerOption is a functional option for configuring an enqueuer.
type EnqueuerOption func(*enqueuerOptions)

type enqueuerOptions struct {
	defaultPriority    Priority
	defaultMaxAttempts int
	defaultTimeout     time.Duration
	defaultBackoffBase time.Duration
	routes             map[string]Priority
	limiter            SubmitLimiter
	logger             *slog.Logger
}

// WithDefaultPriority sets the lane used when neither the caller nor the
// routing table names one.
func WithDefaultPriority(p Priority) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if p.Valid() {
			o.defaultPriority = p
		}
	}
}

func WithDefaultMaxAttempts(n int) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if n > 0 {
			o.defaultMaxAttempts = n
		}
	}
}

func WithDefaultTimeout(d time.Duration) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if d > 0 {
			o.defaultTimeout = d
		}
	}
}

func WithDefaultBackoffBase(d time.Duration) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if d > 0 {
			o.defaultBackoffBase = d
		}
	}
}

// WithLaneRoute routes tasks of taskType to lane p when the caller does not
// declare a priority.
func WithLaneRoute(taskType string, p Priority) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if taskType != "" && p.Valid() {
			o.routes[taskType] = p
		}
	}
}

// WithSubmitLimiter plugs a per-owner submission limiter.
func WithSubmitLimiter(l SubmitLimiter) EnqueuerOption {
	return func(o *enqueuerOptions) {
		o.limiter = l
	}
}

func WithEnqueuerLogger(logger *slog.Logger) EnqueuerOption {
	return func(o *enqueuerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// EnqueueOption configures a single submission.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	priority    Priority
	ownerID     string
	maxAttempts int
	timeout     time.Duration
	backoffBase time.Duration
	delay       time.Duration
	notBefore   *time.Time
	tags        map[string]string
	unlimited   bool
}

// bypassLimiter skips the submission limiter; used for operator-driven resubmissions.
func bypassLimiter() EnqueueOption {
	return func(o *enqueueOptions) {
		o.unlimited = true
	}
}

// WithPriority declares the lane explicitly. Invalid values are rejected at submission.
func WithPriority(p Priority) EnqueueOption {
	return func(o *enqueueOptions) {
		o.priority = p
	}
}

func WithOwner(ownerID string) EnqueueOption {
	return func(o *enqueueOptions) {
		o.ownerID = ownerID
	}
}

func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		o.maxAttempts = n
	}
}

func WithTimeout(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.timeout = d
	}
}

func WithBackoffBase(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.backoffBase = d
	}
}

func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.delay = d
	}
}

func WithNotBefore(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) {
		o.notBefore = &t
	}
}

// WithTags attaches free-form annotations used for filtering and bulk operations.
func WithTags(tags map[string]string) EnqueueOption {
	return func(o *enqueueOptions) {
		if o.tags == nil {
			o.tags = make(map[string]string, len(tags))
		}
		maps.Copy(o.tags, tags)
	}
}
