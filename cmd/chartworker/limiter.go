package main

import (
	"context"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/chartworker/core/logger"
	"github.com/dmitrymomot/chartworker/core/queue"
	"github.com/dmitrymomot/chartworker/pkg/ratelimiter"
)

// submitLimiter applies one token bucket per owner to task submission.
// Anonymous submissions are not limited. A failing bucket store lets the
// submission through.
type submitLimiter struct {
	bucket *ratelimiter.Bucket
	logger *slog.Logger
}

var _ queue.SubmitLimiter = (*submitLimiter)(nil)

func (l *submitLimiter) Allow(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return nil
	}

	res, err := l.bucket.Allow(ctx, "submit:"+ownerID)
	if err != nil {
		l.logger.WarnContext(ctx, "submit limiter unavailable, allowing",
			logger.Component("ratelimit"),
			logger.OwnerID(ownerID),
			logger.Error(err))
		return nil
	}
	if !res.Allowed() {
		return fmt.Errorf("%w: retry after %s", queue.ErrRateLimited, res.RetryAfter())
	}
	return nil
}

// openLimitStore picks the bucket backend. The memory store is returned a
// second time so its cleanup loop can join the process lifecycle; it is nil
// for the Redis store.
func openLimitStore(cfg Config, rdb goredis.UniversalClient, log *slog.Logger) (ratelimiter.Store, *ratelimiter.MemoryStore, error) {
	if cfg.RateLimitStore == limitStoreMemory {
		ms := ratelimiter.NewMemoryStore(ratelimiter.WithMemoryStoreLogger(log))
		return ms, ms, nil
	}
	rs, err := ratelimiter.NewRedisStore(rdb)
	if err != nil {
		return nil, nil, err
	}
	return rs, nil, nil
}
