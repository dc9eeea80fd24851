package cache

import (
	"context"

	"github.com/dmitrymomot/chartworker/core/queue"
)

// WarmHandler returns the queue handler for cache.warm tasks. The payload
// reference is the cache key; the result reference echoes it.
func WarmHandler(c *Coordinator) queue.Handler {
	return queue.NewHandler(WarmTaskType, func(ctx context.Context, key string) (string, error) {
		if err := c.Refresh(ctx, key); err != nil {
			return "", err
		}
		return key, nil
	})
}
