// Package redis connects a go-redis client with retries and exposes a
// readiness probe. The client backs the L2 cache tier, its invalidation
// channel and the shared submission rate limiter.
//
//	client, err := redis.Connect(ctx, cfg.Redis)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	ready := health.ReadinessHandler(log, redis.Healthcheck(client))
//
// Errors are sentinels checked with errors.Is: ErrEmptyConnectionURL,
// ErrFailedToParseRedisConnString, ErrRedisNotReady and ErrHealthcheckFailed.
package redis
