// Package ratelimiter implements token bucket rate limiting with pluggable
// storage.
//
// A Bucket applies one Config (capacity, refill rate, refill interval) to any
// number of keys. Tokens refill in whole intervals and never exceed capacity.
// A request that asks for more tokens than are available is denied and leaves
// the balance untouched.
//
//	store := ratelimiter.NewMemoryStore()
//	g.Go(store.Run(ctx)) // evicts idle buckets
//
//	limiter, err := ratelimiter.NewBucket(store, ratelimiter.Config{
//		Capacity:       60,
//		RefillRate:     1,
//		RefillInterval: time.Second,
//	})
//
//	res, err := limiter.Allow(ctx, ownerID)
//	if err == nil && !res.Allowed() {
//		wait := res.RetryAfter()
//	}
//
// MemoryStore is per process. RedisStore runs the same refill rule as a Lua
// script so that every instance shares one budget per key.
package ratelimiter
