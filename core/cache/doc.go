// Package cache provides the two-tier cache used for rendered charts and
// generated interpretations.
//
// # Tiers
//
// Both tiers implement Tier:
//
//   - MemoryTier (L1) is a process-local LRUCache of entries with lazy expiry
//     and an optional lifetime cap.
//   - RedisTier (L2) stores each entry as a hash under a namespace. Version
//     checks run inside a Lua script so concurrent writers cannot interleave,
//     values above a size threshold are zstd compressed, and pattern
//     invalidation walks the keyspace with SCAN and UNLINK.
//
// LRUCache is also usable on its own:
//
//	c := cache.NewLRUCache[string, []byte](1000)
//	c.SetEvictCallback(func(key string, _ []byte) { log.Println("evicted", key) })
//	c.Put("chart:42", data)
//	if v, ok := c.Get("chart:42"); ok {
//		// ...
//	}
//
// # Coordinator
//
// Coordinator composes the tiers:
//
//	l1 := cache.NewMemoryTierFromConfig(cfg)
//	l2, err := cache.NewRedisTierFromConfig(cfg, redisClient)
//	if err != nil {
//		return err
//	}
//	coord, err := cache.NewCoordinatorFromConfig(cfg, l1, l2,
//		cache.WithInvalidationBus(l2),
//		cache.WithTaskSubmitter(svc),
//		cache.WithLogger(log),
//	)
//
// Reads check L1, then L2, and promote L2 hits into L1. Writes go to L2 first
// and then to L1 with the version L2 assigned, so L1 never holds an older
// version than L2. Set assigns the next version; SetVersioned carries an
// explicit one and fails with ErrStaleWrite when a newer version is stored.
// Writing the stored version again overwrites it.
//
// An unreachable L2 never fails a call: lookups become misses, writes land in
// L1 only, and the failure is logged and counted in analytics.
//
// # Invalidation
//
// Invalidate clears L1 and then L2 for a glob pattern ("chart:*",
// "interp:user-7:*"). It records a tombstone first, and while the tombstone
// lives no L2 value created before it is returned or promoted, so a read that
// raced the invalidation cannot bring the old value back into L1. When the L2
// delete fails the tombstone stays until the Warmer manages to apply it.
// With an InvalidationBus, other processes drop the pattern from their L1 as
// well; without one their L1 copies age out after the L1 lifetime cap.
//
// # Loading and warming
//
// Loaders are registered per key prefix. GetOrLoad collapses concurrent loads
// of one key into a single call. Warm recomputes a key set either inline
// (WarmSync) or by submitting Low priority "cache.warm" tasks (WarmAsync)
// that WarmHandler executes on a queue worker:
//
//	svc.RegisterHandler(cache.WarmHandler(coord))
//	_, err := coord.Warm(ctx, []string{"chart:42", "chart:43"}, cache.WarmAsync)
//
// The Warmer loop closes an access window every interval and re-warms keys
// that were read at least the threshold number of times in the last window
// and expire within the warm-ahead period.
//
// # Analytics
//
// Every lookup records a hit by tier or a miss together with its latency.
// Snapshot reports the hit rate, average latency and per-prefix counts the
// health monitor consumes.
package cache
