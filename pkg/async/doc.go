// Package async runs error-returning functions in goroutines and collects
// their results as futures.
//
//	future := async.Exec(ctx, key, refresh)
//	if err := future.AwaitWithTimeout(time.Second); errors.Is(err, async.ErrTimeout) {
//		// still running
//	}
//
// ExecEach fans a slice of inputs out with a concurrency limit:
//
//	futures := async.ExecEach(ctx, 8, keys, coord.Refresh)
//	err := async.AwaitAll(futures...)
//
// Panics inside the function are recovered and returned as errors.
package async
