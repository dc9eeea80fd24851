// Package logger builds slog loggers and provides attribute helpers shared by
// the queue, cache and health packages.
//
// # Construction
//
//	log := logger.New(
//		logger.WithProduction("chartworker"),
//		logger.WithContextExtractors(func(ctx context.Context) (slog.Attr, bool) {
//			id, ok := queue.TaskIDFromContext(ctx)
//			return logger.TaskID(id), ok
//		}),
//	)
//
// NewFromConfig does the same from environment configuration (LOG_LEVEL,
// LOG_FORMAT, LOG_SERVICE).
//
// # Attributes
//
// Helpers return an empty slog.Attr for nil or zero inputs so they can be
// passed unconditionally:
//
//	log.WarnContext(ctx, "l2 lookup failed",
//		logger.Component("cache"),
//		logger.CacheKey(key),
//		logger.Error(err),
//	)
package logger
