// Package postgres provides a durable queue.Storage backed by PostgreSQL.
//
// Tasks live in queue_tasks and dead-letter records in queue_dead_letters.
// Apply the bundled schema before use:
//
//	if err := pg.Migrate(ctx, pool, postgres.Migrations(), cfg.MigrationsTable, logger); err != nil {
//		return err
//	}
//	store, err := postgres.New(pool)
//
// Claims use SELECT ... FOR UPDATE SKIP LOCKED, so any number of worker
// processes can share one database. Lane order is priority first, then the
// task's original submission sequence, which retries keep.
package postgres
