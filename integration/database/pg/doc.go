// Package pg connects to PostgreSQL through a pgx pool and applies goose
// migrations.
//
//	pool, err := pg.Connect(ctx, cfg.Postgres)
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, postgres.Migrations(), cfg.Postgres.MigrationsTable, log); err != nil {
//		return err
//	}
//
// Connect retries with exponential backoff and verifies the pool with a ping
// before returning it. Healthcheck returns a probe suitable for readiness
// handlers.
//
// WithTx and TxFromContext carry a pgx.Tx through a context, so a caller can
// submit a task in the same transaction as its own writes:
//
//	tx, err := pool.Begin(ctx)
//	if err != nil {
//		return err
//	}
//	defer tx.Rollback(ctx)
//
//	if _, err := svc.SubmitTask(pg.WithTx(ctx, tx), "chart.render", chartRef); err != nil {
//		return err
//	}
//	return tx.Commit(ctx)
//
// The error classifiers (IsNotFoundError, IsDuplicateKeyError,
// IsRetryableError, ...) inspect pgx and SQLSTATE errors.
package pg
