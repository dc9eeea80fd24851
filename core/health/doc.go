// Package health samples the task queue and the cache and classifies the
// system as healthy, degraded or critical.
//
// A Monitor reads queue depth per lane, worker utilization and dead-letter
// growth from a QueueSource (*queue.Service), and the cache hit rate from a
// CacheSource (*cache.Coordinator). Hit rate and dead-letter growth are
// computed over the window between two samples, so an old burst does not
// keep the status degraded forever.
//
//	monitor, err := health.NewMonitorFromConfig(cfg.Health, svc, coord,
//		health.WithLogger(log))
//	g.Go(monitor.Run(ctx))
//
// The latest snapshot is also exported as OpenTelemetry observable gauges on
// the global meter provider, or the meter passed with WithMeter.
//
// The package carries plain net/http handlers for probes:
//
//	mux.Handle("GET /health/live", health.LivenessHandler())
//	mux.Handle("GET /health/ready", health.ReadinessHandler(log, svc.Healthcheck, monitor.Healthcheck))
//	mux.Handle("GET /health/snapshot", health.SnapshotHandler(monitor))
//	mux.Handle("GET /ping", health.NoContentHandler())
package health
