// Package server runs the worker's ops HTTP endpoints with graceful shutdown.
//
// The server is meant for small internal surfaces such as liveness and
// readiness probes. It binds its listener on Start, so Addr reports the real
// port when configured with ":0".
//
//	srv, err := server.NewFromConfig(cfg.HTTP, server.WithLogger(log))
//	if err != nil {
//		return err
//	}
//	g.Go(srv.Run(ctx, mux))
package server
