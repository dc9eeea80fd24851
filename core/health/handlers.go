package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/chartworker/core/logger"
)

// Check is a dependency probe used by ReadinessHandler.
type Check func(context.Context) error

// LivenessHandler reports that the process is running. Always "ALIVE" with
// 200 OK, no dependency checks.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "ALIVE")
	}
}

// NoContentHandler returns 204 without a body.
func NoContentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
}

// ReadinessHandler runs every check in order and answers "READY", or 503 on
// the first failure.
//
//	mux.Handle("GET /health/ready", health.ReadinessHandler(log,
//		pg.Healthcheck(pool),
//		redis.Healthcheck(client),
//		svc.Healthcheck,
//		monitor.Healthcheck,
//	))
func ReadinessHandler(log *slog.Logger, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		for _, check := range checks {
			if err := check(ctx); err != nil {
				if log != nil {
					log.ErrorContext(ctx, "readiness check failed", logger.Error(err))
				}
				writeText(w, http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable))
				return
			}
		}
		writeText(w, http.StatusOK, "READY")
	}
}

// SnapshotHandler serves the latest monitor snapshot as JSON. A critical
// snapshot is served with 503 so load balancers can act on it.
func SnapshotHandler(m *Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := m.Snapshot()
		if !ok {
			s = m.Sample(r.Context())
		}

		code := http.StatusOK
		if s.Status == StatusCritical {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(s)
	}
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}
