package health

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithInterval sets the sampling interval.
func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithShutdownTimeout bounds how long Stop waits for an in-flight sample.
func WithShutdownTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.shutdownTimeout = d
		}
	}
}

// WithThresholds replaces the classification thresholds.
func WithThresholds(t Thresholds) MonitorOption {
	return func(m *Monitor) {
		m.thresholds = t
	}
}

// WithLogger sets the logger used for status transitions.
func WithLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMeter sets the meter the gauges are registered on. Defaults to the
// global meter provider.
func WithMeter(meter metric.Meter) MonitorOption {
	return func(m *Monitor) {
		if meter != nil {
			m.meter = meter
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}
