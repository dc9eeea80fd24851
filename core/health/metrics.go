package health

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// registerMetrics exposes the latest snapshot as observable gauges. The
// callback never samples; it reports whatever the loop stored last.
func (m *Monitor) registerMetrics() error {
	depth, err := m.meter.Int64ObservableGauge("chartworker.queue.depth",
		metric.WithDescription("Pending tasks per priority lane"),
		metric.WithUnit("{task}"))
	if err != nil {
		return err
	}
	running, err := m.meter.Int64ObservableGauge("chartworker.queue.running",
		metric.WithDescription("Tasks currently leased by workers"),
		metric.WithUnit("{task}"))
	if err != nil {
		return err
	}
	utilization, err := m.meter.Float64ObservableGauge("chartworker.worker.utilization",
		metric.WithDescription("Busy worker slots over capacity"))
	if err != nil {
		return err
	}
	hitRate, err := m.meter.Float64ObservableGauge("chartworker.cache.hit_rate",
		metric.WithDescription("Cache hit rate over the last sample window"))
	if err != nil {
		return err
	}
	dlqRate, err := m.meter.Float64ObservableGauge("chartworker.queue.dead_letters_per_minute",
		metric.WithDescription("Dead-letter growth over the last sample window"),
		metric.WithUnit("{task}/min"))
	if err != nil {
		return err
	}
	status, err := m.meter.Int64ObservableGauge("chartworker.health.status",
		metric.WithDescription("0 healthy, 1 degraded, 2 critical"))
	if err != nil {
		return err
	}

	m.metrics, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s, ok := m.Snapshot()
		if !ok {
			return nil
		}
		for lane, n := range s.LaneDepth {
			o.ObserveInt64(depth, int64(n), metric.WithAttributes(attribute.String("lane", lane)))
		}
		o.ObserveInt64(running, int64(s.Running))
		o.ObserveFloat64(utilization, s.WorkerUtilization)
		o.ObserveFloat64(hitRate, s.CacheHitRate)
		o.ObserveFloat64(dlqRate, s.DeadLettersPerMinute)
		o.ObserveInt64(status, int64(s.Status))
		return nil
	}, depth, running, utilization, hitRate, dlqRate, status)
	return err
}
