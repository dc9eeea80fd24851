package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/dmitrymomot/chartworker/core/cache"
	"github.com/dmitrymomot/chartworker/core/logger"
	"github.com/dmitrymomot/chartworker/core/queue"
)

// Status classifies a snapshot.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusCritical
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// QueueSource provides queue depth and worker counters. *queue.Service
// satisfies it.
type QueueSource interface {
	Stats(ctx context.Context) (queue.ServiceStats, error)
}

// CacheSource provides lookup analytics. *cache.Coordinator satisfies it.
type CacheSource interface {
	Stats() cache.AnalyticsSnapshot
}

// Thresholds drive classification. A zero threshold disables its check.
type Thresholds struct {
	DegradedDepth int
	CriticalDepth int

	DegradedUtilization float64

	DegradedHitRate float64
	CriticalHitRate float64
	// MinCacheLookups is the number of lookups a sample window needs before
	// the hit rate is judged.
	MinCacheLookups int64

	DegradedDeadLettersPerMinute float64
	CriticalDeadLettersPerMinute float64
}

// DefaultThresholds match the env defaults of Config.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradedDepth:                1000,
		CriticalDepth:                10000,
		DegradedUtilization:          0.9,
		DegradedHitRate:              0.5,
		CriticalHitRate:              0.1,
		MinCacheLookups:              100,
		DegradedDeadLettersPerMinute: 1,
		CriticalDeadLettersPerMinute: 10,
	}
}

// Snapshot is one health sample.
type Snapshot struct {
	Status  Status    `json:"status"`
	Reasons []string  `json:"reasons,omitempty"`
	TakenAt time.Time `json:"taken_at"`

	LaneDepth         map[string]int `json:"lane_depth"`
	Depth             int            `json:"depth"`
	Running           int            `json:"running"`
	WorkerUtilization float64        `json:"worker_utilization"`
	WorkerRunning     bool           `json:"worker_running"`

	// Cache figures cover the lookups since the previous sample.
	CacheHitRate float64 `json:"cache_hit_rate"`
	CacheLookups int64   `json:"cache_lookups"`
	CacheErrors  int64   `json:"cache_errors"`

	DeadLetters          int     `json:"dead_letters"`
	DeadLettersPerMinute float64 `json:"dead_letters_per_minute"`
}

// Monitor samples the queue and the cache on a fixed interval and classifies
// the result. It only reads from its sources.
type Monitor struct {
	queue      QueueSource
	cache      CacheSource
	thresholds Thresholds
	logger     *slog.Logger
	meter      metric.Meter
	now        func() time.Time

	interval        time.Duration
	shutdownTimeout time.Duration

	mu      sync.RWMutex
	latest  *Snapshot
	prev    *sampleBase
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	metrics metric.Registration
}

// sampleBase holds the cumulative counters of the previous sample.
type sampleBase struct {
	at          time.Time
	deadLetters int
	hits        int64
	lookups     int64
	errors      int64
}

// NewMonitor creates a monitor over q and, optionally, c.
func NewMonitor(q QueueSource, c CacheSource, opts ...MonitorOption) (*Monitor, error) {
	if q == nil {
		return nil, ErrNoQueueSource
	}

	m := &Monitor{
		queue:           q,
		cache:           c,
		thresholds:      DefaultThresholds(),
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		meter:           otel.Meter("github.com/dmitrymomot/chartworker/core/health"),
		now:             time.Now,
		interval:        15 * time.Second,
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.registerMetrics(); err != nil {
		return nil, fmt.Errorf("register health metrics: %w", err)
	}
	return m, nil
}

// NewMonitorFromConfig creates a monitor with settings from cfg.
func NewMonitorFromConfig(cfg Config, q QueueSource, c CacheSource, opts ...MonitorOption) (*Monitor, error) {
	allOpts := append([]MonitorOption{
		WithInterval(cfg.SampleInterval),
		WithShutdownTimeout(cfg.ShutdownTimeout),
		WithThresholds(cfg.Thresholds()),
	}, opts...)
	return NewMonitor(q, c, allOpts...)
}

// Start samples immediately and then every interval until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return ErrMonitorAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.InfoContext(runCtx, "health monitor started",
		logger.Component("health"),
		slog.Duration("interval", m.interval))

	m.sampleWithWait(runCtx)
	for {
		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case <-ticker.C:
			m.sampleWithWait(runCtx)
		}
	}
}

// Stop cancels the loop and waits for an in-flight sample.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return ErrMonitorNotRunning
	}
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(m.shutdownTimeout):
		return fmt.Errorf("health monitor shutdown timeout exceeded after %s", m.shutdownTimeout)
	}
}

// Run provides errgroup compatibility.
func (m *Monitor) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- m.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = m.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

// Close unregisters the metric callbacks.
func (m *Monitor) Close() error {
	if m.metrics == nil {
		return nil
	}
	return m.metrics.Unregister()
}

func (m *Monitor) sampleWithWait(ctx context.Context) {
	m.mu.RLock()
	if m.cancel == nil {
		m.mu.RUnlock()
		return
	}
	m.wg.Add(1)
	m.mu.RUnlock()
	defer m.wg.Done()

	prevStatus := StatusHealthy
	if s, ok := m.Snapshot(); ok {
		prevStatus = s.Status
	}

	s := m.Sample(ctx)
	if s.Status != prevStatus {
		level := slog.LevelInfo
		if s.Status > prevStatus {
			level = slog.LevelWarn
		}
		m.logger.Log(ctx, level, "system health changed",
			logger.Component("health"),
			slog.String("from", prevStatus.String()),
			slog.String("to", s.Status.String()),
			slog.String("reasons", strings.Join(s.Reasons, "; ")))
	}
}

// Sample takes a snapshot now, stores it as the latest and returns it.
func (m *Monitor) Sample(ctx context.Context) Snapshot {
	now := m.now()
	s := Snapshot{TakenAt: now, LaneDepth: make(map[string]int, len(queue.Lanes))}
	base := sampleBase{at: now}

	stats, qErr := m.queue.Stats(ctx)
	if qErr == nil {
		for _, lane := range queue.Lanes {
			ls := stats.Queue.Lanes[lane]
			s.LaneDepth[lane.String()] = ls.Ready + ls.Delayed
		}
		s.Depth = stats.Queue.Depth()
		s.Running = stats.Queue.Running
		s.WorkerUtilization = stats.Worker.Utilization()
		s.WorkerRunning = stats.Worker.IsRunning
		s.DeadLetters = stats.Queue.DeadLetters
		base.deadLetters = stats.Queue.DeadLetters
	}

	var cacheStats cache.AnalyticsSnapshot
	if m.cache != nil {
		cacheStats = m.cache.Stats()
		base.hits, base.lookups, base.errors = cacheStats.Hits(), cacheStats.Lookups(), cacheStats.Errors
	}

	m.mu.Lock()
	prev := m.prev
	if prev != nil {
		if elapsed := now.Sub(prev.at); elapsed > 0 && qErr == nil {
			growth := max(base.deadLetters-prev.deadLetters, 0)
			s.DeadLettersPerMinute = float64(growth) / elapsed.Minutes()
		}
		hits := max(base.hits-prev.hits, 0)
		s.CacheLookups = max(base.lookups-prev.lookups, 0)
		s.CacheErrors = max(base.errors-prev.errors, 0)
		if s.CacheLookups > 0 {
			s.CacheHitRate = float64(hits) / float64(s.CacheLookups)
		}
	} else if m.cache != nil {
		s.CacheLookups = cacheStats.Lookups()
		s.CacheErrors = cacheStats.Errors
		s.CacheHitRate = cacheStats.HitRate
	}
	if qErr == nil {
		m.prev = &base
	} else if prev != nil {
		// Keep the dead-letter baseline; move the cache one.
		kept := *prev
		kept.hits, kept.lookups, kept.errors = base.hits, base.lookups, base.errors
		m.prev = &kept
	} else {
		m.prev = nil
	}
	m.mu.Unlock()

	s.Status, s.Reasons = m.classify(s, qErr)

	m.mu.Lock()
	m.latest = &s
	m.mu.Unlock()
	return s
}

func (m *Monitor) classify(s Snapshot, queueErr error) (Status, []string) {
	t := m.thresholds
	status := StatusHealthy
	var reasons []string
	raise := func(to Status, format string, args ...any) {
		status = max(status, to)
		reasons = append(reasons, fmt.Sprintf(format, args...))
	}

	if queueErr != nil {
		raise(StatusCritical, "queue stats unavailable: %v", queueErr)
		return status, reasons
	}

	switch {
	case t.CriticalDeadLettersPerMinute > 0 && s.DeadLettersPerMinute >= t.CriticalDeadLettersPerMinute:
		raise(StatusCritical, "dead letters growing at %.1f/min", s.DeadLettersPerMinute)
	case t.DegradedDeadLettersPerMinute > 0 && s.DeadLettersPerMinute >= t.DegradedDeadLettersPerMinute:
		raise(StatusDegraded, "dead letters growing at %.1f/min", s.DeadLettersPerMinute)
	}

	switch {
	case t.CriticalDepth > 0 && s.Depth >= t.CriticalDepth:
		raise(StatusCritical, "queue depth %d", s.Depth)
	case t.DegradedDepth > 0 && s.Depth >= t.DegradedDepth:
		raise(StatusDegraded, "queue depth %d", s.Depth)
	}

	if t.DegradedUtilization > 0 && s.WorkerUtilization >= t.DegradedUtilization {
		raise(StatusDegraded, "worker utilization %.0f%%", s.WorkerUtilization*100)
	}

	if m.cache != nil && s.CacheLookups >= max(t.MinCacheLookups, 1) {
		switch {
		case t.CriticalHitRate > 0 && s.CacheHitRate < t.CriticalHitRate:
			raise(StatusCritical, "cache hit rate %.0f%%", s.CacheHitRate*100)
		case t.DegradedHitRate > 0 && s.CacheHitRate < t.DegradedHitRate:
			raise(StatusDegraded, "cache hit rate %.0f%%", s.CacheHitRate*100)
		}
	}

	return status, reasons
}

// Snapshot returns the latest sample. ok is false before the first sample.
func (m *Monitor) Snapshot() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return Snapshot{}, false
	}
	return *m.latest, true
}

// Healthcheck fails when the latest sample is critical. It samples once when
// nothing has been sampled yet.
func (m *Monitor) Healthcheck(ctx context.Context) error {
	s, ok := m.Snapshot()
	if !ok {
		s = m.Sample(ctx)
	}
	if s.Status == StatusCritical {
		return errors.Join(ErrHealthcheckFailed,
			fmt.Errorf("%w: %s", ErrCritical, strings.Join(s.Reasons, "; ")))
	}
	return nil
}
