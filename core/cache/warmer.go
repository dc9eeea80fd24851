package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/chartworker/core/logger"
)

// Warmer is the coordinator's background loop. Every interval it closes the
// access window, re-warms hot keys that are about to expire, retries deferred
// L2 invalidations and prunes tombstones. While running it also applies
// invalidations broadcast by other processes.
type Warmer struct {
	coord *Coordinator
	mu    sync.RWMutex
	wg    sync.WaitGroup

	interval        time.Duration
	threshold       int64
	ahead           time.Duration
	mode            WarmMode
	shutdownTimeout time.Duration
	logger          *slog.Logger

	cancel context.CancelFunc

	ticks        atomic.Int64
	keysWarmed   atomic.Int64
	warmFailures atomic.Int64
	lastTickNano atomic.Int64
}

// WarmerStats provides observability metrics for the warmer loop.
type WarmerStats struct {
	Ticks                int64
	KeysWarmed           int64
	WarmFailures         int64
	PendingInvalidations int
	LastTick             time.Time
	IsRunning            bool
}

// NewWarmer creates the loop for coord. Keys are warmed asynchronously through
// the queue when coord has a task submitter, synchronously otherwise.
func NewWarmer(coord *Coordinator, opts ...WarmerOption) (*Warmer, error) {
	if coord == nil {
		return nil, ErrNilCoordinator
	}

	w := &Warmer{
		coord:           coord,
		interval:        30 * time.Second,
		threshold:       10,
		ahead:           time.Minute,
		mode:            WarmSync,
		shutdownTimeout: 30 * time.Second,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if coord.submitter != nil {
		w.mode = WarmAsync
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// NewWarmerFromConfig creates the loop with settings from cfg.
func NewWarmerFromConfig(cfg Config, coord *Coordinator, opts ...WarmerOption) (*Warmer, error) {
	allOpts := append([]WarmerOption{
		WithWarmInterval(cfg.WarmInterval),
		WithWarmThreshold(cfg.WarmThreshold),
		WithWarmAhead(cfg.WarmAhead),
	}, opts...)
	return NewWarmer(coord, allOpts...)
}

// Start runs the loop until ctx is cancelled.
func (w *Warmer) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return ErrWarmerAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		w.listen(runCtx)
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.InfoContext(runCtx, "cache warmer started",
		logger.Component("cache"),
		slog.Duration("interval", w.interval),
		slog.Int64("threshold", w.threshold))

	for {
		select {
		case <-runCtx.Done():
			w.logger.InfoContext(context.Background(), "cache warmer stopping")
			return runCtx.Err()
		case <-ticker.C:
			w.tickWithWait(runCtx)
		}
	}
}

// Stop cancels the loop and waits for an in-flight tick up to the shutdown
// timeout.
func (w *Warmer) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return ErrWarmerNotRunning
	}
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(w.shutdownTimeout):
		return fmt.Errorf("cache warmer shutdown timeout exceeded after %s", w.shutdownTimeout)
	}
}

// Run provides errgroup compatibility.
func (w *Warmer) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- w.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = w.Stop()
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

func (w *Warmer) tickWithWait(ctx context.Context) {
	w.mu.RLock()
	if w.cancel == nil {
		w.mu.RUnlock()
		return
	}
	w.wg.Add(1)
	w.mu.RUnlock()
	defer w.wg.Done()

	w.Tick(ctx)
}

// Tick runs one pass of the loop.
func (w *Warmer) Tick(ctx context.Context) {
	defer w.lastTickNano.Store(w.coord.now().UnixNano())
	w.ticks.Add(1)

	w.coord.analytics.RotateWindow()

	if due := w.dueKeys(ctx); len(due) > 0 {
		res, err := w.coord.Warm(ctx, due, w.mode)
		w.keysWarmed.Add(int64(len(res.Warmed) + len(res.TaskIDs)))
		w.warmFailures.Add(int64(len(res.Failed)))
		if err != nil {
			w.logger.WarnContext(ctx, "predictive warming failed for some keys",
				logger.Component("cache"),
				logger.Count("failed", len(res.Failed)),
				logger.Error(err))
		} else {
			w.logger.DebugContext(ctx, "predictive warming scheduled",
				logger.Component("cache"),
				logger.Count("keys", len(due)))
		}
	}

	if left := w.coord.RetryPendingInvalidations(ctx); left > 0 {
		w.logger.WarnContext(ctx, "l2 invalidations still pending",
			logger.Component("cache"),
			logger.Count("pending", left))
	}
}

// dueKeys returns hot keys with a loader whose entry is missing or expires
// within the warm-ahead window. Entries without expiry are never due.
func (w *Warmer) dueKeys(ctx context.Context) []string {
	now := w.coord.now()
	var due []string
	for _, key := range w.coord.analytics.HotKeys(w.threshold) {
		if w.coord.loaderFor(key) == nil {
			continue
		}
		e, err := w.coord.peek(ctx, key)
		switch {
		case errors.Is(err, ErrCacheMiss):
			due = append(due, key)
		case err != nil:
			continue
		case !e.ExpiresAt.IsZero() && e.ExpiresAt.Sub(now) <= w.ahead:
			due = append(due, key)
		}
	}
	return due
}

func (w *Warmer) listen(ctx context.Context) {
	for {
		err := w.coord.Listen(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		w.logger.WarnContext(ctx, "invalidation subscription lost",
			logger.Component("cache"),
			logger.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.interval):
		}
	}
}

// Stats returns warmer counters.
func (w *Warmer) Stats() WarmerStats {
	w.mu.RLock()
	isRunning := w.cancel != nil
	w.mu.RUnlock()

	var last time.Time
	if ns := w.lastTickNano.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return WarmerStats{
		Ticks:                w.ticks.Load(),
		KeysWarmed:           w.keysWarmed.Load(),
		WarmFailures:         w.warmFailures.Load(),
		PendingInvalidations: w.coord.PendingInvalidations(),
		LastTick:             last,
		IsRunning:            isRunning,
	}
}

// Healthcheck fails when the loop is not running.
func (w *Warmer) Healthcheck(ctx context.Context) error {
	if !w.Stats().IsRunning {
		return errors.Join(ErrHealthcheckFailed, ErrWarmerNotRunning)
	}
	return nil
}

// WarmerOption configures a Warmer.
type WarmerOption func(*Warmer)

// WithWarmInterval sets the tick and access window length.
func WithWarmInterval(d time.Duration) WarmerOption {
	return func(w *Warmer) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWarmThreshold sets the accesses per window that make a key hot.
func WithWarmThreshold(n int64) WarmerOption {
	return func(w *Warmer) {
		if n > 0 {
			w.threshold = n
		}
	}
}

// WithWarmAhead sets how close to expiry a hot key must be to be re-warmed.
func WithWarmAhead(d time.Duration) WarmerOption {
	return func(w *Warmer) {
		if d >= 0 {
			w.ahead = d
		}
	}
}

// WithWarmMode forces sync or async warming.
func WithWarmMode(m WarmMode) WarmerOption {
	return func(w *Warmer) {
		w.mode = m
	}
}

// WithWarmerShutdownTimeout bounds how long Stop waits.
func WithWarmerShutdownTimeout(d time.Duration) WarmerOption {
	return func(w *Warmer) {
		if d > 0 {
			w.shutdownTimeout = d
		}
	}
}

// WithWarmerLogger sets the logger.
func WithWarmerLogger(l *slog.Logger) WarmerOption {
	return func(w *Warmer) {
		if l != nil {
			w.logger = l
		}
	}
}
