// Package queue provides a priority task scheduler with retries, a dead-letter
// store and a task registry. Envelopes are routed into five fixed lanes
// (Critical, High, Normal, Low, Bulk); workers always claim from the highest
// non-empty lane and, within a lane, in submission order.
//
// # Features
//
//   - Five priority lanes with per-task-type routing
//   - Delayed execution through not_before
//   - Atomic claims: no envelope ever runs in two workers at once
//   - Wall-clock handler timeouts enforced by the worker
//   - Exponential backoff retries with a configurable ceiling
//   - Dead-letter store with lazy paginated listing and reprocessing
//   - Registry with owner isolation, progress metadata and bulk cancellation
//   - Lease recovery for envelopes held by crashed workers
//   - In-memory storage for tests and single-process deployments
//
// # Basic Usage
//
//	storage := queue.NewMemoryStorage()
//
//	svc, err := queue.NewService(storage,
//		queue.WithWorkerOptions(queue.WithMaxConcurrentTasks(4)),
//		queue.WithEnqueuerOptions(
//			queue.WithLaneRoute("interpretation.generate", queue.PriorityHigh),
//			queue.WithLaneRoute("chart.prerender", queue.PriorityBulk),
//		),
//	)
//	if err != nil {
//		return err
//	}
//
//	type InterpretationRequest struct {
//		ChartID string `json:"chart_id"`
//	}
//
//	svc.RegisterHandler(queue.NewTaskHandler("interpretation.generate",
//		func(ctx context.Context, req InterpretationRequest) (string, error) {
//			_ = queue.SetProgress(ctx, map[string]string{"stage": "prompting"})
//			return generate(ctx, req.ChartID)
//		}))
//
//	go svc.Run(ctx)
//
//	id, err := svc.SubmitTask(ctx, "interpretation.generate", `{"chart_id":"c1"}`,
//		queue.WithOwner("user-7"),
//		queue.WithMaxAttempts(3),
//		queue.WithTimeout(90*time.Second))
//
// # State Machine
//
//	Pending -> Running -> {Succeeded | Failed}
//	Failed  -> Pending (retry) | DeadLettered (exhausted)
//	any non-terminal -> Cancelled
//
// Succeeded, DeadLettered and Cancelled are terminal. The attempt counter is
// incremented when a worker claims the envelope, so an envelope submitted with
// WithMaxAttempts(n) runs at most n times. After attempt k fails the envelope
// becomes ready again after BackoffBase * 2^(k-1).
//
// # Cancellation
//
// Cancelling a pending envelope removes it from its lane. Cancelling a running
// envelope marks it Cancelled immediately and cancels the handler context with
// cause ErrTaskCancelled; handlers check queue.IsCancelled(ctx) at safe points.
// Whatever the handler returns afterwards is discarded.
//
// # Storage
//
// The repository interfaces split storage by consumer:
//
//   - EnqueuerRepository: CreateTask
//   - WorkerRepository: ClaimTask, CompleteTask, FailTask, RetryTask, MoveToDLQ, ExtendLock, SetProgress, GetTask
//   - RegistryRepository: GetTask, ListTasks, CancelTask, PurgeTasks
//   - DeadLetterRepository: GetDeadLetter, ListDeadLetters, PurgeDeadLetters
//   - MaintenanceRepository: ExpireLeases, Stats
//
// Every transition is a compare-and-swap on the envelope status and fails with
// ErrInvalidTransition when the current status does not allow it. A durable
// PostgreSQL implementation lives in integration/queuestore/postgres.
package queue
