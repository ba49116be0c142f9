// Package runner is the worker engine: the claim → execute → report loop for
// one worker process, plus the lease reaper and heartbeats.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"scrapeq/internal/config"
	"scrapeq/internal/events"
	"scrapeq/internal/queue"
	"scrapeq/internal/registry"
	"scrapeq/internal/results"
	"scrapeq/internal/sched"
)

// Queue is the slice of the store the engine drives. Kept narrow so tests can
// fake it.
type Queue interface {
	Claim(ctx context.Context, req queue.ClaimRequest, strategy sched.Strategy) (*queue.Task, error)
	RenewLease(ctx context.Context, taskID int64, workerID string, lease time.Duration) error
	CompleteSuccess(ctx context.Context, taskID int64, workerID string, result json.RawMessage) error
	CompleteFailure(ctx context.Context, taskID int64, workerID string, errMsg string, retry bool, notBefore int64) error
	ReclaimExpired(ctx context.Context, deadWorkerCutoff int64) (int64, error)
	UpsertWorker(ctx context.Context, workerID string, capabilities []string) error
	WorkerHeartbeat(ctx context.Context, workerID string) error
	PruneWorkers(ctx context.Context, cutoff int64) (int64, error)
}

type Runner struct {
	cfg      *config.Config
	queue    Queue
	registry *registry.Registry
	results  *results.Store
	strategy sched.Strategy
	logger   *slog.Logger
	events   events.Publisher
	wg       sync.WaitGroup
}

func New(cfg *config.Config, q Queue, reg *registry.Registry, res *results.Store, strategy sched.Strategy, logger *slog.Logger, publisher events.Publisher) *Runner {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Runner{
		cfg:      cfg,
		queue:    q,
		registry: reg,
		results:  res,
		strategy: strategy,
		logger:   logger,
		events:   publisher,
	}
}

// Start runs the polling loop until ctx is cancelled, then waits for in-flight
// tasks to finish. Handler errors never escape this loop.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.queue.UpsertWorker(ctx, r.cfg.WorkerID, r.cfg.Capabilities); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	r.logger.Info("Starting worker runner", "strategy", r.strategy.Name(), "types", r.registry.Types())

	go r.runReaper(ctx)
	go r.runWorkerHeartbeat(ctx)

	// Jitter keeps a fleet of workers from polling in lockstep.
	pollJitter := time.Duration(rand.Intn(200)) * time.Millisecond
	ticker := time.NewTicker(r.cfg.PollInterval + pollJitter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Worker received shutdown signal, waiting for tasks to finish...")
			r.wg.Wait()
			r.logger.Info("All tasks finished")
			return nil
		case <-ticker.C:
			for {
				if ctx.Err() != nil {
					break
				}
				processed, err := r.processNext(ctx)
				if err != nil {
					if !errors.Is(err, queue.ErrNoTasks) && !errors.Is(err, queue.ErrStoreBusy) {
						r.logger.Error("Error processing task", "error", err)
					}
					break
				}
				if !processed {
					break
				}
			}
		}
	}
}

// runReaper periodically returns expired-lease and dead-worker tasks to the
// pool and prunes stale worker registrations.
func (r *Runner) runReaper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReclaimEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.cfg.WorkerDeadAfter).UnixMilli()
			count, err := r.queue.ReclaimExpired(ctx, cutoff)
			if err != nil {
				r.logger.Error("Failed to reclaim expired leases", "error", err)
				continue
			}
			if count > 0 {
				r.logger.Info("Reclaimed expired leases", "count", count)
				tasksReclaimed.Add(float64(count))
				r.events.Publish(events.Event{
					Level:   "WARN",
					Kind:    events.KindReclaimed,
					Message: fmt.Sprintf("reclaimed %d expired leases", count),
				})
			}
			pruneCutoff := time.Now().Add(-2 * r.cfg.WorkerDeadAfter).UnixMilli()
			if _, err := r.queue.PruneWorkers(ctx, pruneCutoff); err != nil {
				r.logger.Error("Failed to prune stale workers", "error", err)
			}
		}
	}
}

// runWorkerHeartbeat keeps this worker's liveness record fresh on its own
// cadence, independent of task execution.
func (r *Runner) runWorkerHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.queue.WorkerHeartbeat(ctx, r.cfg.WorkerID); err != nil {
				r.logger.Error("Worker heartbeat failed", "error", err)
			}
		}
	}
}

func (r *Runner) processNext(ctx context.Context) (bool, error) {
	startClaim := time.Now()
	task, err := r.queue.Claim(ctx, queue.ClaimRequest{
		WorkerID:     r.cfg.WorkerID,
		Capabilities: r.cfg.Capabilities,
		Types:        r.registry.Types(),
		Lease:        r.cfg.LeaseDuration,
	}, r.strategy)
	if err != nil {
		if errors.Is(err, queue.ErrNoTasks) {
			return false, nil
		}
		return false, err
	}
	claimDuration.Observe(time.Since(startClaim).Seconds())
	tasksClaimed.WithLabelValues(task.Type).Inc()
	r.events.Publish(events.Event{
		Level:    "INFO",
		Kind:     events.KindClaimed,
		Message:  "task claimed",
		TaskType: task.Type,
		TaskID:   task.ID,
		WorkerID: r.cfg.WorkerID,
	})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.executeTask(ctx, task)
	}()

	return true, nil
}

func (r *Runner) executeTask(ctx context.Context, task *queue.Task) {
	logger := r.logger.With("task_id", task.ID, "task_type", task.Type)
	logger.Info("Processing task", "attempt", task.Attempts)

	// Lease renewal runs beside the handler so a slow fetch does not lose
	// its claim.
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go r.runLeaseHeartbeat(hbCtx, task.ID)

	startExec := time.Now()
	records, execErr := r.runHandler(ctx, task)
	handlerDuration.WithLabelValues(task.Type).Observe(time.Since(startExec).Seconds())

	// Completion must survive shutdown of the polling context.
	completionCtx, completionCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer completionCancel()

	if execErr != nil {
		r.reportFailure(completionCtx, logger, task, execErr)
		return
	}
	r.reportSuccess(completionCtx, logger, task, records)
	queueWaitTime.Observe(time.Since(time.UnixMilli(task.CreatedAt)).Seconds())
}

// runHandler instantiates the task's handler, validates the payload and
// executes it. A panic inside the handler becomes an ordinary failure
// outcome; nothing a handler does may crash the worker.
func (r *Runner) runHandler(ctx context.Context, task *queue.Task) (records []results.Record, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()

	handler, err := r.registry.Create(task.Type, registry.Deps{
		Results: r.results,
		Logger:  r.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := handler.Validate(task.PayloadJSON); err != nil {
		return nil, fmt.Errorf("payload validation: %w", err)
	}
	return handler.Execute(ctx, task.PayloadJSON)
}

func (r *Runner) reportSuccess(ctx context.Context, logger *slog.Logger, task *queue.Task, records []results.Record) {
	// Records land before the status flips so a crash between the two is
	// healed by the result store's dedup on retry.
	saved := 0
	for _, rec := range records {
		rec.TaskID = task.ID
		if _, err := r.results.Save(ctx, rec); err != nil {
			r.reportFailure(ctx, logger, task, fmt.Errorf("save result record: %w", err))
			return
		}
		saved++
	}

	summary, _ := json.Marshal(map[string]int{"records": saved})
	if err := r.queue.CompleteSuccess(ctx, task.ID, r.cfg.WorkerID, summary); err != nil {
		logger.Error("Failed to mark success", "error", err)
		return
	}
	logger.Info("Task completed", "records", saved)
	tasksCompleted.WithLabelValues(task.Type, "completed").Inc()
	r.events.Publish(events.Event{
		Level:    "INFO",
		Kind:     events.KindCompleted,
		Message:  "task completed",
		TaskType: task.Type,
		TaskID:   task.ID,
		WorkerID: r.cfg.WorkerID,
	})
}

func (r *Runner) reportFailure(ctx context.Context, logger *slog.Logger, task *queue.Task, execErr error) {
	retry := task.Attempts+1 < task.MaxAttempts
	notBefore := time.Now().Add(r.backoffDelay(task.Attempts)).UnixMilli()

	if err := r.queue.CompleteFailure(ctx, task.ID, r.cfg.WorkerID, execErr.Error(), retry, notBefore); err != nil {
		logger.Error("Failed to record task failure", "error", err)
		return
	}
	if retry {
		logger.Warn("Task failed, will retry", "error", execErr, "attempt", task.Attempts+1)
		tasksCompleted.WithLabelValues(task.Type, "retried").Inc()
		r.events.Publish(events.Event{
			Level:    "WARN",
			Kind:     events.KindRetried,
			Message:  execErr.Error(),
			TaskType: task.Type,
			TaskID:   task.ID,
			WorkerID: r.cfg.WorkerID,
		})
		return
	}
	logger.Error("Task failed permanently", "error", execErr, "attempts", task.Attempts+1)
	tasksCompleted.WithLabelValues(task.Type, "failed").Inc()
	r.events.Publish(events.Event{
		Level:    "ERROR",
		Kind:     events.KindFailed,
		Message:  execErr.Error(),
		TaskType: task.Type,
		TaskID:   task.ID,
		WorkerID: r.cfg.WorkerID,
	})
}

// backoffDelay is base * 2^attempts, capped.
func (r *Runner) backoffDelay(attempts int) time.Duration {
	delay := time.Duration(float64(r.cfg.RetryBaseDelay) * math.Pow(2, float64(attempts)))
	if delay > r.cfg.RetryMaxDelay || delay <= 0 {
		delay = r.cfg.RetryMaxDelay
	}
	return delay
}

// runLeaseHeartbeat renews the task lease at a third of its duration until
// the task settles.
func (r *Runner) runLeaseHeartbeat(ctx context.Context, taskID int64) {
	ticker := time.NewTicker(r.cfg.LeaseDuration / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.queue.RenewLease(ctx, taskID, r.cfg.WorkerID, r.cfg.LeaseDuration); err != nil {
				// Losing the lease is survivable: the reclaimed copy is
				// fenced off from our completion writes.
				r.logger.Error("Lease renewal failed", "task_id", taskID, "error", err)
			}
		}
	}
}
