// Package worker implements the Worker Runtime: a dispatch loop that
// dequeues batches from the Queue Engine, runs each message's handler
// under a bounded-concurrency semaphore with a lease heartbeat, and
// writes the ledger before acking or nacking the queue message.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/aurora/internal/domain"
	"github.com/oriys/aurora/internal/handlers"
	"github.com/oriys/aurora/internal/ledger"
	"github.com/oriys/aurora/internal/logging"
	"github.com/oriys/aurora/internal/metrics"
	"github.com/oriys/aurora/internal/observability"
	"github.com/oriys/aurora/internal/queue"
	"github.com/oriys/aurora/internal/statusindex"
)

// Config controls the dispatch loop's pacing and limits.
type Config struct {
	WorkerID        string
	MaxConcurrency  int
	BlockDuration   time.Duration
	DrainTimeout    time.Duration
	HandlerDeadline time.Duration
	ReclaimInterval time.Duration

	// TaskLockTTL is the advisory per-task lock's time-to-live. It should
	// match the Queue Engine's lease visibility timeout, since the lock
	// exists to cover the same window the lease does.
	TaskLockTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = "aurea-worker"
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = 5 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.HandlerDeadline <= 0 {
		c.HandlerDeadline = 60 * time.Second
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 15 * time.Second
	}
	if c.TaskLockTTL <= 0 {
		c.TaskLockTTL = 900 * time.Second
	}
}

// LeaseTTL reports the TTL to apply to the per-task advisory lock.
func (c Config) LeaseTTL() time.Duration { return c.TaskLockTTL }

// Runtime owns the dispatch loop for one worker process.
type Runtime struct {
	engine      *queue.Engine
	store       *ledger.Store
	registry    *handlers.Registry
	statusIndex *statusindex.Index
	cfg         Config

	sem chan struct{}
	wg  sync.WaitGroup
}

// New builds a Runtime. The semaphore sizing and every duration default
// come from cfg's zero values if left unset. statusIndex may be nil, in
// which case the fast status index is simply not written to.
func New(engine *queue.Engine, store *ledger.Store, registry *handlers.Registry, statusIndex *statusindex.Index, cfg Config) *Runtime {
	cfg.applyDefaults()
	return &Runtime{
		engine:      engine,
		store:       store,
		registry:    registry,
		statusIndex: statusIndex,
		cfg:         cfg,
		sem:         make(chan struct{}, cfg.MaxConcurrency),
	}
}

// Run drives the dispatch loop until ctx is canceled, then waits up to
// DrainTimeout for in-flight executions before returning. Shutdown never
// acks or nacks an in-flight execution it had to abandon; the lease
// simply expires and ReclaimExpired picks it back up for another worker.
func (r *Runtime) Run(ctx context.Context) error {
	reclaimTicker := time.NewTicker(r.cfg.ReclaimInterval)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.drain()
		case <-reclaimTicker.C:
			if n, err := r.engine.ReclaimExpired(ctx); err != nil {
				logging.Op().Warn("reclaim expired leases failed", "error", err)
			} else if n > 0 {
				logging.Op().Info("reclaimed expired leases", "count", n)
			}
		default:
		}

		available := r.availableSlots()
		if available == 0 {
			// Semaphore saturated: back off instead of dequeuing work we
			// cannot yet run, per the back-pressure design note.
			select {
			case <-ctx.Done():
				return r.drain()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		msgs, err := r.engine.Dequeue(ctx, r.cfg.WorkerID, int64(available), r.cfg.BlockDuration)
		if err != nil {
			if ctx.Err() != nil {
				return r.drain()
			}
			logging.Op().Error("dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			r.dispatch(ctx, msg)
		}
	}
}

func (r *Runtime) availableSlots() int {
	return cap(r.sem) - len(r.sem)
}

// drain waits for in-flight handlers to finish, up to DrainTimeout.
func (r *Runtime) drain() error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(r.cfg.DrainTimeout):
		return fmt.Errorf("worker: drain timeout exceeded after %s", r.cfg.DrainTimeout)
	}
}

// dispatch applies the acquire-or-skip discipline before ever touching
// the semaphore: a per-task advisory lock, independent of the queue
// lease, guards against two consumers both dispatching the same task
// after a reclamation race hands its lease to a second worker while the
// first is still mid-execution. A worker that loses the race does
// nothing at all — no ack, no nack — and lets its copy of the lease
// expire so reclaim_expired can sort out who actually owns the task.
func (r *Runtime) dispatch(ctx context.Context, msg queue.DequeuedMessage) {
	acquired, err := r.engine.AcquireTaskLock(ctx, msg.Msg.TaskID, r.cfg.WorkerID, r.cfg.LeaseTTL())
	if err != nil {
		logging.Op().Warn("task lock acquire failed, skipping dispatch", "task_id", msg.Msg.TaskID, "error", err)
		return
	}
	if !acquired {
		logging.Op().Info("task lock already held, skipping dispatch", "task_id", msg.Msg.TaskID, "message_id", msg.ID)
		return
	}

	r.sem <- struct{}{}
	r.wg.Add(1)

	go func() {
		defer func() { <-r.sem }()
		defer r.wg.Done()
		defer r.engine.ReleaseTaskLock(context.Background(), msg.Msg.TaskID, r.cfg.WorkerID)
		r.execute(ctx, msg)
	}()
}

// execute runs the full per-message lifecycle: mark RUNNING, start a run
// record, heartbeat the lease, invoke the handler under a deadline, write
// the terminal run state, then ack or nack.
func (r *Runtime) execute(ctx context.Context, dm queue.DequeuedMessage) {
	ctx, span := observability.StartSpan(ctx, "worker.execute",
		observability.AttrMessageID.String(dm.ID),
		observability.AttrHandlerType.String(dm.Msg.Type),
		observability.AttrConsumer.String(r.cfg.WorkerID),
	)
	defer span.End()

	start := time.Now()
	taskID, err := parseTaskID(dm.Msg.TaskID)
	if err != nil {
		logging.Op().Error("dispatch: malformed task id, dropping", "message_id", dm.ID, "error", err)
		observability.SetSpanError(span, err)
		r.engine.Ack(ctx, dm.ID)
		return
	}
	span.SetAttributes(observability.AttrTaskID.String(taskID.String()))

	if err := r.store.UpdateTaskStatus(ctx, taskID, domain.TaskRunning); err != nil {
		logging.Op().Warn("dispatch: update task status to RUNNING failed", "task_id", taskID, "error", err)
	}
	r.statusIndex.Put(ctx, taskID.String(), string(domain.TaskRunning))

	attempt, err := r.store.NextAttempt(ctx, taskID)
	if err != nil {
		attempt = dm.Msg.RetryCount + 1
	}
	run := &domain.Run{ID: uuid.New(), TaskID: taskID, Attempt: attempt, Status: domain.RunStarted, StartedAt: start}
	if err := r.store.CreateRun(ctx, run); err != nil {
		logging.Op().Warn("dispatch: create run record failed", "task_id", taskID, "error", err)
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	go r.heartbeat(heartbeatCtx, dm.ID)

	invokeCtx, invokeSpan := observability.StartSpan(ctx, "worker.invoke_handler", observability.AttrHandlerType.String(dm.Msg.Type))
	deadlineCtx, cancel := context.WithTimeout(invokeCtx, r.cfg.HandlerDeadline)
	result, handlerErr := r.invoke(deadlineCtx, dm.Msg.Type, dm.Msg.TaskID, []byte(dm.Msg.Payload))
	cancel()
	stopHeartbeat()

	duration := time.Since(start)
	success := handlerErr == nil && result.Success()
	if handlerErr != nil {
		observability.SetSpanError(invokeSpan, handlerErr)
	} else {
		observability.SetSpanOK(invokeSpan)
	}
	invokeSpan.End()

	r.recordTerminal(ctx, taskID, run.ID, result, handlerErr, success)

	span.SetAttributes(observability.AttrDurationMs.Int64(duration.Milliseconds()), observability.AttrAttempt.Int(attempt))
	if success {
		observability.SetSpanOK(span)
	} else if handlerErr != nil {
		observability.SetSpanError(span, handlerErr)
	} else {
		observability.SetSpanError(span, fmt.Errorf("handler reported status=%q", result.Status))
	}

	logging.Default().Log(&logging.RunLog{
		RunID:       run.ID.String(),
		TaskID:      taskID.String(),
		HandlerType: dm.Msg.Type,
		Attempt:     attempt,
		DurationMs:  duration.Milliseconds(),
		Success:     success,
		Error:       errString(handlerErr),
		WorkerID:    r.cfg.WorkerID,
	})
	metrics.RecordDispatch(dm.Msg.Type, outcomeLabel(success), duration.Milliseconds())

	// Shutdown-triggered cancellation is not a handler failure: leave the
	// message un-acked so its lease expires and another worker retries.
	if ctx.Err() != nil && deadlineCtx.Err() == context.Canceled {
		return
	}

	if success {
		if err := r.engine.Ack(ctx, dm.ID); err != nil {
			logging.Op().Error("ack failed", "message_id", dm.ID, "error", err)
		}
		return
	}

	cause := handlerErr
	if cause == nil {
		cause = fmt.Errorf("handler reported status=%q", result.Status)
	}
	if err := r.engine.Nack(ctx, dm.ID, dm.Msg, cause); err != nil {
		logging.Op().Error("nack failed", "message_id", dm.ID, "error", err)
	}
}

// invoke validates nothing further (ingress already did) and looks up
// the handler by type, returning a failed result if the type is unknown
// rather than panicking the dispatch goroutine.
func (r *Runtime) invoke(ctx context.Context, typeTag, taskID string, payload []byte) (domain.HandlerResult, error) {
	h, err := r.registry.Lookup(typeTag)
	if err != nil {
		return domain.HandlerResult{Status: "failed", Error: err.Error()}, err
	}
	return h.Invoke(ctx, taskID, payload)
}

func (r *Runtime) recordTerminal(ctx context.Context, taskID, runID uuid.UUID, result domain.HandlerResult, handlerErr error, success bool) {
	status := domain.RunFailed
	taskStatus := domain.TaskFailed
	if success {
		status = domain.RunSuccess
		taskStatus = domain.TaskDone
	}

	metricsJSON, _ := result.MarshalJSON()
	errMsg := errString(handlerErr)
	if errMsg == "" {
		errMsg = result.Error
	}

	if err := r.store.FinishRun(ctx, runID, status, metricsJSON, errMsg); err != nil {
		logging.Op().Warn("finish run failed", "run_id", runID, "error", err)
	}
	if err := r.store.UpdateTaskStatus(ctx, taskID, taskStatus); err != nil {
		logging.Op().Warn("update task terminal status failed", "task_id", taskID, "error", err)
	}
	r.statusIndex.Put(ctx, taskID.String(), string(taskStatus))
}

// heartbeat extends messageID's lease at half the visibility timeout
// cadence (LeaseTTL, which carries the visibility timeout) until ctx is
// canceled (handler finished or deadline hit) or the lease is no longer
// held by this worker.
func (r *Runtime) heartbeat(ctx context.Context, messageID string) {
	ticker := time.NewTicker(r.cfg.LeaseTTL() / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, err := r.engine.ExtendLease(ctx, messageID, r.cfg.WorkerID); err != nil {
				logging.Op().Warn("extend lease failed", "message_id", messageID, "error", err)
			} else if !ok {
				return
			}
		}
	}
}

// PrefetchTaskRows concurrently loads the ledger task row for each
// dequeued message in a batch, one errgroup goroutine per message with no
// concurrency limit, so a slow row lookup does not serialize the rest of
// the batch. Rows that fail to parse or load are left out of the map.
func (r *Runtime) PrefetchTaskRows(ctx context.Context, msgs []queue.DequeuedMessage) (map[string]*domain.Task, error) {
	var mu sync.Mutex
	out := make(map[string]*domain.Task, len(msgs))

	g, gctx := errgroup.WithContext(ctx)
	for _, dm := range msgs {
		dm := dm
		g.Go(func() error {
			taskID, err := parseTaskID(dm.Msg.TaskID)
			if err != nil {
				return nil
			}
			task, err := r.store.GetTask(gctx, taskID)
			if err != nil {
				return nil
			}
			mu.Lock()
			out[dm.Msg.TaskID] = task
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failed"
}

func parseTaskID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}
