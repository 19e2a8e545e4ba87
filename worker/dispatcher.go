package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-syncpipe/core"
)

// Applier runs a task against local state. processor.Registry satisfies it.
type Applier interface {
	Apply(ctx context.Context, task core.SyncTask) core.Result
}

type ApplierFunc func(ctx context.Context, task core.SyncTask) core.Result

func (f ApplierFunc) Apply(ctx context.Context, task core.SyncTask) core.Result {
	return f(ctx, task)
}

// Hooks observe task transitions. Every field is optional.
type Hooks struct {
	OnStart      func(ctx context.Context, task core.SyncTask)
	OnSuccess    func(ctx context.Context, task core.SyncTask)
	OnRetry      func(ctx context.Context, task core.SyncTask, decision core.RetryDecision, result core.Result)
	OnDeadLetter func(ctx context.Context, task core.SyncTask, entry core.DeadLetterEntry, result core.Result)
}

type Dependencies struct {
	Queue       core.SyncQueue
	DeadLetters core.DeadLetterStore
	// Inbox, when set, is told when every task of a source event settled.
	Inbox     core.InboxStore
	Processor Applier
	Locker    core.EntityLocker
	Observer  core.Observer
	Hooks     Hooks
}

type RunStats struct {
	Swept        int
	Leased       int
	Succeeded    int
	Retried      int
	DeadLettered int
	Released     int
	LeaseLost    int
}

func (s *RunStats) add(other RunStats) {
	s.Swept += other.Swept
	s.Leased += other.Leased
	s.Succeeded += other.Succeeded
	s.Retried += other.Retried
	s.DeadLettered += other.DeadLettered
	s.Released += other.Released
	s.LeaseLost += other.LeaseLost
}

// Dispatcher leases sync tasks, serializes them per entity and routes each
// processor result through the retry policy.
type Dispatcher struct {
	queue       core.SyncQueue
	deadLetters core.DeadLetterStore
	inbox       core.InboxStore
	processor   Applier
	locker      core.EntityLocker
	observer    core.Observer
	hooks       Hooks
	policy      core.RetryPolicy

	WorkerID        string
	Concurrency     int
	BatchSize       int
	LeaseDuration   time.Duration
	LockTTL         time.Duration
	ContentionDelay time.Duration
	PollInterval    time.Duration
	SweepLimit      int
	Now             func() time.Time
}

func NewDispatcher(deps Dependencies, cfg core.Config) (*Dispatcher, error) {
	if deps.Queue == nil {
		return nil, fmt.Errorf("worker: sync queue is required")
	}
	if deps.DeadLetters == nil {
		return nil, fmt.Errorf("worker: dead letter store is required")
	}
	if deps.Processor == nil {
		return nil, fmt.Errorf("worker: processor is required")
	}
	if deps.Locker == nil {
		deps.Locker = core.NewMemoryEntityLocker()
	}
	defaults := core.DefaultConfig()
	workerCfg := cfg.Worker
	if strings.TrimSpace(workerCfg.WorkerID) == "" {
		workerCfg.WorkerID = defaults.Worker.WorkerID
	}
	if workerCfg.Concurrency <= 0 {
		workerCfg.Concurrency = defaults.Worker.Concurrency
	}
	if workerCfg.BatchSize <= 0 {
		workerCfg.BatchSize = defaults.Worker.BatchSize
	}
	if workerCfg.PollInterval <= 0 {
		workerCfg.PollInterval = defaults.Worker.PollInterval
	}
	if workerCfg.LockTTL <= 0 {
		workerCfg.LockTTL = defaults.Worker.LockTTL
	}
	if workerCfg.ContentionDelay <= 0 {
		workerCfg.ContentionDelay = defaults.Worker.ContentionDelay
	}
	if workerCfg.SweepLimit <= 0 {
		workerCfg.SweepLimit = defaults.Worker.SweepLimit
	}
	leaseDuration := cfg.Queue.LeaseDuration
	if leaseDuration <= 0 {
		leaseDuration = defaults.Queue.LeaseDuration
	}

	return &Dispatcher{
		queue:           deps.Queue,
		deadLetters:     deps.DeadLetters,
		inbox:           deps.Inbox,
		processor:       deps.Processor,
		locker:          deps.Locker,
		observer:        deps.Observer,
		hooks:           deps.Hooks,
		policy:          core.NewRetryPolicy(cfg.Retry),
		WorkerID:        strings.TrimSpace(workerCfg.WorkerID),
		Concurrency:     workerCfg.Concurrency,
		BatchSize:       workerCfg.BatchSize,
		LeaseDuration:   leaseDuration,
		LockTTL:         workerCfg.LockTTL,
		ContentionDelay: workerCfg.ContentionDelay,
		PollInterval:    workerCfg.PollInterval,
		SweepLimit:      workerCfg.SweepLimit,
		Now:             time.Now,
	}, nil
}

// Policy exposes the retry policy so callers can pin jitter in tests.
func (d *Dispatcher) Policy() *core.RetryPolicy {
	return &d.policy
}

// Run polls until ctx is done. Idle polls sleep PollInterval.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		stats, err := d.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.observer.LogError(ctx, "worker run failed", map[string]any{
				"worker_id": d.WorkerID,
				"error":     err.Error(),
			})
		}
		if stats.Leased > 0 && err == nil {
			continue
		}
		if err := core.WaitWithContext(ctx, d.PollInterval); err != nil {
			return nil
		}
	}
}

// RunOnce sweeps stranded failures, leases one batch and processes it.
func (d *Dispatcher) RunOnce(ctx context.Context) (RunStats, error) {
	startedAt := d.now()
	stats := RunStats{}

	swept, sweepErr := d.sweep(ctx)
	stats.Swept = swept

	tasks, err := d.queue.Lease(ctx, d.WorkerID, d.BatchSize, d.LeaseDuration)
	if err != nil {
		err = core.JoinErrors(sweepErr, fmt.Errorf("worker: lease tasks: %w", err))
		d.observer.ObserveOperation(ctx, startedAt, "worker.run_once", err, map[string]any{"worker_id": d.WorkerID})
		return stats, err
	}
	stats.Leased = len(tasks)

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.Concurrency)
	for _, entityTasks := range groupByEntity(tasks) {
		group.Go(func() error {
			groupStats := d.processGroup(groupCtx, entityTasks)
			mu.Lock()
			stats.add(groupStats)
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	d.observer.ObserveOperation(ctx, startedAt, "worker.run_once", sweepErr, map[string]any{
		"worker_id":     d.WorkerID,
		"leased":        stats.Leased,
		"succeeded":     stats.Succeeded,
		"retried":       stats.Retried,
		"dead_lettered": stats.DeadLettered,
		"released":      stats.Released,
	})
	return stats, sweepErr
}

// sweep moves tasks parked as failed into the dead-letter queue. A task sits
// in failed only when a worker stopped between Fail and Move.
func (d *Dispatcher) sweep(ctx context.Context) (int, error) {
	failed, err := d.queue.List(ctx, core.TaskFilter{Status: core.TaskStatusFailed, Limit: d.SweepLimit})
	if err != nil {
		return 0, fmt.Errorf("worker: list failed tasks: %w", err)
	}
	moved := 0
	var sweepErr error
	for _, task := range failed {
		reason := strings.TrimSpace(task.LastError)
		if reason == "" {
			reason = "stranded failure"
		}
		entry, err := d.deadLetters.Move(ctx, task.ID, reason, d.now())
		if err != nil {
			sweepErr = core.JoinErrors(sweepErr, fmt.Errorf("worker: sweep task %q: %w", task.ID, err))
			continue
		}
		moved++
		d.notifyDeadLetter(ctx, task, entry, core.PermanentFailure(reason, nil))
		d.settleSourceEvent(ctx, task.SourceEventID)
	}
	return moved, sweepErr
}

func (d *Dispatcher) processGroup(ctx context.Context, tasks []core.SyncTask) RunStats {
	stats := RunStats{}
	for i, task := range tasks {
		outcome := d.processTask(ctx, task)
		stats.add(outcome)
		if outcome.Succeeded == 0 {
			// Later tasks for the entity wait behind the unfinished one.
			for _, rest := range tasks[i+1:] {
				if err := d.queue.Release(context.WithoutCancel(ctx), rest.ID, d.WorkerID, d.now()); err != nil {
					stats.LeaseLost++
					continue
				}
				stats.Released++
			}
			return stats
		}
	}
	return stats
}

func (d *Dispatcher) processTask(ctx context.Context, task core.SyncTask) RunStats {
	bookkeeping := context.WithoutCancel(ctx)
	fields := taskFields(d.WorkerID, task)

	lock, err := d.locker.Acquire(ctx, task.EntityKey(), d.LockTTL)
	if err != nil {
		if !errors.Is(err, core.ErrLockHeld) {
			d.observer.LogWarn(ctx, "entity lock acquire failed", withError(fields, err))
		}
		if releaseErr := d.queue.Release(bookkeeping, task.ID, d.WorkerID, d.now().Add(d.ContentionDelay)); releaseErr != nil {
			d.observer.LogWarn(ctx, "task release failed", withError(fields, releaseErr))
			return RunStats{LeaseLost: 1}
		}
		d.observer.Count(ctx, "worker.lock_contention.total", 1, map[string]string{"entity_kind": string(task.EntityKind)})
		return RunStats{Released: 1}
	}
	defer func() {
		if unlockErr := lock.Unlock(bookkeeping); unlockErr != nil {
			d.observer.LogWarn(ctx, "entity lock release failed", withError(fields, unlockErr))
		}
	}()

	if d.hooks.OnStart != nil {
		d.hooks.OnStart(ctx, task)
	}
	startedAt := d.now()
	result := d.invoke(ctx, task)
	finishedAt := d.now()

	decision := d.policy.Decide(result, task.AttemptCount, task.MaxAttempts)
	attempt := core.AttemptOutcome{
		Attempt:    decision.Attempt,
		Result:     result.Kind,
		WorkerID:   d.WorkerID,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}
	if !result.Succeeded() {
		attempt.Error = result.Message()
	}
	fields["attempt"] = decision.Attempt
	fields["outcome"] = string(result.Kind)

	var stats RunStats
	switch decision.Action {
	case core.RetryActionComplete:
		err = d.queue.Complete(bookkeeping, task.ID, d.WorkerID)
		if err == nil {
			stats.Succeeded = 1
			if d.hooks.OnSuccess != nil {
				d.hooks.OnSuccess(ctx, task)
			}
			d.settleSourceEvent(bookkeeping, task.SourceEventID)
		}
	case core.RetryActionReschedule:
		delay := decision.Delay
		if hint := retryHint(result.Err); hint > delay {
			delay = hint
		}
		decision.Delay = delay
		var updated core.SyncTask
		updated, err = d.queue.Reschedule(bookkeeping, task.ID, d.WorkerID, finishedAt.Add(delay), attempt)
		if err == nil {
			stats.Retried = 1
			if d.hooks.OnRetry != nil {
				d.hooks.OnRetry(ctx, updated, decision, result)
			}
		}
	default:
		var failed core.SyncTask
		failed, err = d.queue.Fail(bookkeeping, task.ID, d.WorkerID, attempt)
		if err == nil {
			var entry core.DeadLetterEntry
			entry, err = d.deadLetters.Move(bookkeeping, task.ID, deadLetterReason(result, decision), finishedAt)
			if err == nil {
				stats.DeadLettered = 1
				d.notifyDeadLetter(ctx, failed, entry, result)
				d.settleSourceEvent(bookkeeping, task.SourceEventID)
			}
		}
	}

	if errors.Is(err, core.ErrLeaseLost) {
		d.observer.LogWarn(ctx, "task lease lost before completion", fields)
		return RunStats{LeaseLost: 1}
	}
	d.observer.ObserveOperation(ctx, startedAt, "worker.process", err, fields)
	return stats
}

// invoke runs the processor, turning a panic into a permanent failure.
func (d *Dispatcher) invoke(ctx context.Context, task core.SyncTask) (result core.Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.observer.LogError(ctx, "processor panicked", map[string]any{
				"task_id": task.ID,
				"panic":   fmt.Sprint(recovered),
				"stack":   string(debug.Stack()),
			})
			result = core.PermanentFailure("processor panic", fmt.Errorf("worker: processor panic: %v", recovered))
		}
	}()
	result = d.processor.Apply(ctx, task)
	if result.Kind == "" {
		result = core.TransientFailure("processor returned no result", nil)
	}
	return result
}

func (d *Dispatcher) notifyDeadLetter(ctx context.Context, task core.SyncTask, entry core.DeadLetterEntry, result core.Result) {
	d.observer.Count(ctx, "worker.dead_letter.total", 1, map[string]string{"entity_kind": string(task.EntityKind)})
	if d.hooks.OnDeadLetter != nil {
		d.hooks.OnDeadLetter(ctx, task, entry, result)
	}
}

// settleSourceEvent marks the inbox event processed once every task derived
// from it reached a terminal status.
func (d *Dispatcher) settleSourceEvent(ctx context.Context, eventID string) {
	eventID = strings.TrimSpace(eventID)
	if d.inbox == nil || eventID == "" {
		return
	}
	tasks, err := d.queue.List(ctx, core.TaskFilter{SourceEventID: eventID})
	if err != nil {
		d.observer.LogWarn(ctx, "source event tasks lookup failed", map[string]any{"event_id": eventID, "error": err.Error()})
		return
	}
	for _, task := range tasks {
		if !task.Status.Terminal() {
			return
		}
	}
	if err := d.inbox.MarkProcessed(ctx, eventID, d.now()); err != nil {
		d.observer.LogWarn(ctx, "inbox event mark processed failed", map[string]any{"event_id": eventID, "error": err.Error()})
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// groupByEntity buckets tasks by entity key keeping lease order within and
// across buckets.
func groupByEntity(tasks []core.SyncTask) [][]core.SyncTask {
	index := map[string]int{}
	groups := make([][]core.SyncTask, 0, len(tasks))
	for _, task := range tasks {
		key := task.EntityKey()
		position, ok := index[key]
		if !ok {
			position = len(groups)
			index[key] = position
			groups = append(groups, nil)
		}
		groups[position] = append(groups[position], task)
	}
	return groups
}

func retryHint(err error) time.Duration {
	if err == nil {
		return 0
	}
	var open *core.CircuitOpenError
	if errors.As(err, &open) && open.RetryAfter > 0 {
		return open.RetryAfter
	}
	var throttled interface{ RetryAfterHint() time.Duration }
	if errors.As(err, &throttled) {
		return throttled.RetryAfterHint()
	}
	return core.RetryAfterFrom(err)
}

func deadLetterReason(result core.Result, decision core.RetryDecision) string {
	message := result.Message()
	if message == "" {
		message = string(result.Kind)
	}
	if result.Kind == core.ResultTransientFailure {
		return fmt.Sprintf("retries exhausted after %d attempts: %s", decision.Attempt, message)
	}
	return message
}

func taskFields(workerID string, task core.SyncTask) map[string]any {
	return map[string]any{
		"worker_id":          workerID,
		"task_id":            task.ID,
		"entity_kind":        string(task.EntityKind),
		"entity_external_id": task.EntityExternalID,
		"operation":          string(task.Operation),
	}
}

func withError(fields map[string]any, err error) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		out[key] = value
	}
	out["error"] = err.Error()
	return out
}
