package gojob

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-syncpipe/core"
)

// ParamAttempt carries the delivery attempt in the job parameters. Queues
// that track attempts natively can leave it unset.
const ParamAttempt = "attempt"

// RunFunc executes one job. Parameters come from the execution message.
type RunFunc func(ctx context.Context, params map[string]any) error

type attemptNacker interface {
	NackForAttempt(ctx context.Context, opts core.JobNackOptions, attempt int) error
}

// Runner routes go-job deliveries to registered pipeline passes and settles
// each delivery with ack or a bounded nack.
type Runner struct {
	Policy   RetryPolicy
	Backoff  core.RetryPolicy
	Hook     core.JobWorkerHook
	Observer core.Observer
	Now      func() time.Time

	mu       sync.RWMutex
	handlers map[string]RunFunc
}

func NewRunner(policy RetryPolicy, backoff core.RetryPolicy, observer core.Observer) *Runner {
	return &Runner{
		Policy:   policy,
		Backoff:  backoff,
		Observer: observer,
		Now:      time.Now,
		handlers: map[string]RunFunc{},
	}
}

func (r *Runner) Handle(jobID string, fn RunFunc) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return fmt.Errorf("gojob: job id is required")
	}
	if fn == nil {
		return fmt.Errorf("gojob: handler for %q is required", jobID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = map[string]RunFunc{}
	}
	if _, exists := r.handlers[jobID]; exists {
		return fmt.Errorf("gojob: handler for %q already registered", jobID)
	}
	r.handlers[jobID] = fn
	return nil
}

func (r *Runner) JobIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	return ids
}

// Process runs the handler for one delivery. The returned error is the
// settlement error; handler failures are reported through nack and hooks.
func (r *Runner) Process(ctx context.Context, delivery core.JobDelivery) error {
	if delivery == nil {
		return fmt.Errorf("gojob: delivery is required")
	}
	msg := delivery.Message()
	if msg == nil {
		return r.nack(ctx, delivery, core.JobNackOptions{DeadLetter: true, Reason: "missing execution message"}, 1)
	}
	attempt := attemptFrom(msg.Parameters)
	startedAt := r.now()
	event := core.JobWorkerEvent{Message: msg, Attempt: attempt, StartedAt: startedAt}

	handler, ok := r.handler(msg.JobID)
	if !ok {
		err := core.Permanent("gojob.dispatch", fmt.Errorf("no handler for job %q", msg.JobID))
		event.Err = err
		r.onFailure(ctx, event)
		return r.nack(ctx, delivery, core.JobNackOptions{DeadLetter: true, Reason: err.Error()}, attempt)
	}

	r.onStart(ctx, event)
	runErr := r.run(ctx, handler, msg.Parameters)
	event.Duration = r.now().Sub(startedAt)
	r.Observer.ObserveOperation(ctx, startedAt, "job.run", runErr, map[string]any{
		"job_id":  msg.JobID,
		"attempt": attempt,
	})

	if runErr == nil {
		r.onSuccess(ctx, event)
		return delivery.Ack(ctx)
	}

	event.Err = runErr
	if core.ClassifyError(runErr) == core.ErrorClassPermanent {
		r.onFailure(ctx, event)
		return r.nack(ctx, delivery, core.JobNackOptions{DeadLetter: true, Reason: runErr.Error()}, attempt)
	}

	delay := r.Backoff.NextDelay(attempt)
	if hint := core.RetryAfterFrom(runErr); hint > delay {
		delay = hint
	}
	event.Delay = delay
	r.onRetry(ctx, event)
	return r.nack(ctx, delivery, core.JobNackOptions{Delay: delay, Requeue: true, Reason: runErr.Error()}, attempt)
}

// Poll dequeues and processes deliveries until ctx is done.
func (r *Runner) Poll(ctx context.Context, dequeuer core.JobDequeuer, idle time.Duration) error {
	if dequeuer == nil {
		return fmt.Errorf("gojob: dequeuer is required")
	}
	if idle <= 0 {
		idle = time.Second
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		delivery, err := dequeuer.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			r.Observer.LogWarn(ctx, "job dequeue failed", map[string]any{"error": err.Error()})
			if waitErr := core.WaitWithContext(ctx, idle); waitErr != nil {
				return nil
			}
			continue
		}
		if delivery == nil {
			if waitErr := core.WaitWithContext(ctx, idle); waitErr != nil {
				return nil
			}
			continue
		}
		if err := r.Process(ctx, delivery); err != nil {
			r.Observer.LogError(ctx, "job settlement failed", map[string]any{"error": err.Error()})
		}
	}
}

func (r *Runner) run(ctx context.Context, handler RunFunc, params map[string]any) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = core.Permanent("gojob.run", fmt.Errorf("job panic: %v", recovered))
		}
	}()
	return handler(ctx, copyAnyMap(params))
}

func (r *Runner) handler(jobID string) (RunFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[strings.TrimSpace(jobID)]
	return fn, ok
}

func (r *Runner) nack(ctx context.Context, delivery core.JobDelivery, opts core.JobNackOptions, attempt int) error {
	if nacker, ok := delivery.(attemptNacker); ok {
		return nacker.NackForAttempt(ctx, opts, attempt)
	}
	return delivery.Nack(ctx, r.Policy.Bound(opts, attempt))
}

func (r *Runner) onStart(ctx context.Context, event core.JobWorkerEvent) {
	if r.Hook != nil {
		r.Hook.OnStart(ctx, event)
	}
}

func (r *Runner) onSuccess(ctx context.Context, event core.JobWorkerEvent) {
	if r.Hook != nil {
		r.Hook.OnSuccess(ctx, event)
	}
}

func (r *Runner) onFailure(ctx context.Context, event core.JobWorkerEvent) {
	if r.Hook != nil {
		r.Hook.OnFailure(ctx, event)
	}
}

func (r *Runner) onRetry(ctx context.Context, event core.JobWorkerEvent) {
	if r.Hook != nil {
		r.Hook.OnRetry(ctx, event)
	}
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// NewRunMessage builds the execution message for one pipeline pass. The
// idempotency key lets go-job drop duplicate schedules of the same window.
func NewRunMessage(jobID string, window string, params map[string]any) *core.JobExecutionMessage {
	jobID = strings.TrimSpace(jobID)
	msg := &core.JobExecutionMessage{
		JobID:      jobID,
		ScriptPath: jobID,
		Parameters: copyAnyMap(params),
	}
	if window = strings.TrimSpace(window); window != "" {
		msg.IdempotencyKey = jobID + ":" + window
		msg.DedupPolicy = "drop"
	}
	return msg
}

func attemptFrom(params map[string]any) int {
	raw, ok := params[ParamAttempt]
	if !ok {
		return 1
	}
	var attempt int
	switch value := raw.(type) {
	case int:
		attempt = value
	case int64:
		attempt = int(value)
	case float64:
		attempt = int(value)
	case string:
		attempt, _ = strconv.Atoi(strings.TrimSpace(value))
	}
	if attempt < 1 {
		return 1
	}
	return attempt
}
