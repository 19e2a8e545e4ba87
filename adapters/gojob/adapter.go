package gojob

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/goliatone/go-syncpipe/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

// Job ids for the pipeline's periodic passes. Each one maps onto a RunOnce
// call, so go-job schedules them like any other script.
const (
	JobIDWorkerRunOnce    = "syncpipe.worker.run_once"
	JobIDOutboxDrain      = "syncpipe.outbox.drain"
	JobIDReconcileRun     = "syncpipe.reconcile.run"
	JobIDDeadLetterReplay = "syncpipe.deadletter.replay"
)

// RetryPolicy bounds queue-level redelivery of a pass. The sync worker keeps
// its own per-task retry policy.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// Bound clamps the nack delay. With DeadLetterOnMax set, a nack at or past
// MaxAttempts dead-letters instead of requeueing. Anything not dead-lettered
// is requeued.
func (p RetryPolicy) Bound(opts core.JobNackOptions, attempt int) core.JobNackOptions {
	opts.Reason = strings.TrimSpace(opts.Reason)
	opts.Delay = max(opts.Delay, 0)
	if p.MaxDelay > 0 {
		opts.Delay = min(opts.Delay, p.MaxDelay)
	}
	exhausted := p.MaxAttempts > 0 && attempt >= p.MaxAttempts
	switch {
	case opts.DeadLetter:
		opts.Requeue = false
	case exhausted && p.DeadLetterOnMax:
		opts.Requeue = false
		opts.DeadLetter = true
	default:
		opts.Requeue = true
	}
	return opts
}

// Queue exposes a go-job backend through the pipeline's job ports. Either
// side may be nil when the process only produces or only consumes.
type Queue struct {
	enqueuer queue.Enqueuer
	dequeuer queue.Dequeuer
	policy   RetryPolicy
}

func NewQueue(enqueuer queue.Enqueuer, dequeuer queue.Dequeuer, policy RetryPolicy) *Queue {
	return &Queue{enqueuer: enqueuer, dequeuer: dequeuer, policy: policy}
}

func (q *Queue) Enqueue(ctx context.Context, msg *core.JobExecutionMessage) error {
	if q == nil || q.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if msg == nil {
		return fmt.Errorf("gojob: execution message is required")
	}
	return q.enqueuer.Enqueue(ctx, toJobMessage(msg))
}

// Schedule enqueues one pass of jobID for the given window key.
func (q *Queue) Schedule(ctx context.Context, jobID string, window string, params map[string]any) error {
	return q.Enqueue(ctx, NewRunMessage(jobID, window, params))
}

func (q *Queue) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if q == nil || q.dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is not configured")
	}
	raw, err := q.dequeuer.Dequeue(ctx)
	if err != nil || raw == nil {
		return nil, err
	}
	return NewDelivery(raw, q.policy), nil
}

// Delivery settles a go-job delivery under a RetryPolicy.
type Delivery struct {
	raw    queue.Delivery
	policy RetryPolicy
}

func NewDelivery(raw queue.Delivery, policy RetryPolicy) *Delivery {
	return &Delivery{raw: raw, policy: policy}
}

func (d *Delivery) Message() *core.JobExecutionMessage {
	if d == nil || d.raw == nil {
		return nil
	}
	return fromJobMessage(d.raw.Message())
}

func (d *Delivery) Ack(ctx context.Context) error {
	if d == nil || d.raw == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	return d.raw.Ack(ctx)
}

// Nack uses the attempt carried in the message parameters.
func (d *Delivery) Nack(ctx context.Context, opts core.JobNackOptions) error {
	attempt := 1
	if msg := d.Message(); msg != nil {
		attempt = attemptFrom(msg.Parameters)
	}
	return d.NackForAttempt(ctx, opts, attempt)
}

func (d *Delivery) NackForAttempt(ctx context.Context, opts core.JobNackOptions, attempt int) error {
	if d == nil || d.raw == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	bounded := d.policy.Bound(opts, attempt)
	return d.raw.Nack(ctx, queue.NackOptions{
		Delay:      bounded.Delay,
		Requeue:    bounded.Requeue,
		DeadLetter: bounded.DeadLetter,
		Reason:     bounded.Reason,
	})
}

type hookStage int

const (
	stageStart hookStage = iota
	stageSuccess
	stageFailure
	stageRetry
)

// HookForwarder feeds go-job worker events into a pipeline hook, typically
// the metrics recorder.
type HookForwarder struct {
	hook core.JobWorkerHook
}

func NewHookForwarder(hook core.JobWorkerHook) *HookForwarder {
	return &HookForwarder{hook: hook}
}

func (f *HookForwarder) OnStart(ctx context.Context, event worker.Event) {
	f.forward(ctx, stageStart, event)
}

func (f *HookForwarder) OnSuccess(ctx context.Context, event worker.Event) {
	f.forward(ctx, stageSuccess, event)
}

func (f *HookForwarder) OnFailure(ctx context.Context, event worker.Event) {
	f.forward(ctx, stageFailure, event)
}

func (f *HookForwarder) OnRetry(ctx context.Context, event worker.Event) {
	f.forward(ctx, stageRetry, event)
}

func (f *HookForwarder) forward(ctx context.Context, stage hookStage, event worker.Event) {
	if f == nil || f.hook == nil {
		return
	}
	msg := event.Message
	if msg == nil && event.Delivery != nil {
		msg = event.Delivery.Message()
	}
	mapped := core.JobWorkerEvent{
		Message:   fromJobMessage(msg),
		Attempt:   event.Attempt,
		Delay:     event.Delay,
		Err:       event.Err,
		StartedAt: event.StartedAt,
		Duration:  event.Duration,
	}
	switch stage {
	case stageStart:
		f.hook.OnStart(ctx, mapped)
	case stageSuccess:
		f.hook.OnSuccess(ctx, mapped)
	case stageFailure:
		f.hook.OnFailure(ctx, mapped)
	case stageRetry:
		f.hook.OnRetry(ctx, mapped)
	}
}

func toJobMessage(msg *core.JobExecutionMessage) *job.ExecutionMessage {
	if msg == nil {
		return nil
	}
	jobID := strings.TrimSpace(msg.JobID)
	script := strings.TrimSpace(msg.ScriptPath)
	if script == "" {
		script = jobID
	}
	return &job.ExecutionMessage{
		JobID:          jobID,
		ScriptPath:     script,
		Parameters:     copyAnyMap(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    job.DeduplicationPolicy(strings.TrimSpace(msg.DedupPolicy)),
	}
}

func fromJobMessage(msg *job.ExecutionMessage) *core.JobExecutionMessage {
	if msg == nil {
		return nil
	}
	return &core.JobExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     copyAnyMap(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    string(msg.DedupPolicy),
	}
}

func copyAnyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	maps.Copy(out, in)
	return out
}

var (
	_ core.JobEnqueuer = (*Queue)(nil)
	_ core.JobDequeuer = (*Queue)(nil)
	_ core.JobDelivery = (*Delivery)(nil)
	_ worker.Hook      = (*HookForwarder)(nil)
)
