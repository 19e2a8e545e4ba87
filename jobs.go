package syncpipe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-syncpipe/adapters/gojob"
	"github.com/goliatone/go-syncpipe/core"
	"github.com/goliatone/go-syncpipe/deadletter"
)

// Job parameter names understood by the runner returned from JobRunner.
const (
	JobParamBatchSize   = "batch_size"
	JobParamEntityKind  = "entity_kind"
	JobParamID          = "id"
	JobParamMaxAttempts = "max_attempts"
)

// JobRunner exposes the pipeline passes as go-job handlers so an external
// scheduler can drive them instead of Run.
func (p *Pipeline) JobRunner(policy gojob.RetryPolicy) (*gojob.Runner, error) {
	if p == nil {
		return nil, fmt.Errorf("syncpipe: pipeline is nil")
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = p.config.Retry.MaxAttempts
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = p.config.Retry.MaxDelay
	}
	runner := gojob.NewRunner(policy, core.NewRetryPolicy(p.config.Retry), p.observer)
	if p.now != nil {
		runner.Now = p.now
	}

	handlers := map[string]gojob.RunFunc{
		gojob.JobIDWorkerRunOnce: func(ctx context.Context, _ map[string]any) error {
			_, err := p.RunWorkerOnce(ctx)
			return err
		},
		gojob.JobIDOutboxDrain: func(ctx context.Context, params map[string]any) error {
			batchSize, err := intParam(params, JobParamBatchSize)
			if err != nil {
				return err
			}
			_, err = p.DrainOutbox(ctx, batchSize)
			return err
		},
		gojob.JobIDReconcileRun: func(ctx context.Context, params map[string]any) error {
			_, err := p.RunReconciliation(ctx, core.EntityKind(stringParam(params, JobParamEntityKind)))
			return err
		},
		gojob.JobIDDeadLetterReplay: func(ctx context.Context, params map[string]any) error {
			id := stringParam(params, JobParamID)
			if id == "" {
				return core.Permanent("deadletter.replay", core.ValidationError(JobParamID, "dead letter id is required"))
			}
			maxAttempts, err := intParam(params, JobParamMaxAttempts)
			if err != nil {
				return err
			}
			_, err = p.ReplayDeadLetter(ctx, id, deadletter.ReplayOptions{MaxAttempts: maxAttempts})
			return err
		},
	}
	for jobID, handler := range handlers {
		if err := runner.Handle(jobID, handler); err != nil {
			return nil, err
		}
	}
	return runner, nil
}

// SchedulePasses enqueues one worker pass, one outbox drain and, when a remote
// client is configured, one reconciliation run. Messages carry an idempotency
// key for the window containing at, so repeated calls inside that window are
// dropped by the queue.
func (p *Pipeline) SchedulePasses(ctx context.Context, enqueuer core.JobEnqueuer, at time.Time, window time.Duration) error {
	if p == nil {
		return fmt.Errorf("syncpipe: pipeline is nil")
	}
	if enqueuer == nil {
		return fmt.Errorf("syncpipe: job enqueuer is required")
	}
	if window <= 0 {
		window = time.Minute
	}
	key := at.UTC().Truncate(window).Format(time.RFC3339)
	messages := []*core.JobExecutionMessage{
		gojob.NewRunMessage(gojob.JobIDWorkerRunOnce, key, nil),
		gojob.NewRunMessage(gojob.JobIDOutboxDrain, key, map[string]any{JobParamBatchSize: p.config.Outbox.BatchSize}),
	}
	if p.reconciler != nil {
		messages = append(messages, gojob.NewRunMessage(gojob.JobIDReconcileRun, key, nil))
	}
	for _, msg := range messages {
		if err := enqueuer.Enqueue(ctx, msg); err != nil {
			return fmt.Errorf("syncpipe: enqueue %s: %w", msg.JobID, err)
		}
	}
	return nil
}

func stringParam(params map[string]any, key string) string {
	value, ok := params[key]
	if !ok || value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

func intParam(params map[string]any, key string) (int, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return 0, nil
	}
	switch value := raw.(type) {
	case int:
		return value, nil
	case int64:
		return int(value), nil
	case float64:
		return int(value), nil
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, core.Permanent("job.params", core.ValidationError(key, "must be an integer"))
		}
		return parsed, nil
	default:
		return 0, core.Permanent("job.params", core.ValidationError(key, "must be an integer"))
	}
}
