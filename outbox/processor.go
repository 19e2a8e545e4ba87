package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-syncpipe/core"
)

type DrainStats struct {
	Claimed int
	Sent    int
	Retried int
	Failed  int
	// Lost counts events whose claim lapsed and was taken by another drainer
	// before the outcome could be recorded.
	Lost int
}

// Processor drains pending outbox events to their subscribers on the same
// retry contract as the sync worker. It keeps no state between runs.
type Processor struct {
	Store     core.OutboxStore
	Router    *Router
	Policy    core.RetryPolicy
	BatchSize int
	ClaimTTL  time.Duration
	Now       func() time.Time
	Observer  core.Observer
}

func NewProcessor(store core.OutboxStore, router *Router, cfg core.Config, observer core.Observer) (*Processor, error) {
	if store == nil {
		return nil, fmt.Errorf("outbox: store is required")
	}
	if router == nil {
		router = NewRouter()
	}
	defaults := core.DefaultConfig().Outbox
	batchSize := cfg.Outbox.BatchSize
	if batchSize <= 0 {
		batchSize = defaults.BatchSize
	}
	claimTTL := cfg.Outbox.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = defaults.ClaimTTL
	}
	return &Processor{
		Store:     store,
		Router:    router,
		Policy:    core.NewRetryPolicy(cfg.Retry),
		BatchSize: batchSize,
		ClaimTTL:  claimTTL,
		Now:       time.Now,
		Observer:  observer,
	}, nil
}

func (p *Processor) RunOnce(ctx context.Context) (DrainStats, error) {
	return p.DrainPending(ctx, p.BatchSize)
}

// DrainPending claims up to batchSize due events and delivers each one.
func (p *Processor) DrainPending(ctx context.Context, batchSize int) (DrainStats, error) {
	startedAt := p.now()
	if batchSize <= 0 {
		batchSize = p.BatchSize
	}
	stats := DrainStats{}
	events, err := p.Store.ClaimPending(ctx, batchSize, startedAt, startedAt.Add(p.ClaimTTL))
	if err != nil {
		err = fmt.Errorf("outbox: claim pending: %w", err)
		p.Observer.ObserveOperation(ctx, startedAt, "outbox.drain", err, nil)
		return stats, err
	}
	stats.Claimed = len(events)

	var drainErr error
	for _, event := range events {
		if ctx.Err() != nil {
			// Unprocessed claims expire after ClaimTTL and are picked up again.
			break
		}
		if err := p.process(ctx, event, &stats); err != nil {
			drainErr = core.JoinErrors(drainErr, err)
		}
	}

	p.Observer.ObserveOperation(ctx, startedAt, "outbox.drain", drainErr, map[string]any{
		"claimed": stats.Claimed,
		"sent":    stats.Sent,
		"retried": stats.Retried,
		"failed":  stats.Failed,
		"lost":    stats.Lost,
	})
	return stats, drainErr
}

func (p *Processor) process(ctx context.Context, event core.OutboxEvent, stats *DrainStats) error {
	bookkeeping := context.WithoutCancel(ctx)
	deliverErr := p.deliver(ctx, event)
	now := p.now()
	fields := map[string]any{
		"outbox_id": event.ID,
		"topic":     event.Topic,
		"retries":   event.Retries,
	}

	if deliverErr == nil {
		if err := p.Store.MarkSent(bookkeeping, event.ID, event.ClaimToken, now); err != nil {
			return p.settleFailed(ctx, "mark sent", event, err, stats)
		}
		stats.Sent++
		return nil
	}

	attempt := event.Retries + 1
	maxRetries := event.MaxRetries
	if maxRetries <= 0 {
		maxRetries = core.DefaultConfig().Outbox.MaxRetries
	}
	if core.ClassifyError(deliverErr) == core.ErrorClassPermanent || attempt >= maxRetries {
		if _, err := p.Store.MarkFailed(bookkeeping, event.ID, event.ClaimToken, deliverErr); err != nil {
			return p.settleFailed(ctx, "mark failed", event, err, stats)
		}
		stats.Failed++
		p.Observer.LogWarn(ctx, "outbox event failed permanently", withError(fields, deliverErr))
		p.Observer.Count(ctx, "outbox.failed.total", 1, map[string]string{"topic": event.Topic})
		return nil
	}

	delay := p.Policy.NextDelay(attempt)
	if hint := core.RetryAfterFrom(deliverErr); hint > delay {
		delay = hint
	}
	if _, err := p.Store.MarkRetry(bookkeeping, event.ID, event.ClaimToken, deliverErr, now.Add(delay)); err != nil {
		return p.settleFailed(ctx, "mark retry", event, err, stats)
	}
	stats.Retried++
	p.Observer.LogInfo(ctx, "outbox event scheduled for retry", withError(fields, deliverErr))
	return nil
}

// settleFailed reports a bookkeeping error. A lost claim is not an error:
// the drainer holding the newer claim owns the outcome.
func (p *Processor) settleFailed(ctx context.Context, op string, event core.OutboxEvent, err error, stats *DrainStats) error {
	if errors.Is(err, core.ErrClaimLost) {
		stats.Lost++
		p.Observer.LogWarn(ctx, "outbox claim lost before settlement", map[string]any{
			"outbox_id": event.ID,
			"topic":     event.Topic,
			"operation": op,
		})
		p.Observer.Count(ctx, "outbox.claim_lost.total", 1, map[string]string{"topic": event.Topic})
		return nil
	}
	return fmt.Errorf("outbox: %s %q: %w", op, event.ID, err)
}

// deliver hands event to every matching subscriber. Any failure retries the
// whole event, so subscribers must tolerate repeats.
func (p *Processor) deliver(ctx context.Context, event core.OutboxEvent) (err error) {
	subscribers := p.Router.Match(event.Topic)
	if len(subscribers) == 0 {
		p.Observer.LogDebug(ctx, "outbox event has no subscribers", map[string]any{"outbox_id": event.ID, "topic": event.Topic})
		return nil
	}
	for _, sub := range subscribers {
		if subErr := p.deliverOne(ctx, sub, event); subErr != nil {
			err = errors.Join(err, fmt.Errorf("outbox: subscriber %q: %w", sub.Name, subErr))
		}
	}
	return err
}

func (p *Processor) deliverOne(ctx context.Context, sub Subscription, event core.OutboxEvent) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = core.Permanent("deliver", fmt.Errorf("subscriber panic: %v", recovered))
		}
	}()
	payload := core.CloneMap(event.Payload)
	if _, ok := payload["outbox_id"]; !ok {
		payload["outbox_id"] = event.ID
	}
	return sub.Subscriber.Deliver(ctx, event.Topic, payload)
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func withError(fields map[string]any, err error) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		out[key] = value
	}
	if err != nil {
		out["error"] = strings.TrimSpace(err.Error())
	}
	return out
}
