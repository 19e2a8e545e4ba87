package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-syncpipe/core"
)

const maxStateConflicts = 16

// Breaker is a per-target circuit breaker whose state lives in a StateStore,
// so every worker process observes the same circuit.
type Breaker struct {
	Store            StateStore
	FailureThreshold int
	FailureWindow    time.Duration
	CoolDown         time.Duration
	MaxCoolDown      time.Duration
	ProbeTimeout     time.Duration
	Now              func() time.Time
	Observer         core.Observer
}

func NewBreaker(cfg core.BreakerConfig, store StateStore) (*Breaker, error) {
	if store == nil {
		return nil, fmt.Errorf("breaker: state store is required")
	}
	defaults := core.DefaultConfig().Breaker
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = defaults.FailureWindow
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = defaults.CoolDown
	}
	if cfg.MaxCoolDown < cfg.CoolDown {
		cfg.MaxCoolDown = cfg.CoolDown
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaults.ProbeTimeout
	}
	return &Breaker{
		Store:            store,
		FailureThreshold: cfg.FailureThreshold,
		FailureWindow:    cfg.FailureWindow,
		CoolDown:         cfg.CoolDown,
		MaxCoolDown:      cfg.MaxCoolDown,
		ProbeTimeout:     cfg.ProbeTimeout,
		Now:              func() time.Time { return time.Now().UTC() },
		Observer:         core.NewObserver(nil, nil),
	}, nil
}

// Execute runs fn unless the circuit for target rejects the call. Open
// circuits fail fast with *core.CircuitOpenError and fn is not invoked.
func (b *Breaker) Execute(ctx context.Context, target string, fn func(ctx context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("breaker: call is required")
	}
	if b == nil || b.Store == nil {
		return fn(ctx)
	}
	target = NormalizeTarget(target)
	if target == "" {
		return fmt.Errorf("breaker: target is required")
	}

	probe, err := b.admit(ctx, target)
	if err != nil {
		return err
	}
	callErr := fn(ctx)
	if recordErr := b.record(ctx, target, probe, callErr); recordErr != nil {
		b.Observer.LogWarn(ctx, "breaker: state update failed", map[string]any{
			"target": target,
			"error":  recordErr.Error(),
		})
	}
	return callErr
}

func (b *Breaker) State(ctx context.Context, target string) (core.BreakerState, error) {
	if b == nil || b.Store == nil {
		return core.BreakerState{}, fmt.Errorf("breaker: state store is required")
	}
	target = NormalizeTarget(target)
	state, err := b.load(ctx, target)
	if err != nil {
		return core.BreakerState{}, err
	}
	return state, nil
}

func (b *Breaker) admit(ctx context.Context, target string) (bool, error) {
	for range maxStateConflicts {
		state, err := b.load(ctx, target)
		if err != nil {
			return false, err
		}
		now := b.now()

		switch state.Status {
		case core.BreakerOpen:
			if state.OpenedAt != nil {
				reopenAt := state.OpenedAt.Add(state.CoolDown)
				if now.Before(reopenAt) {
					return false, &core.CircuitOpenError{Target: target, Status: core.BreakerOpen, RetryAfter: reopenAt.Sub(now)}
				}
			}
		case core.BreakerHalfOpen:
			if state.ProbeInFlight && state.ProbeStartedAt != nil {
				probeDeadline := state.ProbeStartedAt.Add(b.ProbeTimeout)
				if now.Before(probeDeadline) {
					return false, &core.CircuitOpenError{Target: target, Status: core.BreakerHalfOpen, RetryAfter: probeDeadline.Sub(now)}
				}
			}
		default:
			return false, nil
		}

		next := CloneState(state)
		next.Status = core.BreakerHalfOpen
		next.ProbeInFlight = true
		next.ProbeStartedAt = &now
		next.UpdatedAt = now
		swapped, err := b.Store.CompareAndSwap(ctx, next, state.Version)
		if err != nil {
			return false, err
		}
		if swapped {
			b.transition(ctx, target, state.Status, core.BreakerHalfOpen)
			return true, nil
		}
	}
	return false, fmt.Errorf("breaker: state for %q is contended", target)
}

func (b *Breaker) record(ctx context.Context, target string, probe bool, callErr error) error {
	failure := core.CountsAsBreakerFailure(callErr)
	for range maxStateConflicts {
		state, err := b.load(ctx, target)
		if err != nil {
			return err
		}
		next, changed := b.apply(state, probe, failure, callErr)
		if !changed {
			return nil
		}
		swapped, err := b.Store.CompareAndSwap(ctx, next, state.Version)
		if err != nil {
			return err
		}
		if swapped {
			if next.Status != state.Status {
				b.transition(ctx, target, state.Status, next.Status)
			}
			return nil
		}
	}
	return fmt.Errorf("breaker: state for %q is contended", target)
}

func (b *Breaker) apply(state core.BreakerState, probe bool, failure bool, callErr error) (core.BreakerState, bool) {
	now := b.now()
	next := CloneState(state)
	next.UpdatedAt = now

	isProbe := probe && state.Status == core.BreakerHalfOpen && state.ProbeInFlight

	if isProbe && errors.Is(callErr, context.Canceled) {
		next.ProbeInFlight = false
		next.ProbeStartedAt = nil
		return next, true
	}

	if !failure {
		switch {
		case isProbe:
			next.Status = core.BreakerClosed
			next.ConsecutiveFailures = 0
			next.OpenCount = 0
			next.OpenedAt = nil
			next.CoolDown = b.CoolDown
			next.ProbeInFlight = false
			next.ProbeStartedAt = nil
			return next, true
		case state.Status == core.BreakerClosed && state.ConsecutiveFailures > 0:
			next.ConsecutiveFailures = 0
			return next, true
		default:
			return state, false
		}
	}

	switch {
	case isProbe:
		b.open(&next, now)
		return next, true
	case state.Status == core.BreakerClosed:
		if b.FailureWindow > 0 && next.ConsecutiveFailures > 0 && now.Sub(state.UpdatedAt) > b.FailureWindow {
			next.ConsecutiveFailures = 0
		}
		next.ConsecutiveFailures++
		if next.ConsecutiveFailures >= b.FailureThreshold {
			b.open(&next, now)
		}
		return next, true
	default:
		return state, false
	}
}

func (b *Breaker) open(state *core.BreakerState, now time.Time) {
	state.Status = core.BreakerOpen
	state.OpenCount++
	state.OpenedAt = &now
	state.CoolDown = b.CoolDownFor(state.OpenCount)
	state.ProbeInFlight = false
	state.ProbeStartedAt = nil
}

// CoolDownFor returns the cool-down for the n-th consecutive opening,
// doubling from CoolDown up to MaxCoolDown.
func (b *Breaker) CoolDownFor(openCount int) time.Duration {
	coolDown := b.CoolDown
	if coolDown <= 0 {
		coolDown = core.DefaultConfig().Breaker.CoolDown
	}
	maximum := b.MaxCoolDown
	if maximum < coolDown {
		maximum = coolDown
	}
	for i := 1; i < openCount; i++ {
		coolDown *= 2
		if coolDown >= maximum {
			return maximum
		}
	}
	return coolDown
}

func (b *Breaker) load(ctx context.Context, target string) (core.BreakerState, error) {
	state, err := b.Store.Get(ctx, target)
	if errors.Is(err, ErrStateNotFound) {
		return core.BreakerState{Target: target, Status: core.BreakerClosed, CoolDown: b.CoolDown}, nil
	}
	if err != nil {
		return core.BreakerState{}, err
	}
	if state.Status == "" {
		state.Status = core.BreakerClosed
	}
	return state, nil
}

func (b *Breaker) transition(ctx context.Context, target string, from core.BreakerStatus, to core.BreakerStatus) {
	b.Observer.Count(ctx, "breaker.transition", 1, map[string]string{
		"target": target,
		"from":   string(from),
		"to":     string(to),
	})
	b.Observer.LogInfo(ctx, "breaker state changed", map[string]any{
		"target": target,
		"from":   string(from),
		"to":     string(to),
	})
}

func (b *Breaker) now() time.Time {
	if b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}

var _ core.Breaker = (*Breaker)(nil)
