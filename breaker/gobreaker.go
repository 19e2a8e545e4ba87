package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/goliatone/go-syncpipe/core"
)

// GoBreaker keeps one in-process sony/gobreaker circuit per target. It suits
// single-process deployments; cool-downs do not escalate.
type GoBreaker struct {
	cfg      core.BreakerConfig
	observer core.Observer

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewGoBreaker(cfg core.BreakerConfig, observer core.Observer) *GoBreaker {
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
	return &GoBreaker{
		cfg:      cfg,
		observer: observer,
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

func (g *GoBreaker) Execute(ctx context.Context, target string, fn func(ctx context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("breaker: call is required")
	}
	target = NormalizeTarget(target)
	if target == "" {
		return fmt.Errorf("breaker: target is required")
	}
	cb := g.getOrCreate(target)
	_, err := cb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) {
		return &core.CircuitOpenError{Target: target, Status: core.BreakerOpen, RetryAfter: g.cfg.CoolDown}
	}
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &core.CircuitOpenError{Target: target, Status: core.BreakerHalfOpen, RetryAfter: g.cfg.CoolDown}
	}
	return err
}

func (g *GoBreaker) State(_ context.Context, target string) (core.BreakerState, error) {
	target = NormalizeTarget(target)
	g.mu.RLock()
	cb, ok := g.breakers[target]
	g.mu.RUnlock()
	if !ok {
		return core.BreakerState{Target: target, Status: core.BreakerClosed, CoolDown: g.cfg.CoolDown}, nil
	}
	counts := cb.Counts()
	return core.BreakerState{
		Target:              target,
		Status:              convertState(cb.State()),
		ConsecutiveFailures: int(counts.ConsecutiveFailures),
		CoolDown:            g.cfg.CoolDown,
		UpdatedAt:           time.Now().UTC(),
	}, nil
}

func (g *GoBreaker) getOrCreate(target string) *gobreaker.CircuitBreaker {
	g.mu.RLock()
	cb, ok := g.breakers[target]
	g.mu.RUnlock()
	if ok {
		return cb
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if cb, ok = g.breakers[target]; ok {
		return cb
	}
	threshold := uint32(g.cfg.FailureThreshold)
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "syncpipe-" + target,
		MaxRequests: 1,
		Interval:    g.cfg.FailureWindow,
		Timeout:     g.cfg.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return !core.CountsAsBreakerFailure(err)
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			g.observer.LogInfo(context.Background(), "breaker state changed", map[string]any{
				"target": target,
				"from":   string(convertState(from)),
				"to":     string(convertState(to)),
			})
		},
	})
	g.breakers[target] = cb
	return cb
}

func convertState(state gobreaker.State) core.BreakerStatus {
	switch state {
	case gobreaker.StateOpen:
		return core.BreakerOpen
	case gobreaker.StateHalfOpen:
		return core.BreakerHalfOpen
	default:
		return core.BreakerClosed
	}
}

var _ core.Breaker = (*GoBreaker)(nil)
