package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// OutboundGuard wraps every call to a remote target with the rate limiter
// and the circuit breaker, in that order.
type OutboundGuard struct {
	Limiter RateLimiter
	Breaker Breaker
	Timeout time.Duration
}

func NewOutboundGuard(limiter RateLimiter, breaker Breaker, timeout time.Duration) *OutboundGuard {
	return &OutboundGuard{Limiter: limiter, Breaker: breaker, Timeout: timeout}
}

func (g *OutboundGuard) Call(ctx context.Context, target string, fn func(ctx context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("core: outbound call is required")
	}
	target = strings.TrimSpace(strings.ToLower(target))
	if target == "" {
		return fmt.Errorf("core: outbound target is required")
	}
	if g == nil {
		return fn(ctx)
	}
	if g.Limiter != nil {
		if err := g.Limiter.Wait(ctx, target); err != nil {
			return err
		}
	}

	run := func(callCtx context.Context) error {
		if g.Timeout <= 0 {
			return fn(callCtx)
		}
		timed, cancel := context.WithTimeout(callCtx, g.Timeout)
		defer cancel()
		return fn(timed)
	}

	var err error
	if g.Breaker != nil {
		err = g.Breaker.Execute(ctx, target, run)
	} else {
		err = run(ctx)
	}

	if retryAfter := RetryAfterFrom(err); retryAfter > 0 && g.Limiter != nil {
		if penalizeErr := g.Limiter.Penalize(ctx, target, retryAfter); penalizeErr != nil {
			return joinErrors(err, penalizeErr)
		}
	}
	return err
}

// RetryAfterFrom extracts a remote-provided retry hint from err.
func RetryAfterFrom(err error) time.Duration {
	if err == nil {
		return 0
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
		return statusErr.RetryAfter
	}
	var transient *TransientError
	if errors.As(err, &transient) && transient.RetryAfter > 0 {
		return transient.RetryAfter
	}
	return 0
}
