package core

import (
	"math"
	"math/rand/v2"
	"time"
)

type RetryConfig struct {
	BaseDelay   time.Duration `koanf:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay" mapstructure:"max_delay"`
	MaxAttempts int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	Jitter      float64       `koanf:"jitter" mapstructure:"jitter"`
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:   2 * time.Second,
		MaxDelay:    5 * time.Minute,
		MaxAttempts: 5,
		Jitter:      0,
	}
}

// RetryPolicy is shared by the sync worker and the outbox processor.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// Jitter in [0,1] shrinks the delay by up to that fraction.
	Jitter float64
	Rand   func() float64
}

func NewRetryPolicy(cfg RetryConfig) RetryPolicy {
	defaults := DefaultRetryConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	return RetryPolicy{
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		MaxAttempts: cfg.MaxAttempts,
		Jitter:      clampUnit(cfg.Jitter),
		Rand:        rand.Float64,
	}
}

// Backoff returns base * 2^(attempt-1) capped at MaxDelay, without jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultRetryConfig().BaseDelay
	}
	maximum := p.MaxDelay
	if maximum <= 0 {
		maximum = DefaultRetryConfig().MaxDelay
	}
	if maximum < base {
		maximum = base
	}
	next := float64(base) * math.Pow(2, float64(attempt-1))
	if math.IsInf(next, 0) || math.IsNaN(next) || next >= float64(maximum) {
		return maximum
	}
	return time.Duration(next)
}

// NextDelay is Backoff with jitter applied.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := p.Backoff(attempt)
	jitter := clampUnit(p.Jitter)
	if jitter == 0 || delay <= 0 {
		return delay
	}
	random := p.Rand
	if random == nil {
		random = rand.Float64
	}
	shrink := time.Duration(float64(delay) * jitter * clampUnit(random()))
	return delay - shrink
}

// ShouldRetry reports whether a failure on the given attempt (1-based) may be retried.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if ClassifyError(err) == ErrorClassPermanent {
		return false
	}
	return attempt < p.maxAttempts()
}

type RetryAction string

const (
	RetryActionComplete   RetryAction = "complete"
	RetryActionReschedule RetryAction = "reschedule"
	RetryActionDeadLetter RetryAction = "dead_letter"
)

type RetryDecision struct {
	Action RetryAction
	Delay  time.Duration
	// Attempt is the 1-based attempt number that just finished.
	Attempt int
}

// Decide maps a processor result for a task that already consumed
// attemptCount attempts onto the next queue transition.
func (p RetryPolicy) Decide(result Result, attemptCount int, maxAttempts int) RetryDecision {
	attempt := attemptCount + 1
	if maxAttempts <= 0 {
		maxAttempts = p.maxAttempts()
	}
	switch result.Kind {
	case ResultSuccess:
		return RetryDecision{Action: RetryActionComplete, Attempt: attempt}
	case ResultTransientFailure:
		if attempt < maxAttempts {
			return RetryDecision{Action: RetryActionReschedule, Delay: p.NextDelay(attempt), Attempt: attempt}
		}
		return RetryDecision{Action: RetryActionDeadLetter, Attempt: attempt}
	default:
		return RetryDecision{Action: RetryActionDeadLetter, Attempt: attempt}
	}
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultRetryConfig().MaxAttempts
	}
	return p.MaxAttempts
}

func clampUnit(value float64) float64 {
	if math.IsNaN(value) || value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
