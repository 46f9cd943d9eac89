package store

import (
	"context"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"hexpulse/api/internal/logging"
	"hexpulse/api/internal/metrics"
)

// GuardConfig bounds every store call.
type GuardConfig struct {
	Timeout          time.Duration
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Timeout:          5 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// guard applies a per-call timeout and a circuit breaker. Expected answers
// (not found, uniqueness conflicts) do not count as failures.
type guard struct {
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[any]
}

func newGuard(cfg GuardConfig) *guard {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGuardConfig().Timeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultGuardConfig().FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultGuardConfig().OpenTimeout
	}
	threshold := cfg.FailureThreshold
	settings := gobreaker.Settings{
		Name:        "store",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: expected,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("store breaker state change")
			if to == gobreaker.StateOpen {
				metrics.StoreBreakerOpen.Set(1)
			} else {
				metrics.StoreBreakerOpen.Set(0)
			}
		},
	}
	return &guard{
		timeout: cfg.Timeout,
		breaker: gobreaker.NewCircuitBreaker[any](settings),
	}
}

func (g *guard) do(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	_, err := g.breaker.Execute(func() (any, error) {
		return nil, translate(fn(ctx))
	})
	if expected(err) {
		return err
	}
	if isTimeout(err) {
		logging.Ctx(ctx).Warn().Str("op", op).Dur("timeout", g.timeout).Msg("store call timed out")
	}
	return &UpstreamError{Op: op, Err: err}
}
