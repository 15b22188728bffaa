package ethereum

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"DeFi-Sentry/pkg/logger"
)

// GuardConfig bounds how hard the agent may hit an RPC endpoint.
type GuardConfig struct {
	// RequestsPerSecond is the steady-state RPC budget; zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	// ConsecutiveFailures trips the RPC breaker; zero uses 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// guard wraps RPC calls with a token bucket and a circuit breaker so a
// flapping endpoint fails fast instead of stalling each tick.
type guard struct {
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
}

func newGuard(name string, cfg GuardConfig) *guard {
	g := &guard{}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	trip := cfg.ConsecutiveFailures
	if trip == 0 {
		trip = 5
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rpc:" + name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellations and chain-level rejections say nothing about
			// endpoint health.
			return err == nil || errors.Is(err, context.Canceled) || isChainRejection(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Named("rpc").Warn("rpc breaker state changed",
				"endpoint", name, "from", from.String(), "to", to.String())
		},
	})
	return g
}

func (g *guard) do(ctx context.Context, method string, fn func() error) error {
	if g == nil {
		return fn()
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limit wait: %w", method, err)
		}
	}
	_, err := g.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

func (g *guard) state() string {
	if g == nil {
		return gobreaker.StateClosed.String()
	}
	return g.cb.State().String()
}
