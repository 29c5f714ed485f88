package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sony/gobreaker"

	"github.com/jo-hoe/vidprompt/internal/config"
	"github.com/jo-hoe/vidprompt/internal/failure"
)

var _ Client = (*Breaker)(nil)

// Breaker stops calling an engine that keeps failing at the transport level.
// Rejections of a specific request do not count against it.
type Breaker struct {
	next Client
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next with a circuit breaker.
func NewBreaker(next Client, cfg config.BreakerSettings, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.ConsecutiveFails
	if threshold == 0 {
		threshold = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "engine",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return !countsAgainstEngine(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Breaker{next: next, cb: cb}
}

// State exposes the breaker state for health reporting.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) Process(ctx context.Context, req Request) (Result, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Process(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Result{}, failure.Processing(failure.CauseEngineUnavailable, err, "engine circuit open")
		}
		return Result{}, err
	}
	return out.(Result), nil
}

func countsAgainstEngine(err error) bool {
	if err == nil {
		return false
	}
	switch failure.CauseOf(err) {
	case failure.CauseTransport, failure.CauseTimeout, failure.CauseEngineError:
		return true
	}
	return false
}
