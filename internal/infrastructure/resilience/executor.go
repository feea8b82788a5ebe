package resilience

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

var errNilCall = errors.New("resilience: nil call")

// ErrorClassification tells the executor what to do with a failed call.
// Retryable failures are attempted again; RecordFailure failures count
// against the operation's circuit breaker.
type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
}

type ErrorClassifier func(err error) ErrorClassification

// Observer receives retry and circuit breaker events, typically for metrics.
type Observer interface {
	ObserveRetry(operation string)
	ObserveBreakerState(operation string, state string)
}

type ExecutorOption func(*Executor)

func WithObserver(observer Observer) ExecutorOption {
	return func(e *Executor) {
		e.observer = observer
	}
}

// Executor runs outbound calls with retries inside one circuit breaker per
// operation name. It is safe for concurrent use.
type Executor struct {
	policy   Policy
	observer Observer

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

func NewExecutor(policy Policy, opts ...ExecutorOption) *Executor {
	e := &Executor{
		policy:   policy.withDefaults(),
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute calls fn until it succeeds, classify says stop, attempts run out
// or ctx ends. A nil classify records every failure and retries none.
func (e *Executor) Execute(ctx context.Context, operation string, fn func(context.Context) error, classify ErrorClassifier) error {
	if fn == nil {
		return errNilCall
	}
	if operation = strings.TrimSpace(operation); operation == "" {
		operation = "unknown"
	}
	if classify == nil {
		classify = recordAll
	}

	attempt := func() error { return e.retry(ctx, operation, fn, classify) }
	if e.policy.Breaker.Disabled {
		return attempt()
	}
	_, err := e.breaker(operation, classify).Execute(func() (struct{}, error) {
		return struct{}{}, attempt()
	})
	return err
}

func (e *Executor) retry(ctx context.Context, operation string, fn func(context.Context) error, classify ErrorClassifier) error {
	rp := e.policy.Retry
	var err error
	for n := 1; ; n++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if n >= rp.Attempts || !classify(err).Retryable {
			return err
		}

		wait := rp.delay(n)
		slog.Warn("retry_attempt",
			"operation", operation,
			"attempt", n,
			"max_attempts", rp.Attempts,
			"backoff_ms", wait.Milliseconds(),
			"error", err,
		)
		if e.observer != nil {
			e.observer.ObserveRetry(operation)
		}
		if !sleep(ctx, wait) {
			return err
		}
	}
}

func (e *Executor) breaker(operation string, classify ErrorClassifier) *gobreaker.CircuitBreaker[struct{}] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[operation]; ok {
		return cb
	}
	bp := e.policy.Breaker
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        operation,
		MaxRequests: bp.HalfOpenProbes,
		Timeout:     bp.OpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= bp.MinRequests &&
				float64(c.TotalFailures)/float64(c.Requests) >= bp.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !classify(err).RecordFailure
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit_breaker_state_change", "operation", name, "from", from.String(), "to", to.String())
			if e.observer != nil {
				e.observer.ObserveBreakerState(name, to.String())
			}
		},
	})
	e.breakers[operation] = cb
	return cb
}

// IsCircuitOpen reports whether err came from a breaker rejecting the call.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func recordAll(error) ErrorClassification {
	return ErrorClassification{RecordFailure: true}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
