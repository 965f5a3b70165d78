// Package breaker wraps failsafe-go circuit breakers and retry policies for outbound calls.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	log "github.com/sirupsen/logrus"
)

// Settings tunes a circuit breaker.
type Settings struct {
	// Failures within Window calls trip the breaker.
	Failures uint
	Window   uint
	// Delay is how long the breaker stays open before a half-open probe.
	Delay time.Duration
	// Successes needed in half-open state to close again.
	Successes uint
}

// DefaultSettings trips after 5 failures in 10 calls and probes again after 30s.
func DefaultSettings() Settings {
	return Settings{Failures: 5, Window: 10, Delay: 30 * time.Second, Successes: 1}
}

func (s Settings) normalized() Settings {
	def := DefaultSettings()
	if s.Window == 0 {
		s.Window = def.Window
	}
	if s.Failures == 0 || s.Failures > s.Window {
		s.Failures = def.Failures
		if s.Failures > s.Window {
			s.Failures = s.Window
		}
	}
	if s.Delay <= 0 {
		s.Delay = def.Delay
	}
	if s.Successes == 0 {
		s.Successes = def.Successes
	}
	return s
}

// Breaker is a named circuit breaker.
type Breaker struct {
	name string
	cb   circuitbreaker.CircuitBreaker[any]
}

// New builds a breaker that only counts errors accepted by isFailure; a nil isFailure counts every error.
// onChange, when set, observes open/closed transitions.
func New(name string, s Settings, isFailure func(error) bool, onChange func(name string, open bool)) *Breaker {
	s = s.normalized()
	builder := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(s.Failures, s.Window).
		WithDelay(s.Delay).
		WithSuccessThreshold(s.Successes).
		HandleIf(func(_ any, err error) bool {
			if err == nil {
				return false
			}
			if isFailure == nil {
				return true
			}
			return isFailure(err)
		}).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			log.WithFields(log.Fields{
				"circuit_breaker": name,
				"from_state":      event.OldState.String(),
				"to_state":        event.NewState.String(),
			}).Warn("circuit breaker state change")
			if onChange != nil {
				onChange(name, event.NewState == circuitbreaker.OpenState)
			}
		})
	return &Breaker{name: name, cb: builder.Build()}
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// IsOpen reports whether calls are currently rejected.
func (b *Breaker) IsOpen() bool { return b.cb.IsOpen() }

// Call runs fn through the breaker. A rejected call returns an error matching IsOpen.
func (b *Breaker) Call(fn func() error) error {
	_, err := failsafe.With(b.cb).Get(func() (any, error) {
		return nil, fn()
	})
	return err
}

// Execute runs fn through the breaker and returns its value.
func Execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var out T
	err := b.Call(func() error {
		v, err := fn()
		out = v
		return err
	})
	return out, err
}

// IsOpen reports whether err came from an open breaker.
func IsOpen(err error) bool {
	return errors.Is(err, circuitbreaker.ErrOpen)
}

// RetrySettings tunes Retry.
type RetrySettings struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Retry runs fn, retrying errors accepted by shouldRetry with jittered exponential backoff.
func Retry[T any](ctx context.Context, s RetrySettings, shouldRetry func(error) bool, fn func(ctx context.Context) (T, error)) (T, error) {
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.BaseDelay <= 0 {
		s.BaseDelay = time.Second
	}
	if s.MaxDelay < s.BaseDelay {
		s.MaxDelay = s.BaseDelay
	}
	policy := retrypolicy.NewBuilder[T]().
		HandleIf(func(_ T, err error) bool {
			if err == nil {
				return false
			}
			if ctx.Err() != nil {
				return false
			}
			return shouldRetry == nil || shouldRetry(err)
		}).
		WithBackoff(s.BaseDelay, s.MaxDelay).
		WithJitterFactor(0.1).
		WithMaxRetries(s.MaxRetries).
		ReturnLastFailure().
		Build()
	return failsafe.With[T](policy).WithContext(ctx).Get(func() (T, error) {
		return fn(ctx)
	})
}
