// Package resilience wraps upstream calls with retries and a per-service
// breaker.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy controls exponential backoff with jitter.
type Policy struct {
	// Attempts is the total number of tries. 1 disables retries.
	Attempts int
	// Base is the delay before the first retry.
	Base time.Duration
	// Cap bounds a single delay.
	Cap time.Duration
	// Factor scales the delay after each attempt.
	Factor float64
	// Jitter spreads each delay by ±Jitter of itself.
	Jitter float64

	// Retryable overrides IsRetryable when set.
	Retryable func(err error) bool
	// Notify runs before each sleep.
	Notify func(attempt int, err error)
}

// DefaultPolicy suits the CRM and ads APIs.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 3,
		Base:     time.Second,
		Cap:      30 * time.Second,
		Factor:   2,
		Jitter:   0.25,
	}
}

// NewPolicy builds a policy from configured values, keeping defaults for
// anything non-positive.
func NewPolicy(attempts int, base time.Duration) Policy {
	p := DefaultPolicy()
	if attempts > 0 {
		p.Attempts = attempts
	}
	if base > 0 {
		p.Base = base
	}
	return p
}

// Do runs fn until it succeeds, fails with a non-retryable error, runs out
// of attempts, or ctx ends. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for calls that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil || !retryable(err) || attempt == p.Attempts-1 {
			break
		}
		if p.Notify != nil {
			p.Notify(attempt+1, err)
		}

		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}

func (p Policy) normalized() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Cap <= 0 {
		p.Cap = 30 * time.Second
	}
	if p.Factor < 1 {
		p.Factor = 2
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

func (p Policy) delay(attempt int) time.Duration {
	d := math.Min(float64(p.Base)*math.Pow(p.Factor, float64(attempt)), float64(p.Cap))
	if p.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * d * p.Jitter
	}
	return time.Duration(math.Max(d, 0))
}

// LogRetries returns a Notify hook that logs each retry at WARN.
func LogRetries(log *zap.Logger, service, op string) func(int, error) {
	return func(attempt int, err error) {
		log.Warn("retrying upstream call",
			zap.String("service", service),
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
