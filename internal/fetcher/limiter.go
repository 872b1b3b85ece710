package fetcher

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// AdaptiveLimiter is a token bucket that speeds up on success and backs off
// on 429. The rate stays within [initial/4, initial*2].
type AdaptiveLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	current rate.Limit
	floor   rate.Limit
	ceiling rate.Limit
}

// NewAdaptiveLimiter returns a limiter starting at r events per second.
func NewAdaptiveLimiter(r rate.Limit, burst int) *AdaptiveLimiter {
	if burst < 1 {
		burst = 1
	}
	return &AdaptiveLimiter{
		limiter: rate.NewLimiter(r, burst),
		current: r,
		floor:   r / 4,
		ceiling: r * 2,
	}
}

// Wait blocks until a token is available or ctx ends.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%.
func (a *AdaptiveLimiter) OnSuccess() {
	a.set(a.Limit() * 1.2)
}

// OnRateLimit halves the rate.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.set(a.Limit() * 0.5)
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *AdaptiveLimiter) set(r rate.Limit) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r = max(min(r, a.ceiling), a.floor)
	a.current = r
	a.limiter.SetLimit(r)
}
