package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// ErrOpen is returned while a breaker rejects calls.
var ErrOpen = eris.New("resilience: breaker open")

// Breaker stops calling an upstream after a run of consecutive failures and
// lets a single probe through once the cooldown has passed.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openedAt  time.Time
	probing   bool
	now       func() time.Time
}

// NewBreaker returns a breaker. Non-positive arguments fall back to 5
// failures and 30s.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow returns ErrOpen if the call must not proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.threshold {
		return nil
	}
	if b.probing || b.now().Sub(b.openedAt) < b.cooldown {
		return ErrOpen
	}
	b.probing = true
	return nil
}

// Record feeds the outcome of an allowed call back to the breaker. Only
// retryable errors count as failures.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if err == nil || !IsRetryable(err) {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.openedAt = b.now()
	}
}

// Open reports whether the breaker is currently rejecting calls.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures >= b.threshold && b.now().Sub(b.openedAt) < b.cooldown
}
