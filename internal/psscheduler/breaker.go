package psscheduler

import (
	"sync"
	"time"
)

// breaker is a simple three-state circuit breaker: closed (normal),
// open (failing, requests short-circuited until cooldown elapses), and
// half-open (one trial request allowed to decide whether to close
// again). It short-circuits repeated attempts separately from the
// backoff-scheduled retry: the breaker stops a hot loop of attempts
// from hammering a downed backend, while the retry timer is what
// actually brings a stalled pass back to life.
type breaker struct {
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	failures int
	openedAt time.Time
	open     bool
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a new attempt may proceed.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if time.Since(b.openedAt) >= b.cooldown {
		// half-open: let one trial through without closing yet.
		return true
	}
	return false
}

func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
}

func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.open = true
		b.openedAt = time.Now()
	}
}

func (b *breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open && time.Since(b.openedAt) < b.cooldown
}
