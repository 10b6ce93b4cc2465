package oracle

import (
	"sync"
	"time"
)

// Breaker trips after a run of consecutive failures and refuses calls until
// the cooldown has elapsed.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu                  sync.Mutex
	consecutiveFailures int
	open                bool
	openedAt            time.Time
}

// BreakerState is a point-in-time view of the breaker.
type BreakerState struct {
	Open                bool      `json:"open"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	OpenedAt            time.Time `json:"openedAt,omitempty"`
}

// NewBreaker builds a breaker; non-positive values use 5 failures and a 5 minute cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// WithClock overrides the time source.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Allow reports whether a call may proceed. An open breaker closes again
// once the cooldown has passed, letting the next call probe the sources.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if b.now().Sub(b.openedAt) >= b.cooldown {
		b.open = false
		b.consecutiveFailures = 0
		return true
	}
	return false
}

// RecordFailure counts a failure and reports whether it tripped the breaker.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	if !b.open && b.consecutiveFailures >= b.threshold {
		b.open = true
		b.openedAt = b.now()
		return true
	}
	return false
}

// RecordSuccess resets the failure run.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.open = false
}

// State returns a snapshot.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerState{Open: b.open, ConsecutiveFailures: b.consecutiveFailures, OpenedAt: b.openedAt}
}
