package registry

import (
	"sync"
	"time"
)

// Breaker blocks spawns of one terminal type for a cooldown after
// threshold consecutive failures.
type Breaker struct {
	mu            sync.RWMutex
	threshold     int
	cooldown      time.Duration
	failures      int
	cooldownUntil time.Time
	now           func() time.Time
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// RecordFailure counts a failure and reports whether it tripped the breaker.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures >= b.threshold {
		b.cooldownUntil = b.now().Add(b.cooldown)
		b.failures = 0
		return true
	}
	return false
}

// CooldownRemaining is zero when spawns are allowed.
func (b *Breaker) CooldownRemaining() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if now := b.now(); now.Before(b.cooldownUntil) {
		return b.cooldownUntil.Sub(now)
	}
	return 0
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.cooldownUntil = time.Time{}
}
