package enrich

import (
	"sync"
	"time"
)

const (
	breakerThreshold = 5
	breakerRecovery  = 30 * time.Second
)

// breaker is a circuit breaker over the enrichment transport. Five
// consecutive failures open it; after the recovery window one probe
// call is allowed through, and its outcome closes or re-arms it.
type breaker struct {
	mu          sync.Mutex
	threshold   int
	recovery    time.Duration
	failures    int
	lastFailure time.Time
	now         func() time.Time
}

func newBreaker() *breaker {
	return &breaker{
		threshold: breakerThreshold,
		recovery:  breakerRecovery,
		now:       time.Now,
	}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return true
	}
	return b.now().Sub(b.lastFailure) >= b.recovery
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}
