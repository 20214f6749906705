package parser

import (
	"sync"
	"time"
)

// SeenCache is the short-term memory of recently traded mints. A mint
// missing from the cache earns the unseen-mint confidence penalty on
// its first swap.
type SeenCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]time.Time
}

func NewSeenCache(ttl time.Duration) *SeenCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SeenCache{ttl: ttl, m: make(map[string]time.Time)}
}

// Seen reports whether the mint was observed within the TTL.
func (c *SeenCache) Seen(mint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.m[mint]
	if !ok {
		return false
	}
	return time.Since(at) < c.ttl
}

// Observe records the mint and reports whether it was already present.
// Call after inference so a first occurrence still scores as unseen.
func (c *SeenCache) Observe(mint string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.m[mint]
	c.m[mint] = now
	return ok && now.Sub(at) < c.ttl
}

// Prune drops expired entries. Called from the maintenance loop.
func (c *SeenCache) Prune() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for mint, at := range c.m {
		if now.Sub(at) >= c.ttl {
			delete(c.m, mint)
			removed++
		}
	}
	return removed
}

func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
