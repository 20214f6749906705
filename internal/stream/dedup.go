package stream

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// maxLocalDedup caps the in-process cache in front of the store.
const maxLocalDedup = 100_000

// Dedup suppresses reprocessing of transactions already seen within
// the TTL. The authoritative check is an atomic set-if-absent in the
// counter store; a local TTL map short-circuits repeats that land on
// the same process.
type Dedup struct {
	rdb *redis.Client
	ttl time.Duration

	mu    sync.Mutex
	local map[string]time.Time
}

func NewDedup(rdb *redis.Client, ttl time.Duration) *Dedup {
	return &Dedup{
		rdb:   rdb,
		ttl:   ttl,
		local: make(map[string]time.Time),
	}
}

// DedupKey derives the dedup key for a record. An empty signature is
// keyed by stream record ID instead, so signature-less records never
// collapse into each other.
func DedupKey(signature, recordID string) string {
	if signature == "" {
		return "id:" + recordID
	}
	return signature
}

// FirstSeen returns true exactly once per key within the TTL. Errors
// come back unchanged so the caller can decide between at-least-once
// reprocessing and dropping.
func (d *Dedup) FirstSeen(ctx context.Context, signature, recordID string) (bool, error) {
	key := DedupKey(signature, recordID)

	now := time.Now()
	d.mu.Lock()
	if at, ok := d.local[key]; ok && now.Sub(at) < d.ttl {
		d.mu.Unlock()
		return false, nil
	}
	d.mu.Unlock()

	ok, err := d.rdb.SetNX(ctx, "sig:"+key, 1, d.ttl).Result()
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	if len(d.local) >= maxLocalDedup {
		d.pruneLocked(now)
	}
	if len(d.local) < maxLocalDedup {
		d.local[key] = now
	}
	d.mu.Unlock()

	return ok, nil
}

// Prune drops expired local entries. Called from the maintenance loop.
func (d *Dedup) Prune() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pruneLocked(time.Now())
}

func (d *Dedup) pruneLocked(now time.Time) int {
	removed := 0
	for key, at := range d.local {
		if now.Sub(at) >= d.ttl {
			delete(d.local, key)
			removed++
		}
	}
	return removed
}

// LocalSize reports the in-process cache size.
func (d *Dedup) LocalSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.local)
}
