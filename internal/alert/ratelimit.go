package alert

import (
	"sync"
	"time"
)

// bucket is a token bucket guarding one alert channel. Tokens refill
// continuously at rate per second up to burst; each delivery takes
// one.
type bucket struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
	now    func() time.Time
}

func newBucket(ratePerMin, burst int) *bucket {
	b := &bucket{now: time.Now}
	b.configure(ratePerMin, burst)
	b.tokens = b.burst
	return b
}

func (b *bucket) configure(ratePerMin, burst int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rate = float64(ratePerMin) / 60.0
	b.burst = float64(burst)
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
}

// take consumes a token. When the bucket is empty it returns false and
// how long until a token is available.
func (b *bucket) take() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if !b.last.IsZero() {
		b.tokens += now.Sub(b.last).Seconds() * b.rate
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
	}
	b.last = now

	if b.tokens >= 1.0 {
		b.tokens--
		return true, 0
	}
	if b.rate <= 0 {
		return false, time.Hour
	}
	wait := time.Duration((1.0-b.tokens)/b.rate*1000) * time.Millisecond
	return false, wait
}
