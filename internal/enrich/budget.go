package enrich

import (
	"sync"
	"time"
)

// Budget enforces the daily credit allowance for the enrichment
// service. Every call class has a credit cost; once the day's budget
// is spent no further calls go out until the UTC midnight reset.
type Budget struct {
	mu    sync.Mutex
	limit int64
	used  int64
	day   string
	now   func() time.Time
}

func NewBudget(dailyLimit int64) *Budget {
	b := &Budget{limit: dailyLimit, now: func() time.Time { return time.Now().UTC() }}
	b.day = b.dayOf(b.now())
	return b
}

func (b *Budget) dayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// maybeResetLocked zeroes the counter when the UTC day has rolled.
func (b *Budget) maybeResetLocked() {
	if day := b.dayOf(b.now()); day != b.day {
		b.used = 0
		b.day = day
	}
}

// CanSpend reports whether credits fit in today's remaining budget.
func (b *Budget) CanSpend(credits int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetLocked()
	return b.used+credits <= b.limit
}

// Spend deducts credits, failing without deducting when the spend
// would exceed the day's limit.
func (b *Budget) Spend(credits int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetLocked()
	if b.used+credits > b.limit {
		return false
	}
	b.used += credits
	return true
}

// Degraded reports whether more than 80% of the day's budget is gone.
// Alerts created while degraded are flagged so readers know funding
// data may be stale or missing.
func (b *Budget) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetLocked()
	return b.used > b.limit*8/10
}

// Remaining returns the credits left today.
func (b *Budget) Remaining() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetLocked()
	if b.used >= b.limit {
		return 0
	}
	return b.limit - b.used
}

// Used returns the credits spent today.
func (b *Budget) Used() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetLocked()
	return b.used
}
