package engine

import (
	"sync"
	"time"

	"github.com/rawblock/swapradar-engine/internal/cluster"
	"github.com/rawblock/swapradar-engine/internal/parser"
	"github.com/rawblock/swapradar-engine/pkg/models"
)

// buyRecord is one retained buy with the context the alert builder
// needs later: the entry market cap and the implied per-token price.
type buyRecord struct {
	obs   cluster.BuyObservation
	mcap  float64
	price float64
	added time.Time
}

type mintBuys struct {
	buys      []buyRecord
	venue     string
	lastPrice float64
	lastAdd   time.Time
}

// recentBuys keeps a bounded in-memory ring of buys per mint. It feeds
// the cluster scorer with timed observations, remembers the venue and
// implied price of the latest trade, and tracks average entry market
// cap for alerts. Sells are not retained; only their venue is noted.
type recentBuys struct {
	mu     sync.Mutex
	limit  int
	maxAge time.Duration
	mints  map[string]*mintBuys
	now    func() time.Time
}

func newRecentBuys(limit int, maxAge time.Duration) *recentBuys {
	if limit <= 0 {
		limit = 256
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &recentBuys{
		limit:  limit,
		maxAge: maxAge,
		mints:  make(map[string]*mintBuys),
		now:    time.Now,
	}
}

// Add records a swap. Buys are retained as observations; any side
// updates the mint's venue and last trade time.
func (r *recentBuys) Add(ev *models.SwapEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mb, ok := r.mints[ev.BaseMint]
	if !ok {
		mb = &mintBuys{}
		r.mints[ev.BaseMint] = mb
	}
	mb.lastAdd = r.now()
	if ev.Venue != "" && ev.Venue != parser.VenueUnknown {
		mb.venue = ev.Venue
	}
	if ev.Side != models.SideBuy {
		return
	}

	var price float64
	if ev.QuoteMint == parser.WrappedSOL {
		if base, _ := ev.BaseAmount.Float64(); base > 0 {
			price = ev.QuoteSol() / base
		}
	}
	if price > 0 {
		mb.lastPrice = price
	}
	mb.buys = append(mb.buys, buyRecord{
		obs: cluster.BuyObservation{
			Wallet:    ev.Wallet,
			VolumeSol: ev.QuoteSol(),
			BlockTime: ev.BlockTime,
		},
		mcap:  ev.McapAtSwap,
		price: price,
		added: mb.lastAdd,
	})
	if len(mb.buys) > r.limit {
		// Copy instead of re-slicing so the old backing array is freed.
		trimmed := make([]buyRecord, r.limit)
		copy(trimmed, mb.buys[len(mb.buys)-r.limit:])
		mb.buys = trimmed
	}
}

// Buys returns the retained observations for a mint at or after since.
// Observations without a block time are included; the scorer treats
// their timing as unknown rather than stale.
func (r *recentBuys) Buys(mint string, since time.Time) []cluster.BuyObservation {
	r.mu.Lock()
	defer r.mu.Unlock()

	mb, ok := r.mints[mint]
	if !ok {
		return nil
	}
	cutoff := since.Unix()
	out := make([]cluster.BuyObservation, 0, len(mb.buys))
	for _, b := range mb.buys {
		if b.obs.BlockTime != 0 && b.obs.BlockTime < cutoff {
			continue
		}
		out = append(out, b.obs)
	}
	return out
}

// BuyCount reports how many retained buys a wallet made in a mint.
func (r *recentBuys) BuyCount(mint, wallet string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	mb, ok := r.mints[mint]
	if !ok {
		return 0
	}
	n := 0
	for _, b := range mb.buys {
		if b.obs.Wallet == wallet {
			n++
		}
	}
	return n
}

// AvgEntryMcap is the mean market cap across retained buys that carried
// one, or 0 when none did.
func (r *recentBuys) AvgEntryMcap(mint string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	mb, ok := r.mints[mint]
	if !ok {
		return 0
	}
	var sum float64
	var n int
	for _, b := range mb.buys {
		if b.mcap > 0 {
			sum += b.mcap
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// LastPrice returns the implied SOL price of the latest priced buy.
func (r *recentBuys) LastPrice(mint string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mb, ok := r.mints[mint]
	if !ok || mb.lastPrice <= 0 {
		return 0, false
	}
	return mb.lastPrice, true
}

// Venue returns the venue of the mint's most recent trade, if known.
func (r *recentBuys) Venue(mint string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if mb, ok := r.mints[mint]; ok {
		return mb.venue
	}
	return ""
}

// DropMint forgets a mint, called when it falls back to COLD.
func (r *recentBuys) DropMint(mint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mints, mint)
}

// Sweep drops mints with no trades inside the retention window and
// returns how many were removed.
func (r *recentBuys) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for mint, mb := range r.mints {
		if now.Sub(mb.lastAdd) > r.maxAge {
			delete(r.mints, mint)
			dropped++
		}
	}
	return dropped
}

// Mints reports how many mints currently hold retained buys.
func (r *recentBuys) Mints() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mints)
}
