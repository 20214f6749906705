package counters

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rawblock/swapradar-engine/pkg/models"
)

// WindowStats is one window's aggregate view with every derived field
// the trigger evaluator can reference. BuySellRatio is +Inf when there
// are buys and no sells; 0 when there is neither.
type WindowStats struct {
	BuyCount      int64
	SellCount     int64
	UniqueBuyers  int64
	UniqueSellers int64

	BuyVolumeSol  float64
	SellVolumeSol float64

	AvgBuySize      float64
	BuySellRatio    float64
	Top3VolumeShare float64
	NewWalletPct    float64
}

// Snapshot is a mint's full aggregate state at one instant.
type Snapshot struct {
	Mint string
	At   time.Time

	M5 WindowStats
	H1 WindowStats

	// TopBuyers carries the 5m heavy hitters for alert assembly.
	TopBuyers []models.TopBuyer
}

type rawWindow struct {
	buys, sells     int64
	buyVol, sellVol float64
	uniqueBuyers    int64
	uniqueSellers   int64
	newBuyers       int64
	topVolumes      []float64
}

// derive computes the exposed fields from raw sums.
func derive(r rawWindow) WindowStats {
	st := WindowStats{
		BuyCount:      r.buys,
		SellCount:     r.sells,
		UniqueBuyers:  r.uniqueBuyers,
		UniqueSellers: r.uniqueSellers,
		BuyVolumeSol:  r.buyVol,
		SellVolumeSol: r.sellVol,
	}

	denom := r.buys
	if denom < 1 {
		denom = 1
	}
	st.AvgBuySize = r.buyVol / float64(denom)

	switch {
	case r.sells > 0:
		st.BuySellRatio = float64(r.buys) / float64(r.sells)
	case r.buys > 0:
		st.BuySellRatio = math.Inf(1)
	default:
		st.BuySellRatio = 0
	}

	if r.buyVol > 0 {
		var top float64
		for _, v := range r.topVolumes {
			top += v
		}
		st.Top3VolumeShare = math.Min(top/r.buyVol, 1)
	}

	if r.uniqueBuyers > 0 {
		st.NewWalletPct = math.Min(float64(r.newBuyers)/float64(r.uniqueBuyers), 1)
	}

	return st
}

// windowKeys builds the non-expired bucket key set for one field or
// kind, newest bucket first.
func windowKeys(mint string, w Window, now time.Time, build func(string, Window, int64, string) string, name string) []string {
	current := w.BucketAt(now)
	keys := make([]string, w.Buckets)
	for i := 0; i < w.Buckets; i++ {
		keys[i] = build(mint, w, current-int64(i), name)
	}
	return keys
}

type windowCmds struct {
	window  Window
	buys    *redis.SliceCmd
	sells   *redis.SliceCmd
	buyVol  *redis.SliceCmd
	sellVol *redis.SliceCmd
	buyers  *redis.IntCmd
	sellers *redis.IntCmd
	newBuy  *redis.IntCmd
	top     *redis.ZSliceCmd
}

// Snapshot reads every bucket of every window in one round trip and
// derives the trigger-facing fields. Absent keys read as zero; an empty
// store yields a valid all-zero snapshot.
func (s *Store) Snapshot(ctx context.Context, mint string) (*Snapshot, error) {
	now := s.now()
	pipe := s.rdb.Pipeline()

	cmds := make([]windowCmds, len(Windows))
	for i, w := range Windows {
		cmds[i] = windowCmds{
			window:  w,
			buys:    pipe.MGet(ctx, windowKeys(mint, w, now, cntKey, fieldBuys)...),
			sells:   pipe.MGet(ctx, windowKeys(mint, w, now, cntKey, fieldSells)...),
			buyVol:  pipe.MGet(ctx, windowKeys(mint, w, now, cntKey, fieldBuyVol)...),
			sellVol: pipe.MGet(ctx, windowKeys(mint, w, now, cntKey, fieldSellVol)...),
			buyers:  pipe.PFCount(ctx, windowKeys(mint, w, now, hllKey, kindBuyers)...),
			sellers: pipe.PFCount(ctx, windowKeys(mint, w, now, hllKey, kindSellers)...),
			newBuy:  pipe.PFCount(ctx, windowKeys(mint, w, now, hllKey, kindNewBuyers)...),
			top:     pipe.ZRevRangeWithScores(ctx, topKey(mint, w), 0, TopK-1),
		}
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("reading counter snapshot for %s: %w", mint, err)
	}

	snap := &Snapshot{Mint: mint, At: now}
	for _, wc := range cmds {
		raw := rawWindow{
			buys:          sumInts(wc.buys.Val()),
			sells:         sumInts(wc.sells.Val()),
			buyVol:        sumFloats(wc.buyVol.Val()),
			sellVol:       sumFloats(wc.sellVol.Val()),
			uniqueBuyers:  wc.buyers.Val(),
			uniqueSellers: wc.sellers.Val(),
			newBuyers:     wc.newBuy.Val(),
		}
		top := wc.top.Val()
		raw.topVolumes = make([]float64, 0, len(top))
		for _, z := range top {
			raw.topVolumes = append(raw.topVolumes, z.Score)
		}
		stats := derive(raw)

		switch wc.window.Label {
		case Window5m.Label:
			snap.M5 = stats
			snap.TopBuyers = make([]models.TopBuyer, 0, len(top))
			for _, z := range top {
				wallet, _ := z.Member.(string)
				snap.TopBuyers = append(snap.TopBuyers, models.TopBuyer{Wallet: wallet, VolumeSol: z.Score})
			}
		case Window1h.Label:
			snap.H1 = stats
		}
	}
	return snap, nil
}

// Quiet reports whether the snapshot shows no activity in its slowest
// window, used to idle tokens back to COLD.
func (sn *Snapshot) Quiet() bool {
	return sn.H1.BuyCount == 0 && sn.H1.SellCount == 0
}

func sumInts(vals []interface{}) int64 {
	var total int64
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		total += n
	}
	return total
}

func sumFloats(vals []interface{}) float64 {
	var total float64
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			continue
		}
		total += f
	}
	return total
}
