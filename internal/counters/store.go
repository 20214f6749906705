package counters

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/rawblock/swapradar-engine/pkg/models"
)

// Window is a rolling aggregation window split into fixed-width buckets.
type Window struct {
	Label      string
	BucketSecs int64
	Buckets    int
}

var (
	Window5m = Window{Label: "5m", BucketSecs: 10, Buckets: 30}
	Window1h = Window{Label: "1h", BucketSecs: 60, Buckets: 60}

	// Windows lists every maintained window, fastest first.
	Windows = []Window{Window5m, Window1h}
)

// Seconds is the total window span.
func (w Window) Seconds() int64 { return w.BucketSecs * int64(w.Buckets) }

// BucketAt maps a time to its bucket index.
func (w Window) BucketAt(t time.Time) int64 { return t.Unix() / w.BucketSecs }

// KeyTTL is how long bucket keys live: one full window of slack past the
// span so a bucket can never expire while still aggregated.
func (w Window) KeyTTL() time.Duration {
	return time.Duration(2*w.Seconds()) * time.Second
}

const (
	fieldBuys    = "buys"
	fieldSells   = "sells"
	fieldBuyVol  = "buy_vol"
	fieldSellVol = "sell_vol"

	kindBuyers    = "buyers"
	kindSellers   = "sellers"
	kindNewBuyers = "new_buyers"

	firstSeenTTL = 7 * 24 * time.Hour

	// TopK is the heavy-hitter list size exposed to triggers.
	TopK = 3
)

func cntKey(mint string, w Window, bucket int64, field string) string {
	return fmt.Sprintf("cnt:%s:%s:%d:%s", mint, w.Label, bucket, field)
}

func hllKey(mint string, w Window, bucket int64, kind string) string {
	return fmt.Sprintf("hll:%s:%s:%d:%s", mint, w.Label, bucket, kind)
}

func topKey(mint string, w Window) string {
	return fmt.Sprintf("top:%s:%s", mint, w.Label)
}

func firstSeenKey(wallet string) string {
	return "wallet:first_seen:" + wallet
}

func hotKey(mint string) string { return "hot:" + mint }

// activeMintsKey is the shared activity set: member = mint, score =
// last-seen unix time. Consumers write it, the detector reads it, so
// the two roles can live in different processes.
const activeMintsKey = "mints:active"

func mcapKey(mint string) string  { return "mcap:" + mint }
func priceKey(mint string) string { return "price:" + mint }

// mcapTTL bounds how stale a cached market cap may get before alert
// paths treat the token as unpriced.
const mcapTTL = 10 * time.Minute

// Store maintains the per-(mint, window) rolling aggregates.
type Store struct {
	rdb *redis.Client
	log *logrus.Logger
	now func() time.Time
}

func New(rdb *redis.Client, log *logrus.Logger) *Store {
	return &Store{rdb: rdb, log: log, now: time.Now}
}

// RecordSwap folds one swap into every window: per-bucket counts and
// volumes, per-bucket uniqueness registers, the per-window heavy-hitter
// set, and the wallet's first-seen marker. The first-seen write happens
// unconditionally, whatever else in the batch fails.
func (s *Store) RecordSwap(ctx context.Context, ev *models.SwapEvent) error {
	ts := s.eventTime(ev)
	wallet := ev.Wallet
	quote := ev.QuoteSol()
	isBuy := ev.Side == models.SideBuy

	pipe := s.rdb.Pipeline()

	countField, volField, kind := fieldSells, fieldSellVol, kindSellers
	if isBuy {
		countField, volField, kind = fieldBuys, fieldBuyVol, kindBuyers
	}
	for _, w := range Windows {
		bucket := w.BucketAt(ts)
		ttl := w.KeyTTL()

		ck := cntKey(ev.BaseMint, w, bucket, countField)
		pipe.Incr(ctx, ck)
		pipe.Expire(ctx, ck, ttl)

		vk := cntKey(ev.BaseMint, w, bucket, volField)
		pipe.IncrByFloat(ctx, vk, quote)
		pipe.Expire(ctx, vk, ttl)

		hk := hllKey(ev.BaseMint, w, bucket, kind)
		pipe.PFAdd(ctx, hk, wallet)
		pipe.Expire(ctx, hk, ttl)

		if isBuy {
			tk := topKey(ev.BaseMint, w)
			pipe.ZIncrBy(ctx, tk, quote, wallet)
			pipe.Expire(ctx, tk, ttl)
		}
	}

	pipe.SetNX(ctx, firstSeenKey(wallet), ts.Unix(), 0)
	pipe.Expire(ctx, firstSeenKey(wallet), firstSeenTTL)
	firstSeen := pipe.Get(ctx, firstSeenKey(wallet))

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return fmt.Errorf("recording swap counters: %w", err)
	}

	if !isBuy {
		return nil
	}
	seenAt, err := firstSeen.Int64()
	if err != nil {
		return nil
	}
	return s.markNewBuyer(ctx, ev.BaseMint, wallet, ts, seenAt)
}

// markNewBuyer adds the wallet to the new-buyer register of each window
// whose span covers the wallet's first appearance. Evaluated at write
// time: the bucket carries the verdict for its lifetime.
func (s *Store) markNewBuyer(ctx context.Context, mint, wallet string, ts time.Time, firstSeen int64) error {
	age := ts.Unix() - firstSeen
	pipe := s.rdb.Pipeline()
	queued := false
	for _, w := range Windows {
		if age > w.Seconds() {
			continue
		}
		hk := hllKey(mint, w, w.BucketAt(ts), kindNewBuyers)
		pipe.PFAdd(ctx, hk, wallet)
		pipe.Expire(ctx, hk, w.KeyTTL())
		queued = true
	}
	if !queued {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return fmt.Errorf("recording new buyer: %w", err)
	}
	return nil
}

// eventTime picks the bucketing time: the event's block time when
// present (backfilled events land in their historical buckets), the
// wall clock otherwise.
func (s *Store) eventTime(ev *models.SwapEvent) time.Time {
	if ev.BlockTime > 0 {
		return time.Unix(ev.BlockTime, 0)
	}
	return s.now()
}

// TopBuyers returns the window's heavy hitters, largest volume first.
func (s *Store) TopBuyers(ctx context.Context, mint string, w Window, k int) ([]models.TopBuyer, error) {
	zs, err := s.rdb.ZRevRangeWithScores(ctx, topKey(mint, w), 0, int64(k-1)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("reading top buyers: %w", err)
	}
	out := make([]models.TopBuyer, 0, len(zs))
	for _, z := range zs {
		wallet, _ := z.Member.(string)
		out = append(out, models.TopBuyer{Wallet: wallet, VolumeSol: z.Score})
	}
	return out, nil
}

// WalletFirstSeen returns the wallet's first-seen unix timestamp, or 0
// when the wallet is unknown.
func (s *Store) WalletFirstSeen(ctx context.Context, wallet string) (int64, error) {
	v, err := s.rdb.Get(ctx, firstSeenKey(wallet)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading wallet first seen: %w", err)
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, nil
	}
	return ts, nil
}

// MarkHot mirrors a HOT promotion so sibling processes see it.
func (s *Store) MarkHot(ctx context.Context, mint string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, hotKey(mint), string(models.StateHot), ttl).Err(); err != nil {
		return fmt.Errorf("marking token hot: %w", err)
	}
	return nil
}

// ClearHot drops the HOT mirror on demotion.
func (s *Store) ClearHot(ctx context.Context, mint string) error {
	if err := s.rdb.Del(ctx, hotKey(mint)).Err(); err != nil {
		return fmt.Errorf("clearing hot marker: %w", err)
	}
	return nil
}

// IsHot reports whether the mint currently carries a HOT mirror.
func (s *Store) IsHot(ctx context.Context, mint string) (bool, error) {
	n, err := s.rdb.Exists(ctx, hotKey(mint)).Result()
	if err != nil {
		return false, fmt.Errorf("checking hot marker: %w", err)
	}
	return n > 0, nil
}

// TouchMint stamps a mint's last-seen time in the shared activity set.
func (s *Store) TouchMint(ctx context.Context, mint string, at time.Time) error {
	err := s.rdb.ZAdd(ctx, activeMintsKey, redis.Z{Score: float64(at.Unix()), Member: mint}).Err()
	if err != nil {
		return fmt.Errorf("touching active mint: %w", err)
	}
	return nil
}

// MintActivity is one active-set entry: a mint and when it last moved.
type MintActivity struct {
	Mint     string
	LastSeen time.Time
}

// ActiveMints lists mints seen at or after since, oldest first. The
// score travels along so the reader can feed the true last-seen time
// into the lifecycle instead of its own clock.
func (s *Store) ActiveMints(ctx context.Context, since time.Time) ([]MintActivity, error) {
	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, activeMintsKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("reading active mints: %w", err)
	}
	out := make([]MintActivity, 0, len(zs))
	for _, z := range zs {
		mint, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, MintActivity{Mint: mint, LastSeen: time.Unix(int64(z.Score), 0)})
	}
	return out, nil
}

// PruneActive removes activity entries older than the cutoff.
func (s *Store) PruneActive(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.rdb.ZRemRangeByScore(ctx, activeMintsKey, "-inf", fmt.Sprintf("(%d", before.Unix())).Result()
	if err != nil {
		return 0, fmt.Errorf("pruning active mints: %w", err)
	}
	return n, nil
}

// SetMcap caches the latest market cap and per-token price computed
// from a swap, for alert-time lookups.
func (s *Store) SetMcap(ctx context.Context, mint string, mcapSol, priceSol float64) error {
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, mcapKey(mint), strconv.FormatFloat(mcapSol, 'f', -1, 64), mcapTTL)
	pipe.Set(ctx, priceKey(mint), strconv.FormatFloat(priceSol, 'f', -1, 64), mcapTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("caching mcap: %w", err)
	}
	return nil
}

// Mcap returns the cached market cap and price for a mint. ok is false
// when nothing fresh is cached.
func (s *Store) Mcap(ctx context.Context, mint string) (mcapSol, priceSol float64, ok bool, err error) {
	pipe := s.rdb.Pipeline()
	mc := pipe.Get(ctx, mcapKey(mint))
	pc := pipe.Get(ctx, priceKey(mint))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, false, fmt.Errorf("reading mcap: %w", err)
	}
	mv, err := mc.Result()
	if err != nil {
		return 0, 0, false, nil
	}
	mcapSol, err = strconv.ParseFloat(mv, 64)
	if err != nil {
		return 0, 0, false, nil
	}
	if pv, err := pc.Result(); err == nil {
		priceSol, _ = strconv.ParseFloat(pv, 64)
	}
	return mcapSol, priceSol, true, nil
}

// Ping verifies store connectivity; the backpressure sampler treats a
// failure here as a store outage.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
