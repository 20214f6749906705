package engine

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rawblock/swapradar-engine/internal/cluster"
	"github.com/rawblock/swapradar-engine/internal/counters"
	"github.com/rawblock/swapradar-engine/internal/detect"
	"github.com/rawblock/swapradar-engine/internal/enrich"
	"github.com/rawblock/swapradar-engine/internal/parser"
	"github.com/rawblock/swapradar-engine/pkg/models"
)

const (
	metaTTL         = time.Hour
	metaNegativeTTL = 5 * time.Minute
	metaCacheMax    = 8192
)

type metaEntry struct {
	meta *enrich.TokenMetadata // nil records a failed lookup
	at   time.Time
}

// metaCache holds token identity lookups. Identity is immutable, so a
// hit only ever goes stale for memory reasons; failures are cached
// briefly so a down service is not hammered once per alert.
type metaCache struct {
	mu      sync.Mutex
	entries map[string]metaEntry
}

func newMetaCache() *metaCache {
	return &metaCache{entries: make(map[string]metaEntry)}
}

func (c *metaCache) get(mint string, now time.Time) (*enrich.TokenMetadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[mint]
	if !ok {
		return nil, false
	}
	ttl := metaTTL
	if e.meta == nil {
		ttl = metaNegativeTTL
	}
	if now.Sub(e.at) > ttl {
		delete(c.entries, mint)
		return nil, false
	}
	return e.meta, true
}

func (c *metaCache) put(mint string, m *enrich.TokenMetadata, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[mint] = metaEntry{meta: m, at: now}
}

// sweep drops expired entries; a wholesale reset caps runaway growth.
func (c *metaCache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) > metaCacheMax {
		c.entries = make(map[string]metaEntry)
		return
	}
	for mint, e := range c.entries {
		ttl := metaTTL
		if e.meta == nil {
			ttl = metaNegativeTTL
		}
		if now.Sub(e.at) > ttl {
			delete(c.entries, mint)
		}
	}
}

// tokenMeta resolves a mint's identity through the cache, then the
// enrichment service if backpressure allows. nil when unknown.
func (e *Engine) tokenMeta(ctx context.Context, mint string) *enrich.TokenMetadata {
	now := time.Now()
	if m, ok := e.meta.get(mint, now); ok {
		return m
	}
	if !e.bp.AllowEnrichment() {
		return nil
	}
	m, err := e.enricher.TokenMetadata(ctx, mint)
	if err != nil {
		e.log.WithError(err).Debug("Token metadata lookup failed")
		e.meta.put(mint, nil, now)
		return nil
	}
	e.meta.put(mint, m, now)
	return m
}

// resolveMcap returns a mint's market cap in SOL. Cached values win;
// otherwise it is derived from the latest observed trade price and the
// token supply, and written back for siblings. ok is false when
// neither path produced a number.
func (e *Engine) resolveMcap(ctx context.Context, mint string) (mcapSol, priceSol float64, ok bool) {
	if m, p, cached, err := e.counters.Mcap(ctx, mint); err == nil && cached {
		return m, p, true
	}
	price, havePrice := e.recent.LastPrice(mint)
	meta := e.tokenMeta(ctx, mint)
	if !havePrice && meta != nil && strings.EqualFold(meta.PriceCurrency, "SOL") {
		price = meta.PricePerToken
		havePrice = price > 0
	}
	if !havePrice || meta == nil || meta.Supply == 0 {
		return 0, 0, false
	}
	mcap := price * supplyWhole(meta.Supply, meta.Decimals)
	if mcap <= 0 {
		return 0, 0, false
	}
	if err := e.counters.SetMcap(ctx, mint, mcap, price); err != nil {
		e.log.WithError(err).Debug("Mcap cache write failed")
	}
	return mcap, price, true
}

// supplyWhole converts a raw supply to whole tokens.
func supplyWhole(raw uint64, decimals int) float64 {
	if decimals <= 0 {
		return float64(raw)
	}
	return float64(raw) / math.Pow10(decimals)
}

// alertInputs is everything assembleAlert folds into the payload,
// fetched up front so assembly itself stays deterministic.
type alertInputs struct {
	Trigger   *detect.TriggerResult
	Meta      *enrich.TokenMetadata
	Venue     string
	TopBuyers []models.TopBuyer
	Score     *models.CTOScore
	Clusters  []models.ClusterInfo

	McapSol      float64
	PriceSol     float64
	AvgEntryMcap float64
	Degraded     bool
}

// buildAlert gathers live context for a fired trigger and assembles
// the outbound payload. Every lookup is best effort: a missing piece
// leaves its field empty rather than blocking the alert.
func (e *Engine) buildAlert(ctx context.Context, res *detect.TriggerResult) *models.Alert {
	sn := res.Snapshot
	mint := sn.Mint

	in := alertInputs{
		Trigger: res,
		Venue:   e.recent.Venue(mint),
		Meta:    e.tokenMeta(ctx, mint),
	}

	in.TopBuyers = sn.TopBuyers
	if tbs, err := e.counters.TopBuyers(ctx, mint, counters.Window5m, alertTopBuyers); err == nil && len(tbs) > 0 {
		in.TopBuyers = tbs
	}
	e.annotateBuyers(ctx, mint, in.TopBuyers)

	buys := e.recent.Buys(mint, sn.At.Add(-time.Duration(counters.Window5m.Seconds())*time.Second))
	if len(buys) == 0 {
		// Detached detector: fall back to leaderboard volumes. Their
		// timing is unknown, so the timing component reads neutral.
		buys = observationsFromTop(in.TopBuyers)
	}
	in.Score, in.Clusters = e.scorer.Score(ctx, mint, sn, buys)

	in.McapSol, in.PriceSol, _ = e.resolveMcap(ctx, mint)
	in.AvgEntryMcap = e.recent.AvgEntryMcap(mint)
	in.Degraded = e.enricher.Degraded()

	for _, tb := range in.TopBuyers {
		e.enqueueFunding(tb.Wallet)
	}
	return assembleAlert(in)
}

// assembleAlert folds fetched context into the wire payload. Numeric
// fields are JSON-safe on exit; the ratio sentinel stands in for +Inf.
func assembleAlert(in alertInputs) *models.Alert {
	sn := in.Trigger.Snapshot
	a := &models.Alert{
		Mint:          sn.Mint,
		TriggerName:   in.Trigger.Name,
		TriggerReason: in.Trigger.Reason,
		Venue:         in.Venue,

		VolumeSol5m:    sn.M5.BuyVolumeSol,
		BuyCount5m:     sn.M5.BuyCount,
		SellCount5m:    sn.M5.SellCount,
		UniqueBuyers5m: sn.M5.UniqueBuyers,
		BuySellRatio5m: models.FiniteRatio(sn.M5.BuySellRatio),

		McapSol:      in.McapSol,
		PriceSol:     in.PriceSol,
		AvgEntryMcap: in.AvgEntryMcap,

		TopBuyers: in.TopBuyers,
		Clusters:  in.Clusters,

		EnrichmentDegraded: in.Degraded,
	}
	if a.Venue == "" && strings.HasSuffix(sn.Mint, "pump") {
		a.Venue = parser.VenuePump
	}
	if in.Meta != nil {
		a.TokenName = in.Meta.Name
		a.TokenSymbol = in.Meta.Symbol
		a.TokenImage = in.Meta.Image
		a.TokenSupply = uint64(supplyWhole(in.Meta.Supply, in.Meta.Decimals))
	}
	if in.Score != nil {
		a.CTOScore = in.Score.Total
		a.CTOComponents = in.Score.Components()
		a.Evidence = in.Score.Evidence
	}
	return a
}

// annotateBuyers decorates leaderboard entries with cluster membership,
// wallet freshness, and the retained buy count.
func (e *Engine) annotateBuyers(ctx context.Context, mint string, tbs []models.TopBuyer) {
	now := time.Now().Unix()
	for i := range tbs {
		if id, size := e.clusterer.ClusterOf(tbs[i].Wallet); size > 1 {
			tbs[i].ClusterID = id
		}
		if fs, err := e.counters.WalletFirstSeen(ctx, tbs[i].Wallet); err == nil && fs > 0 && now-fs < int64(newWalletAge/time.Second) {
			tbs[i].NewWallet = true
		}
		if n := e.recent.BuyCount(mint, tbs[i].Wallet); n > 0 {
			tbs[i].BuyCount = n
		}
	}
}

// observationsFromTop converts leaderboard entries into scorer
// observations with unknown timing.
func observationsFromTop(tbs []models.TopBuyer) []cluster.BuyObservation {
	out := make([]cluster.BuyObservation, 0, len(tbs))
	for _, tb := range tbs {
		out = append(out, cluster.BuyObservation{Wallet: tb.Wallet, VolumeSol: tb.VolumeSol})
	}
	return out
}
