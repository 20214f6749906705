package cluster

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rawblock/swapradar-engine/internal/counters"
	"github.com/rawblock/swapradar-engine/pkg/models"
)

// Component weights. Total score is the weighted sum of five [0,1]
// components; a missing component contributes 0.
const (
	weightCluster       = 0.30
	weightConcentration = 0.25
	weightTiming        = 0.15
	weightNewWallet     = 0.15
	weightRatio         = 0.15
)

const (
	defaultWorkers = 4
	defaultTimeout = 2 * time.Second
)

// BuyObservation is one buy used for cluster and timing analysis.
type BuyObservation struct {
	Wallet    string
	VolumeSol float64
	BlockTime int64
}

// Scorer computes coordinated-takeover scores. The cluster and timing
// components walk recent buys and take the union-find lock, so they
// run on a bounded worker pool with a per-call deadline; when the
// deadline passes the score degrades to the snapshot-only components
// rather than stalling the detection tick.
type Scorer struct {
	clusterer *Clusterer
	sem       chan struct{}
	timeout   time.Duration
	log       *logrus.Logger
}

func NewScorer(cl *Clusterer, workers int, timeout time.Duration, log *logrus.Logger) *Scorer {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Scorer{
		clusterer: cl,
		sem:       make(chan struct{}, workers),
		timeout:   timeout,
		log:       log,
	}
}

type heavyResult struct {
	cluster   float64
	timing    float64
	linkedPct float64
	largest   int
	clusters  []models.ClusterInfo
}

// Score computes the CTO score for a mint from its counter snapshot
// and recent buys, along with the qualifying buyer clusters.
func (s *Scorer) Score(ctx context.Context, mint string, sn *counters.Snapshot, buys []BuyObservation) (*models.CTOScore, []models.ClusterInfo) {
	score := &models.CTOScore{
		Concentration: clamp01(sn.M5.Top3VolumeShare),
		NewWallet:     clamp01(sn.M5.NewWalletPct),
		Ratio:         ratioComponent(sn.M5.BuySellRatio),
	}

	var clusters []models.ClusterInfo
	res, ok := s.runHeavy(ctx, buys)
	if ok {
		score.Cluster = res.cluster
		score.Timing = res.timing
		clusters = res.clusters
	} else {
		s.log.WithFields(logrus.Fields{
			"component": "scorer",
			"mint":      models.ShortAddr(mint),
			"buys":      len(buys),
		}).Warn("Cluster scoring timed out, using partial score")
	}

	score.Total = weightCluster*score.Cluster +
		weightConcentration*score.Concentration +
		weightTiming*score.Timing +
		weightNewWallet*score.NewWallet +
		weightRatio*score.Ratio
	score.Confidence = confidence(sn)
	score.Evidence = evidence(score, sn, res)

	return score, clusters
}

// runHeavy executes cluster and timing analysis on the worker pool.
// The deadline covers both the wait for a slot and the work itself.
func (s *Scorer) runHeavy(ctx context.Context, buys []BuyObservation) (heavyResult, bool) {
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case s.sem <- struct{}{}:
	case <-timer.C:
		return heavyResult{}, false
	case <-ctx.Done():
		return heavyResult{}, false
	}

	done := make(chan heavyResult, 1)
	go func() {
		defer func() { <-s.sem }()
		done <- analyzeBuys(s.clusterer, buys)
	}()

	select {
	case res := <-done:
		return res, true
	case <-timer.C:
		return heavyResult{}, false
	case <-ctx.Done():
		return heavyResult{}, false
	}
}

// analyzeBuys groups recent buys by funding cluster and measures how
// clumped their timestamps are.
func analyzeBuys(cl *Clusterer, buys []BuyObservation) heavyResult {
	res := heavyResult{timing: burstiness(buys)}

	// Aggregate volume per wallet first so each wallet costs one find.
	walletVol := make(map[string]float64)
	var total float64
	for _, b := range buys {
		if b.Wallet == "" || b.VolumeSol <= 0 {
			continue
		}
		walletVol[b.Wallet] += b.VolumeSol
		total += b.VolumeSol
	}
	if total <= 0 {
		return res
	}

	type group struct {
		size   int
		buyers int
		vol    float64
	}
	groups := make(map[string]*group)
	for wallet, vol := range walletVol {
		root, size := cl.ClusterOf(wallet)
		g := groups[root]
		if g == nil {
			g = &group{size: size}
			groups[root] = g
		}
		g.buyers++
		g.vol += vol
	}

	// A wallet only counts as clustered when its component has at
	// least one other member; singletons are just ordinary buyers.
	var linkedVol, maxVol float64
	for root, g := range groups {
		if g.size < 2 {
			continue
		}
		linkedVol += g.vol
		if g.vol > maxVol {
			maxVol = g.vol
			res.largest = g.size
		}
		res.clusters = append(res.clusters, models.ClusterInfo{
			ID:        root,
			Size:      g.size,
			Buyers:    g.buyers,
			VolumeSol: g.vol,
		})
	}
	sort.Slice(res.clusters, func(i, j int) bool {
		return res.clusters[i].VolumeSol > res.clusters[j].VolumeSol
	})

	res.cluster = clamp01(maxVol / total)
	res.linkedPct = clamp01(linkedVol / total)
	return res
}

// burstiness measures how clumped buy timestamps are. It is the
// Goh-Barabási burstiness parameter of inter-arrival gaps,
// (sigma - mu) / (sigma + mu), clamped to [0,1]: 0 for a steady
// drip, approaching 1 when buys land in tight synchronized bursts.
func burstiness(buys []BuyObservation) float64 {
	times := make([]int64, 0, len(buys))
	for _, b := range buys {
		if b.BlockTime > 0 {
			times = append(times, b.BlockTime)
		}
	}
	if len(times) < 3 {
		return 0
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	gaps := make([]float64, len(times)-1)
	var mean float64
	for i := 1; i < len(times); i++ {
		gaps[i-1] = float64(times[i] - times[i-1])
		mean += gaps[i-1]
	}
	mean /= float64(len(gaps))
	if mean == 0 {
		// Every buy in the same second.
		return 1
	}

	var variance float64
	for _, g := range gaps {
		d := g - mean
		variance += d * d
	}
	sigma := math.Sqrt(variance / float64(len(gaps)))

	return clamp01((sigma - mean) / (sigma + mean))
}

func ratioComponent(ratio float64) float64 {
	if math.IsInf(ratio, 1) {
		return 1
	}
	if ratio <= 0 {
		return 0
	}
	return clamp01(ratio / 10)
}

// confidence discounts the score when the sample is thin: few buys,
// few distinct buyers, or dust-level volume.
func confidence(sn *counters.Snapshot) float64 {
	c := 1.0

	switch buys := sn.M5.BuyCount; {
	case buys < 5:
		c -= 0.3
	case buys < 10:
		c -= 0.2
	case buys < 20:
		c -= 0.1
	}

	switch buyers := sn.M5.UniqueBuyers; {
	case buyers < 3:
		c -= 0.2
	case buyers < 5:
		c -= 0.1
	}

	switch vol := sn.M5.BuyVolumeSol; {
	case vol < 1:
		c -= 0.2
	case vol < 5:
		c -= 0.1
	}

	return math.Max(c, 0.1)
}

func evidence(score *models.CTOScore, sn *counters.Snapshot, res heavyResult) []string {
	var ev []string

	switch conc := score.Concentration; {
	case conc >= 0.8:
		ev = append(ev, fmt.Sprintf("Very high concentration: top 3 = %.0f%%", conc*100))
	case conc >= 0.6:
		ev = append(ev, fmt.Sprintf("High concentration: top 3 = %.0f%%", conc*100))
	}

	switch pct := res.linkedPct; {
	case pct >= 0.5:
		ev = append(ev, fmt.Sprintf("High clustering: %.0f%% of volume in linked wallets, largest cluster = %d", pct*100, res.largest))
	case pct >= 0.2:
		ev = append(ev, fmt.Sprintf("Linked wallets hold %.0f%% of buy volume", pct*100))
	}

	if score.Timing >= 0.7 {
		ev = append(ev, fmt.Sprintf("Synchronized buy timing (burstiness %.2f)", score.Timing))
	}

	switch pct := score.NewWallet; {
	case pct >= 0.7:
		ev = append(ev, fmt.Sprintf("Mostly fresh wallets: %.0f%% new", pct*100))
	case pct >= 0.5:
		ev = append(ev, fmt.Sprintf("Many fresh wallets: %.0f%% new", pct*100))
	}

	switch ratio := sn.M5.BuySellRatio; {
	case models.AllBuys(ratio):
		ev = append(ev, "All buys, no sells")
	case ratio >= 20:
		ev = append(ev, fmt.Sprintf("Extreme buy ratio: %.1fx", ratio))
	case ratio >= 10:
		ev = append(ev, fmt.Sprintf("Strong buy pressure: %.1fx", ratio))
	}

	return ev
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
