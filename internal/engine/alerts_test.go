package engine

import (
	"math"
	"testing"
	"time"

	"github.com/rawblock/swapradar-engine/internal/counters"
	"github.com/rawblock/swapradar-engine/internal/detect"
	"github.com/rawblock/swapradar-engine/internal/enrich"
	"github.com/rawblock/swapradar-engine/internal/parser"
	"github.com/rawblock/swapradar-engine/pkg/models"
)

func sampleTrigger(mint string) *detect.TriggerResult {
	return &detect.TriggerResult{
		Name:   "volume_spike",
		Reason: "buy_volume_sol_5m >= 50",
		Snapshot: &counters.Snapshot{
			Mint: mint,
			At:   time.Now(),
			M5: counters.WindowStats{
				BuyCount:     42,
				SellCount:    3,
				UniqueBuyers: 17,
				BuyVolumeSol: 55.5,
				BuySellRatio: 14.0,
			},
		},
	}
}

func TestAssembleAlert_CopiesSnapshotAggregates(t *testing.T) {
	in := alertInputs{
		Trigger: sampleTrigger("MintAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"),
		Venue:   parser.VenueJupiter,
		Score: &models.CTOScore{
			Total:    0.74,
			Cluster:  0.9,
			Evidence: []string{"3 wallets share a funder"},
		},
		McapSol:      1200,
		PriceSol:     0.0012,
		AvgEntryMcap: 900,
		Degraded:     true,
	}
	a := assembleAlert(in)

	if a.TriggerName != "volume_spike" {
		t.Errorf("Expected trigger name volume_spike, Got: %s", a.TriggerName)
	}
	if a.VolumeSol5m != 55.5 || a.BuyCount5m != 42 || a.SellCount5m != 3 || a.UniqueBuyers5m != 17 {
		t.Errorf("Expected snapshot aggregates copied, Got: vol=%v buys=%d sells=%d buyers=%d",
			a.VolumeSol5m, a.BuyCount5m, a.SellCount5m, a.UniqueBuyers5m)
	}
	if a.Venue != parser.VenueJupiter {
		t.Errorf("Expected venue jupiter, Got: %s", a.Venue)
	}
	if a.CTOScore != 0.74 {
		t.Errorf("Expected CTO score 0.74, Got: %v", a.CTOScore)
	}
	if a.CTOComponents["cluster"] != 0.9 {
		t.Errorf("Expected cluster component 0.9, Got: %v", a.CTOComponents["cluster"])
	}
	if len(a.Evidence) != 1 {
		t.Errorf("Expected 1 evidence line, Got: %d", len(a.Evidence))
	}
	if a.McapSol != 1200 || a.PriceSol != 0.0012 || a.AvgEntryMcap != 900 {
		t.Errorf("Expected market context copied, Got: mcap=%v price=%v entry=%v",
			a.McapSol, a.PriceSol, a.AvgEntryMcap)
	}
	if !a.EnrichmentDegraded {
		t.Error("Expected degraded flag carried through")
	}
	if !a.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt left for the dispatcher to stamp")
	}
}

func TestAssembleAlert_SanitizesInfiniteRatio(t *testing.T) {
	res := sampleTrigger("MintAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	res.Snapshot.M5.BuySellRatio = math.Inf(1)

	a := assembleAlert(alertInputs{Trigger: res})
	if math.IsInf(a.BuySellRatio5m, 1) {
		t.Error("Expected +Inf ratio replaced before serialization")
	}
	if a.BuySellRatio5m != models.RatioSentinel {
		t.Errorf("Expected ratio sentinel %v, Got: %v", models.RatioSentinel, a.BuySellRatio5m)
	}
}

func TestAssembleAlert_FillsIdentityFromMetadata(t *testing.T) {
	in := alertInputs{
		Trigger: sampleTrigger("MintAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"),
		Meta: &enrich.TokenMetadata{
			Name:     "Radar Coin",
			Symbol:   "RADAR",
			Image:    "https://img.example/radar.png",
			Supply:   1_000_000_000_000,
			Decimals: 6,
		},
	}
	a := assembleAlert(in)

	if a.TokenName != "Radar Coin" || a.TokenSymbol != "RADAR" {
		t.Errorf("Expected identity from metadata, Got: name=%q symbol=%q", a.TokenName, a.TokenSymbol)
	}
	if a.TokenSupply != 1_000_000 {
		t.Errorf("Expected whole-unit supply 1000000, Got: %d", a.TokenSupply)
	}
}

func TestAssembleAlert_PumpSuffixFallbackVenue(t *testing.T) {
	a := assembleAlert(alertInputs{Trigger: sampleTrigger("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVpump")})
	if a.Venue != parser.VenuePump {
		t.Errorf("Expected pump venue from the mint suffix, Got: %q", a.Venue)
	}

	b := assembleAlert(alertInputs{
		Trigger: sampleTrigger("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVpump"),
		Venue:   parser.VenueRaydium,
	})
	if b.Venue != parser.VenueRaydium {
		t.Errorf("Expected observed venue to win over the suffix, Got: %q", b.Venue)
	}
}

func TestSupplyWhole_AdjustsByDecimals(t *testing.T) {
	cases := []struct {
		raw      uint64
		decimals int
		want     float64
	}{
		{1_000_000, 6, 1},
		{5_000_000_000, 9, 5},
		{42, 0, 42},
		{0, 6, 0},
	}
	for _, c := range cases {
		if got := supplyWhole(c.raw, c.decimals); got != c.want {
			t.Errorf("Expected supplyWhole(%d, %d) = %v, Got: %v", c.raw, c.decimals, c.want, got)
		}
	}
}

func TestObservationsFromTop_CarriesVolumeWithoutTiming(t *testing.T) {
	obs := observationsFromTop([]models.TopBuyer{
		{Wallet: "w1", VolumeSol: 10},
		{Wallet: "w2", VolumeSol: 5},
	})
	if len(obs) != 2 {
		t.Fatalf("Expected 2 observations, Got: %d", len(obs))
	}
	if obs[0].Wallet != "w1" || obs[0].VolumeSol != 10 {
		t.Errorf("Expected w1 with 10 SOL, Got: %s %v", obs[0].Wallet, obs[0].VolumeSol)
	}
	if obs[0].BlockTime != 0 {
		t.Errorf("Expected unknown timing encoded as 0, Got: %d", obs[0].BlockTime)
	}
}

func TestMetaCache_PositiveAndNegativeTTLs(t *testing.T) {
	c := newMetaCache()
	now := time.Now()

	if _, ok := c.get("mintA", now); ok {
		t.Error("Expected a miss on an empty cache")
	}

	c.put("mintA", &enrich.TokenMetadata{Symbol: "A"}, now)
	c.put("mintB", nil, now)

	if m, ok := c.get("mintA", now.Add(time.Minute)); !ok || m == nil || m.Symbol != "A" {
		t.Errorf("Expected fresh positive hit, Got: ok=%v meta=%v", ok, m)
	}
	if m, ok := c.get("mintB", now.Add(time.Minute)); !ok || m != nil {
		t.Errorf("Expected fresh negative hit with nil metadata, Got: ok=%v meta=%v", ok, m)
	}

	// Negative entries expire first.
	if _, ok := c.get("mintB", now.Add(10*time.Minute)); ok {
		t.Error("Expected negative entry expired after its short TTL")
	}
	if _, ok := c.get("mintA", now.Add(10*time.Minute)); !ok {
		t.Error("Expected positive entry alive inside its TTL")
	}
	if _, ok := c.get("mintA", now.Add(2*time.Hour)); ok {
		t.Error("Expected positive entry expired past its TTL")
	}
}

func TestMetaCache_SweepDropsExpired(t *testing.T) {
	c := newMetaCache()
	now := time.Now()

	c.put("old", &enrich.TokenMetadata{}, now.Add(-2*time.Hour))
	c.put("fresh", &enrich.TokenMetadata{}, now)
	c.put("failed", nil, now.Add(-10*time.Minute))

	c.sweep(now)
	if _, ok := c.entries["old"]; ok {
		t.Error("Expected expired positive entry swept")
	}
	if _, ok := c.entries["failed"]; ok {
		t.Error("Expected expired negative entry swept")
	}
	if _, ok := c.entries["fresh"]; !ok {
		t.Error("Expected fresh entry kept")
	}
}
