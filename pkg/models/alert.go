package models

import (
	"math"
	"time"
)

// RatioSentinel replaces +Inf in serialized payloads. JSON has no
// representation for infinity, so an unbounded buy/sell ratio is
// written as this value and treated as "all buys, no sells".
const RatioSentinel = 999999.0

// FiniteRatio clamps r into a JSON-safe value. In-memory code keeps
// real +Inf so trigger comparisons like "ratio >= 10" work.
func FiniteRatio(r float64) float64 {
	if math.IsInf(r, 1) || math.IsNaN(r) || r > RatioSentinel {
		return RatioSentinel
	}
	return r
}

// AllBuys reports whether a ratio means buys with zero sells.
func AllBuys(r float64) bool {
	return math.IsInf(r, 1) || r >= RatioSentinel
}

// CTOScore is the coordinated-takeover likelihood breakdown for a mint.
// Components are each in [0,1]; Total is their weighted sum.
type CTOScore struct {
	Total      float64 `json:"total"`
	Confidence float64 `json:"confidence"`

	Cluster       float64 `json:"cluster"`
	Concentration float64 `json:"concentration"`
	Timing        float64 `json:"timing"`
	NewWallet     float64 `json:"new_wallet"`
	Ratio         float64 `json:"ratio"`

	Evidence []string `json:"evidence,omitempty"`
}

// Components returns the per-component map used in alert payloads.
func (s *CTOScore) Components() map[string]float64 {
	return map[string]float64{
		"cluster":       s.Cluster,
		"concentration": s.Concentration,
		"timing":        s.Timing,
		"new_wallet":    s.NewWallet,
		"ratio":         s.Ratio,
	}
}

// TopBuyer is one entry of the per-mint buyer leaderboard.
type TopBuyer struct {
	Wallet    string  `json:"wallet"`
	VolumeSol float64 `json:"volume_sol"`
	BuyCount  int     `json:"buy_count,omitempty"`
	ClusterID string  `json:"cluster_id,omitempty"`
	NewWallet bool    `json:"new_wallet,omitempty"`
}

// ClusterInfo summarizes one funding-linked wallet cluster among the
// buyers of an alerted mint. ID is the union-find root address.
type ClusterInfo struct {
	ID        string  `json:"id"`
	Size      int     `json:"size"`
	Buyers    int     `json:"buyers"` // members among the mint's top buyers
	VolumeSol float64 `json:"volume_sol"`
}

// Alert is the payload handed to dispatch channels when a trigger
// fires for a mint. Field names are the wire contract; downstream
// consumers parse these keys.
type Alert struct {
	ID          string `json:"id"`
	Mint        string `json:"mint"`
	TokenSymbol string `json:"token_symbol,omitempty"`
	TokenName   string `json:"token_name,omitempty"`
	TokenImage  string `json:"token_image,omitempty"`

	TriggerName   string `json:"trigger_name"`
	TriggerReason string `json:"trigger_reason,omitempty"`
	Venue         string `json:"venue,omitempty"`

	VolumeSol5m    float64 `json:"volume_sol_5m"`
	BuyCount5m     int64   `json:"buy_count_5m"`
	SellCount5m    int64   `json:"sell_count_5m"`
	UniqueBuyers5m int64   `json:"unique_buyers_5m"`
	BuySellRatio5m float64 `json:"buy_sell_ratio_5m"` // sanitize with FiniteRatio before marshaling

	PriceSol     float64 `json:"price_sol,omitempty"`
	McapSol      float64 `json:"mcap_sol,omitempty"`
	AvgEntryMcap float64 `json:"avg_entry_mcap,omitempty"`
	TokenSupply  uint64  `json:"token_supply,omitempty"`

	CTOScore      float64            `json:"cto_score"`
	CTOComponents map[string]float64 `json:"cto_components,omitempty"`
	Evidence      []string           `json:"evidence,omitempty"`

	TopBuyers []TopBuyer    `json:"top_buyers,omitempty"`
	Clusters  []ClusterInfo `json:"clusters,omitempty"`

	EnrichmentDegraded bool      `json:"enrichment_degraded,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// ShortMint returns a display handle when no symbol is known.
func (a *Alert) ShortMint() string {
	if a.TokenSymbol != "" {
		return a.TokenSymbol
	}
	return ShortAddr(a.Mint)
}
