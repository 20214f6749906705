package models

import "time"

// ShortAddr truncates an address for log lines.
func ShortAddr(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// TokenState is the monitoring level for a mint.
type TokenState string

const (
	StateCold TokenState = "cold" // aggregates only
	StateWarm TokenState = "warm" // per-swap events retained
	StateHot  TokenState = "hot"  // full enrichment + clustering + backfill
)

// TokenProfile tracks a mint's monitoring state and alert gating.
type TokenProfile struct {
	Mint          string     `json:"mint"`
	State         TokenState `json:"state"`
	FirstSeen     time.Time  `json:"firstSeen"`
	LastSeen      time.Time  `json:"lastSeen"`
	StateSince    time.Time  `json:"stateSince"`
	HotExpiresAt  time.Time  `json:"hotExpiresAt,omitempty"` // zero unless HOT
	LastAlertAt   time.Time  `json:"lastAlertAt,omitempty"`  // zero until the first alert
	TriggerReason string     `json:"triggerReason,omitempty"`
	Name          string     `json:"name,omitempty"`
	Symbol        string     `json:"symbol,omitempty"`
	Decimals      int        `json:"decimals,omitempty"`
}

// WalletProfile carries the funding linkage used by the clusterer.
type WalletProfile struct {
	Address       string    `json:"address"`
	FirstSeen     time.Time `json:"firstSeen"`
	FundedBy      string    `json:"fundedBy,omitempty"` // first inbound native transfer source
	FundingSol    float64   `json:"fundingSol,omitempty"`
	FundingHop    int       `json:"fundingHop,omitempty"` // 0 = direct
	ClusterID     string    `json:"clusterId,omitempty"`  // union-find root at query time
	ClusterSize   int       `json:"clusterSize,omitempty"`
	IsNewWallet   bool      `json:"isNewWallet,omitempty"` // first seen inside the live window
	TotalBuys     int64     `json:"totalBuys,omitempty"`
	TotalSells    int64     `json:"totalSells,omitempty"`
	VolumeSol     float64   `json:"volumeSol,omitempty"`
	LastSeenTrade time.Time `json:"lastSeenTrade,omitempty"`
}
