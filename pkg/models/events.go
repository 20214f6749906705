package models

import (
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

// SwapSide is the direction of a swap relative to the base mint.
type SwapSide string

const (
	SideBuy  SwapSide = "buy"
	SideSell SwapSide = "sell"
)

// SwapEvent is a confidently inferred swap. Emitted only when the inference
// confidence meets the configured floor; amounts are decimal-adjusted.
type SwapEvent struct {
	Signature   string          `json:"signature"`
	Slot        uint64          `json:"slot"`
	BlockTime   int64           `json:"blockTime"`
	Venue       string          `json:"venue"` // pump | jupiter | raydium | orca | meteora | unknown
	Wallet      string          `json:"wallet"`
	Side        SwapSide        `json:"side"`
	BaseMint    string          `json:"baseMint"`
	BaseAmount  decimal.Decimal `json:"baseAmount"`
	QuoteMint   string          `json:"quoteMint"`   // the native (wrapped) mint
	QuoteAmount decimal.Decimal `json:"quoteAmount"` // SOL units, always positive
	Confidence  float64         `json:"confidence"`
	McapAtSwap  float64         `json:"mcapAtSwap,omitempty"` // SOL, 0 when unknown
	Backfilled  bool            `json:"backfilled,omitempty"` // replayed from the delta log after a HOT promotion
}

// QuoteSol returns the quote amount as float64 SOL for counter updates.
func (e *SwapEvent) QuoteSol() float64 {
	f, _ := e.QuoteAmount.Float64()
	return f
}

// MintTouchEvent is the lightweight record emitted for every ingested
// transaction so no token goes untracked, parseable swap or not.
type MintTouchEvent struct {
	Signature string   `json:"signature"`
	Slot      uint64   `json:"slot"`
	BlockTime int64    `json:"blockTime"`
	FeePayer  string   `json:"feePayer"`
	Mints     []string `json:"mints"`
	Programs  []string `json:"programs"`
}

// TokenDelta is one per-(owner, mint) balance change, decimal-adjusted.
// Amounts are decimal strings so the log round-trips exactly.
type TokenDelta struct {
	Owner  string `msgpack:"o" json:"owner"`
	Mint   string `msgpack:"m" json:"mint"`
	Amount string `msgpack:"a" json:"amount"`
}

// TxDeltaRecord is the short-retention delta log record: enough to re-run
// swap inference for a mint when it turns HOT, without upstream replay.
type TxDeltaRecord struct {
	Signature    string            `msgpack:"sig" json:"signature"`
	Slot         uint64            `msgpack:"slot" json:"slot"`
	BlockTime    int64             `msgpack:"bt" json:"blockTime"`
	FeePayer     string            `msgpack:"fp" json:"feePayer"`
	Programs     []string          `msgpack:"progs" json:"programs"`
	TokenDeltas  []TokenDelta      `msgpack:"td" json:"tokenDeltas"`
	NativeDeltas map[string]string `msgpack:"nd" json:"nativeDeltas"` // owner -> SOL delta, decimal string
	Mints        []string          `msgpack:"mints" json:"mints"`
	Fee          uint64            `msgpack:"fee" json:"fee"`
}

// EncodeDeltaRecord serializes a record for the delta log.
func EncodeDeltaRecord(r *TxDeltaRecord) ([]byte, error) {
	return msgpack.Marshal(r)
}

// DecodeDeltaRecord deserializes a delta log payload.
func DecodeDeltaRecord(data []byte) (*TxDeltaRecord, error) {
	var r TxDeltaRecord
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Touches reports whether the record includes a token delta for the mint.
func (r *TxDeltaRecord) Touches(mint string) bool {
	for _, m := range r.Mints {
		if m == mint {
			return true
		}
	}
	return false
}

// DecimalTokenDeltas parses the stored token deltas back into decimals,
// keyed by (owner, mint). Unparseable entries are skipped.
func (r *TxDeltaRecord) DecimalTokenDeltas() map[OwnerMint]decimal.Decimal {
	out := make(map[OwnerMint]decimal.Decimal, len(r.TokenDeltas))
	for _, td := range r.TokenDeltas {
		d, err := decimal.NewFromString(td.Amount)
		if err != nil {
			continue
		}
		out[OwnerMint{Owner: td.Owner, Mint: td.Mint}] = d
	}
	return out
}

// DecimalNativeDeltas parses the stored native deltas back into decimals,
// keyed by owner.
func (r *TxDeltaRecord) DecimalNativeDeltas() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(r.NativeDeltas))
	for owner, s := range r.NativeDeltas {
		d, err := decimal.NewFromString(s)
		if err != nil {
			continue
		}
		out[owner] = d
	}
	return out
}

// OwnerMint keys a token delta.
type OwnerMint struct {
	Owner string
	Mint  string
}
