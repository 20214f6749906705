package parser

import (
	"math/big"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/rawblock/swapradar-engine/pkg/models"
)

// Deltas is the extractor output for one transaction. Token holds
// decimal-adjusted per-(owner, mint) changes with the wrapped-native
// mint already folded out; Native holds per-owner changes in SOL after
// fee and rent correction. RawNative keeps the corrected lamport
// values before folding, for the rent-signature checks downstream.
type Deltas struct {
	Token     map[models.OwnerMint]decimal.Decimal
	Native    map[string]decimal.Decimal
	RawNative map[string]int64

	Mints     []string // non-wrapped mints touched, sorted
	Programs  []string
	VenueHint string
	FeePayer  string
	Fee       uint64

	AccountsCreated int
}

// ExtractDeltas builds balance deltas from transaction metadata.
//
// Token deltas are post minus pre per (owner, mint), adjusted by each
// entry's decimals; a missing side counts as zero. Native deltas are
// lamport changes per account with two corrections: the fee is added
// back to the fee payer so it is not read as swap quote, and
// rent-exempt account-creation transfers are excluded when the created
// balance matches a known rent minimum.
func ExtractDeltas(tx *models.RawTransaction) *Deltas {
	d := &Deltas{
		Token:     make(map[models.OwnerMint]decimal.Decimal),
		Native:    make(map[string]decimal.Decimal),
		RawNative: make(map[string]int64),
		Programs:  tx.ProgramIDs,
		VenueHint: IdentifyVenue(tx.ProgramIDs),
		FeePayer:  tx.Payer(),
		Fee:       tx.Fee,
	}

	// Wrapped-native token deltas are collected separately and folded
	// into Native below.
	wrapped := make(map[string]decimal.Decimal)

	pre := indexTokenBalances(tx.PreTokenBalances)
	post := indexTokenBalances(tx.PostTokenBalances)
	for key := range union(pre, post) {
		pb, hasPre := pre[key]
		qb, hasPost := post[key]
		decimals := qb.Decimals
		if !hasPost {
			decimals = pb.Decimals
		}
		var preAmt, postAmt uint64
		if hasPre {
			preAmt = pb.RawAmount
		}
		if hasPost {
			postAmt = qb.RawAmount
		}
		delta := adjustRaw(postAmt, decimals).Sub(adjustRaw(preAmt, decimals))
		if delta.IsZero() {
			continue
		}
		if key.Mint == WrappedSOL {
			wrapped[key.Owner] = wrapped[key.Owner].Add(delta)
			continue
		}
		d.Token[key] = delta
	}

	// Lamport deltas aligned by account index.
	n := len(tx.AccountKeys)
	if len(tx.PreLamports) < n {
		n = len(tx.PreLamports)
	}
	if len(tx.PostLamports) < n {
		n = len(tx.PostLamports)
	}
	for i := 0; i < n; i++ {
		account := tx.AccountKeys[i]
		preLam := tx.PreLamports[i]
		postLam := tx.PostLamports[i]
		delta := int64(postLam) - int64(preLam)

		if account == d.FeePayer {
			delta += int64(tx.Fee)
		}

		if preLam == 0 && postLam > 0 {
			d.AccountsCreated++
			// A created account holding exactly a rent minimum is a
			// pure rent transfer, not swap flow.
			if postLam == ATARentLamports || postLam == AccountRentLamports {
				continue
			}
			delta -= ATARentLamports
		}

		if delta != 0 {
			d.RawNative[account] += delta
		}
	}

	for account, lam := range d.RawNative {
		d.Native[account] = decimal.New(lam, -9)
	}
	for owner, amt := range wrapped {
		sum := d.Native[owner].Add(amt)
		if sum.IsZero() {
			delete(d.Native, owner)
			continue
		}
		d.Native[owner] = sum
	}

	seen := make(map[string]struct{}, len(d.Token))
	for key := range d.Token {
		if _, dup := seen[key.Mint]; !dup {
			seen[key.Mint] = struct{}{}
			d.Mints = append(d.Mints, key.Mint)
		}
	}
	sort.Strings(d.Mints)

	return d
}

// TouchEvent builds the low-confidence fallback event for transactions
// where no swap could be inferred.
func (d *Deltas) TouchEvent(tx *models.RawTransaction) *models.MintTouchEvent {
	return &models.MintTouchEvent{
		Signature: tx.Signature,
		Slot:      tx.Slot,
		BlockTime: tx.ObservedTime(),
		FeePayer:  d.FeePayer,
		Mints:     d.Mints,
		Programs:  d.Programs,
	}
}

// Record converts the deltas into the compact form written to the
// delta log. Amounts are rendered as decimal strings.
func (d *Deltas) Record(tx *models.RawTransaction) *models.TxDeltaRecord {
	rec := &models.TxDeltaRecord{
		Signature:    tx.Signature,
		Slot:         tx.Slot,
		BlockTime:    tx.ObservedTime(),
		FeePayer:     d.FeePayer,
		Programs:     d.Programs,
		NativeDeltas: make(map[string]string, len(d.Native)),
		Mints:        d.Mints,
		Fee:          d.Fee,
	}
	rec.TokenDeltas = make([]models.TokenDelta, 0, len(d.Token))
	for key, amt := range d.Token {
		rec.TokenDeltas = append(rec.TokenDeltas, models.TokenDelta{
			Owner:  key.Owner,
			Mint:   key.Mint,
			Amount: amt.String(),
		})
	}
	sort.Slice(rec.TokenDeltas, func(i, j int) bool {
		a, b := rec.TokenDeltas[i], rec.TokenDeltas[j]
		if a.Owner != b.Owner {
			return a.Owner < b.Owner
		}
		return a.Mint < b.Mint
	})
	for owner, amt := range d.Native {
		rec.NativeDeltas[owner] = amt.String()
	}
	return rec
}

// DeltasFromRecord rebuilds extractor output from a delta log record,
// for re-running inference during a backfill. RawNative is recovered
// from the stored SOL amounts, which is exact at lamport precision.
func DeltasFromRecord(rec *models.TxDeltaRecord) *Deltas {
	d := &Deltas{
		Token:     rec.DecimalTokenDeltas(),
		Native:    rec.DecimalNativeDeltas(),
		RawNative: make(map[string]int64, len(rec.NativeDeltas)),
		Mints:     rec.Mints,
		Programs:  rec.Programs,
		VenueHint: IdentifyVenue(rec.Programs),
		FeePayer:  rec.FeePayer,
		Fee:       rec.Fee,
	}
	for owner, amt := range d.Native {
		d.RawNative[owner] = amt.Shift(9).IntPart()
	}
	return d
}

type balanceKey = models.OwnerMint

func indexTokenBalances(balances []models.TokenBalance) map[balanceKey]models.TokenBalance {
	out := make(map[balanceKey]models.TokenBalance, len(balances))
	for _, b := range balances {
		if b.Owner == "" || b.Mint == "" {
			continue
		}
		out[balanceKey{Owner: b.Owner, Mint: b.Mint}] = b
	}
	return out
}

func union(a, b map[balanceKey]models.TokenBalance) map[balanceKey]struct{} {
	out := make(map[balanceKey]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}

func adjustRaw(raw uint64, decimals uint8) decimal.Decimal {
	if raw == 0 {
		return decimal.Decimal{}
	}
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(decimals))
}
