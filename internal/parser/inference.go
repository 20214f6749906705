package parser

import (
	"github.com/shopspring/decimal"

	"github.com/rawblock/swapradar-engine/pkg/models"
)

// Penalties are the confidence deductions applied during inference.
// Confidence starts at 1.0 and each matching condition subtracts its
// penalty; the result is clamped at 0.
type Penalties struct {
	NoVenue         float64 // no recognized swap program in the transaction
	CompetingDeltas float64 // owner moved more than one non-quote mint
	WeakNativeQuote float64 // native quote magnitude near the fee
	MultipleQuotes  float64 // several quote mints moved against the base
	RentSizedNative float64 // owner's raw lamport change equals a rent minimum
	CrowdedTx       float64 // owner touched many token accounts
	UnseenMint      float64 // base mint absent from the short-term cache
}

// DefaultPenalties mirrors production tuning.
func DefaultPenalties() Penalties {
	return Penalties{
		NoVenue:         0.10,
		CompetingDeltas: 0.20,
		WeakNativeQuote: 0.20,
		MultipleQuotes:  0.10,
		RentSizedNative: 0.10,
		CrowdedTx:       0.10,
		UnseenMint:      0.05,
	}
}

// MintSeen answers whether a mint has traded recently. Inference is a
// pure function of the deltas plus this lookup.
type MintSeen interface {
	Seen(mint string) bool
}

// Candidate is an inferred swap before transaction metadata is
// attached. Amounts are absolute values.
type Candidate struct {
	Wallet      string
	Side        models.SwapSide
	BaseMint    string
	BaseAmount  decimal.Decimal
	QuoteMint   string
	QuoteAmount decimal.Decimal
	Confidence  float64
}

// Event stamps the candidate with transaction metadata.
func (c *Candidate) Event(tx *models.RawTransaction, venue string) *models.SwapEvent {
	return &models.SwapEvent{
		Signature:   tx.Signature,
		Slot:        tx.Slot,
		BlockTime:   tx.ObservedTime(),
		Venue:       venue,
		Wallet:      c.Wallet,
		Side:        c.Side,
		BaseMint:    c.BaseMint,
		BaseAmount:  c.BaseAmount,
		QuoteMint:   c.QuoteMint,
		QuoteAmount: c.QuoteAmount,
		Confidence:  c.Confidence,
	}
}

// Inferencer turns balance deltas into at most one swap candidate.
type Inferencer struct {
	Penalties Penalties
	// Dust is the minimum native movement for an owner to count as a
	// swapper; anything smaller is fee noise or rent dust.
	Dust decimal.Decimal
}

// DefaultDustSol is 10k lamports, roughly twice the base fee.
var DefaultDustSol = decimal.New(10_000, -9)

func NewInferencer() *Inferencer {
	return &Inferencer{
		Penalties: DefaultPenalties(),
		Dust:      DefaultDustSol,
	}
}

// Infer selects the (owner, mint) whose token delta dominates among
// owners with an opposing native delta above the dust threshold.
// A positive token delta against negative native is a buy; the
// reverse is a sell. Returns nil when no candidate qualifies; the
// caller applies the confidence floor.
//
// Ties go to the larger absolute native delta, then the fee payer's
// entry (in a symmetric pool trade the user's side and the pool's
// side mirror each other exactly), then owner and mint order, so the
// result is deterministic for a given input.
func (inf *Inferencer) Infer(d *Deltas, seen MintSeen) *Candidate {
	var best *inferEntry
	for key, amt := range d.Token {
		if QuoteMints[key.Mint] || amt.IsZero() {
			continue
		}
		native, ok := d.Native[key.Owner]
		if !ok {
			continue
		}
		opposing := (amt.Sign() > 0 && native.Sign() < 0) ||
			(amt.Sign() < 0 && native.Sign() > 0)
		if !opposing || native.Abs().LessThan(inf.Dust) {
			continue
		}
		e := &inferEntry{key: key, token: amt, native: native}
		if best == nil || dominates(e, best, d.FeePayer) {
			best = e
		}
	}
	if best == nil {
		return nil
	}

	side := models.SideBuy
	if best.token.Sign() < 0 {
		side = models.SideSell
	}

	// Quote candidates: the owner's folded native plus any quote-mint
	// token deltas moving against the base. The largest magnitude wins.
	quoteMint := WrappedSOL
	quoteAmt := best.native
	quoteCount := 1
	wantSign := -best.token.Sign()
	competing := 0
	ownerEntries := 0
	for key, amt := range d.Token {
		if key.Owner != best.key.Owner {
			continue
		}
		ownerEntries++
		if !QuoteMints[key.Mint] {
			if key != best.key {
				competing++
			}
			continue
		}
		if amt.Sign() != wantSign {
			continue
		}
		quoteCount++
		if amt.Abs().GreaterThan(quoteAmt.Abs()) ||
			(amt.Abs().Equal(quoteAmt.Abs()) && key.Mint < quoteMint) {
			quoteMint = key.Mint
			quoteAmt = amt
		}
	}

	confidence := 1.0
	p := inf.Penalties
	if d.VenueHint == VenueUnknown {
		confidence -= p.NoVenue
	}
	if competing > 0 {
		confidence -= p.CompetingDeltas
	}
	if quoteCount > 1 {
		confidence -= p.MultipleQuotes
	}
	if raw := d.RawNative[best.key.Owner]; raw == ATARentLamports || raw == -ATARentLamports ||
		raw == AccountRentLamports || raw == -AccountRentLamports {
		confidence -= p.RentSizedNative
	}
	if quoteMint == WrappedSOL && d.Fee > 0 {
		feeFloor := decimal.New(int64(d.Fee), -9).Mul(decimal.NewFromInt(20))
		if quoteAmt.Abs().LessThan(feeFloor) {
			confidence -= p.WeakNativeQuote
		}
	}
	if ownerEntries > 3 {
		confidence -= p.CrowdedTx
	}
	if seen != nil && !seen.Seen(best.key.Mint) {
		confidence -= p.UnseenMint
	}
	if confidence < 0 {
		confidence = 0
	}

	return &Candidate{
		Wallet:      best.key.Owner,
		Side:        side,
		BaseMint:    best.key.Mint,
		BaseAmount:  best.token.Abs(),
		QuoteMint:   quoteMint,
		QuoteAmount: quoteAmt.Abs(),
		Confidence:  confidence,
	}
}

type inferEntry struct {
	key    models.OwnerMint
	token  decimal.Decimal
	native decimal.Decimal
}

// dominates orders candidates: larger |token|, then larger |native|,
// then the fee payer's entry, then owner and mint order.
func dominates(a, b *inferEntry, feePayer string) bool {
	if c := a.token.Abs().Cmp(b.token.Abs()); c != 0 {
		return c > 0
	}
	if c := a.native.Abs().Cmp(b.native.Abs()); c != 0 {
		return c > 0
	}
	if aFP, bFP := a.key.Owner == feePayer, b.key.Owner == feePayer; aFP != bFP {
		return aFP
	}
	if a.key.Owner != b.key.Owner {
		return a.key.Owner < b.key.Owner
	}
	return a.key.Mint < b.key.Mint
}
