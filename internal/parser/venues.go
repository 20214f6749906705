package parser

import "github.com/gagliardetto/solana-go"

// Chain constants shared by the extractor and inferencer. Amounts in
// transaction metadata are raw units; lamport constants below are the
// rent-exempt minimums used by the account-creation heuristics.
const (
	WrappedSOL = "So11111111111111111111111111111111111111112"
	USDCMint   = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDTMint   = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"

	LamportsPerSol      = 1_000_000_000
	ATARentLamports     = 2_039_280
	AccountRentLamports = 890_880
)

// QuoteMints are the mints treated as the paying side of a swap.
var QuoteMints = map[string]bool{
	WrappedSOL: true,
	USDCMint:   true,
	USDTMint:   true,
}

const VenueUnknown = "unknown"

const (
	VenuePump    = "pump"
	VenueJupiter = "jupiter"
	VenueRaydium = "raydium"
	VenueOrca    = "orca"
	VenueMeteora = "meteora"
)

type venueProgram struct {
	ID    solana.PublicKey
	Venue string
}

// venuePriority maps swap program IDs to venue names. Order matters:
// IdentifyVenue returns the first entry present in a transaction, so
// when an aggregator routes through a pool both programs appear and
// the launchpad/aggregator entry wins over the underlying pool.
var venuePriority = []venueProgram{
	{solana.MustPublicKeyFromBase58("6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"), VenuePump},
	{solana.MustPublicKeyFromBase58("pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA"), VenuePump},
	{solana.MustPublicKeyFromBase58("JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"), VenueJupiter},
	{solana.MustPublicKeyFromBase58("675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"), VenueRaydium},
	{solana.MustPublicKeyFromBase58("CPMMoo8L3F4NbTegBCKVNunggL7H1ZpdTHKxQB5qKP1C"), VenueRaydium},
	{solana.MustPublicKeyFromBase58("CAMMCzo5YL8w4VFF8KVHrK22GGUsp5VTaW7grrKgrWqK"), VenueRaydium},
	{solana.MustPublicKeyFromBase58("routeUGWgWzqBWFcrCfv8tritsqukccJPu3q5GPP3xS"), VenueRaydium},
	{solana.MustPublicKeyFromBase58("whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc"), VenueOrca},
	{solana.MustPublicKeyFromBase58("LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo"), VenueMeteora},
}

// venueByProgram is the unordered lookup used for membership checks.
var venueByProgram = func() map[string]string {
	m := make(map[string]string, len(venuePriority))
	for _, vp := range venuePriority {
		m[vp.ID.String()] = vp.Venue
	}
	return m
}()

// venuePriorityB58 caches base58 forms so the hot path avoids
// re-encoding public keys per transaction.
var venuePriorityB58 = func() []string {
	out := make([]string, len(venuePriority))
	for i, vp := range venuePriority {
		out[i] = vp.ID.String()
	}
	return out
}()

// IdentifyVenue returns the venue of the highest-priority swap program
// present in programIDs, or VenueUnknown. The result is deterministic
// regardless of the order programs appear in the transaction.
func IdentifyVenue(programIDs []string) string {
	if len(programIDs) == 0 {
		return VenueUnknown
	}
	present := make(map[string]struct{}, len(programIDs))
	for _, p := range programIDs {
		present[p] = struct{}{}
	}
	for i, b58 := range venuePriorityB58 {
		if _, ok := present[b58]; ok {
			return venuePriority[i].Venue
		}
	}
	return VenueUnknown
}

// IsVenueProgram reports whether a program ID belongs to a known venue.
func IsVenueProgram(programID string) bool {
	_, ok := venueByProgram[programID]
	return ok
}

// RouteDepth estimates how many venues a transaction routed through.
// Always at least 1 so it can divide safely.
func RouteDepth(programIDs []string) int {
	n := 0
	seen := make(map[string]struct{}, len(programIDs))
	for _, p := range programIDs {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if IsVenueProgram(p) {
			n++
		}
	}
	if n < 1 {
		return 1
	}
	return n
}
