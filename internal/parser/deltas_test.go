package parser

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rawblock/swapradar-engine/pkg/models"
)

func simpleBuyTx() *models.RawTransaction {
	return &models.RawTransaction{
		Signature:   "sig-simple-buy",
		Slot:        1000,
		IngestTime:  1700000000,
		FeePayer:    "user_wallet",
		AccountKeys: []string{"user_wallet", "pool"},
		Fee:         5000,
		PreTokenBalances: []models.TokenBalance{
			{Owner: "user_wallet", Mint: "meme_token", RawAmount: 0, Decimals: 6},
			{Owner: "pool", Mint: "meme_token", RawAmount: 900_000_000, Decimals: 6},
		},
		PostTokenBalances: []models.TokenBalance{
			{Owner: "user_wallet", Mint: "meme_token", RawAmount: 1_000_000, Decimals: 6},
			{Owner: "pool", Mint: "meme_token", RawAmount: 899_000_000, Decimals: 6},
		},
		PreLamports:  []uint64{10_000_000_000, 5_000_000_000},
		PostLamports: []uint64{9_499_995_000, 5_500_000_000},
		ProgramIDs:   []string{"6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"},
	}
}

func TestExtractDeltas_SimpleBuy(t *testing.T) {
	d := ExtractDeltas(simpleBuyTx())

	got := d.Token[models.OwnerMint{Owner: "user_wallet", Mint: "meme_token"}]
	if !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Expected user token delta of 1. Got: %v", got)
	}

	// 9.4999950 post - 10 pre + 0.000005 fee = -0.5 SOL
	native := d.Native["user_wallet"]
	if !native.Equal(decimal.New(-5, -1)) {
		t.Errorf("Expected user native delta of -0.5 SOL. Got: %v", native)
	}

	if d.VenueHint != VenuePump {
		t.Errorf("Expected venue hint pump. Got: %v", d.VenueHint)
	}
}

func TestExtractDeltas_FeeOnlyTransaction(t *testing.T) {
	tx := &models.RawTransaction{
		Signature:    "sig-fee-only",
		FeePayer:     "payer",
		AccountKeys:  []string{"payer"},
		Fee:          5000,
		PreLamports:  []uint64{1_000_000_000},
		PostLamports: []uint64{999_995_000},
	}

	d := ExtractDeltas(tx)

	if _, ok := d.Native["payer"]; ok {
		t.Errorf("Expected no native delta after fee correction. Got: %v", d.Native["payer"])
	}
}

func TestExtractDeltas_WrappedNativeFolded(t *testing.T) {
	tx := &models.RawTransaction{
		Signature:   "sig-wsol",
		FeePayer:    "user",
		AccountKeys: []string{"user"},
		Fee:         5000,
		PreTokenBalances: []models.TokenBalance{
			{Owner: "user", Mint: WrappedSOL, RawAmount: 500_000_000, Decimals: 9},
			{Owner: "user", Mint: "meme_token", RawAmount: 0, Decimals: 6},
		},
		PostTokenBalances: []models.TokenBalance{
			{Owner: "user", Mint: WrappedSOL, RawAmount: 0, Decimals: 9},
			{Owner: "user", Mint: "meme_token", RawAmount: 2_000_000, Decimals: 6},
		},
		PreLamports:  []uint64{100_000_000},
		PostLamports: []uint64{99_995_000},
	}

	d := ExtractDeltas(tx)

	if _, ok := d.Token[models.OwnerMint{Owner: "user", Mint: WrappedSOL}]; ok {
		t.Error("Expected wrapped-native delta to be folded out of token deltas")
	}

	native := d.Native["user"]
	if !native.Equal(decimal.New(-5, -1)) {
		t.Errorf("Expected folded native delta of -0.5 SOL. Got: %v", native)
	}

	for _, m := range d.Mints {
		if m == WrappedSOL {
			t.Error("Expected mints touched to exclude the wrapped-native mint")
		}
	}
}

func TestExtractDeltas_RentOnlyCreationSkipped(t *testing.T) {
	tx := &models.RawTransaction{
		Signature:    "sig-rent",
		FeePayer:     "payer",
		AccountKeys:  []string{"payer", "new_ata"},
		Fee:          5000,
		PreLamports:  []uint64{1_000_000_000, 0},
		PostLamports: []uint64{997_955_720, ATARentLamports},
	}

	d := ExtractDeltas(tx)

	if _, ok := d.Native["new_ata"]; ok {
		t.Errorf("Expected rent-sized creation to be excluded. Got: %v", d.Native["new_ata"])
	}
	if d.AccountsCreated != 1 {
		t.Errorf("Expected 1 account created. Got: %d", d.AccountsCreated)
	}
}

func TestExtractDeltas_MintsSorted(t *testing.T) {
	tx := &models.RawTransaction{
		Signature:   "sig-mints",
		FeePayer:    "user",
		AccountKeys: []string{"user"},
		PostTokenBalances: []models.TokenBalance{
			{Owner: "user", Mint: "zzz_mint", RawAmount: 10, Decimals: 0},
			{Owner: "user", Mint: "aaa_mint", RawAmount: 10, Decimals: 0},
		},
	}

	d := ExtractDeltas(tx)

	if len(d.Mints) != 2 || d.Mints[0] != "aaa_mint" || d.Mints[1] != "zzz_mint" {
		t.Errorf("Expected sorted mints [aaa_mint zzz_mint]. Got: %v", d.Mints)
	}
}

func TestDeltas_RecordRoundTrip(t *testing.T) {
	d := ExtractDeltas(simpleBuyTx())
	rec := d.Record(simpleBuyTx())

	data, err := models.EncodeDeltaRecord(rec)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	back, err := models.DecodeDeltaRecord(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if back.Signature != "sig-simple-buy" {
		t.Errorf("Expected signature to survive round trip. Got: %v", back.Signature)
	}
	td := back.DecimalTokenDeltas()
	got := td[models.OwnerMint{Owner: "user_wallet", Mint: "meme_token"}]
	if !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Expected token delta of 1 after round trip. Got: %v", got)
	}
	if !back.Touches("meme_token") {
		t.Error("Expected record to report touching meme_token")
	}
}
