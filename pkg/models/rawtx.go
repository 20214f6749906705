package models

import (
	"github.com/vmihailenco/msgpack/v5"
)

// TokenBalance is one entry of a transaction's pre or post token balance list.
type TokenBalance struct {
	Owner     string `msgpack:"owner" json:"owner"`
	Mint      string `msgpack:"mint" json:"mint"`
	RawAmount uint64 `msgpack:"amount" json:"amount"` // raw units, not decimal-adjusted
	Decimals  uint8  `msgpack:"decimals" json:"decimals"`
}

// RawTransaction is the immutable record relayed from the upstream feed into
// the durable stream. Lamport balances are parallel to AccountKeys.
type RawTransaction struct {
	Signature         string         `msgpack:"signature" json:"signature"`
	Slot              uint64         `msgpack:"slot" json:"slot"`
	IngestTime        int64          `msgpack:"ingest_time" json:"ingestTime"`           // unix seconds, stamped by the relay
	BlockTime         int64          `msgpack:"block_time" json:"blockTime,omitempty"`   // 0 when the upstream omits it
	FeePayer          string         `msgpack:"fee_payer" json:"feePayer"`               // defaults to AccountKeys[0]
	AccountKeys       []string       `msgpack:"account_keys" json:"accountKeys"`
	PreTokenBalances  []TokenBalance `msgpack:"pre_token_balances" json:"preTokenBalances"`
	PostTokenBalances []TokenBalance `msgpack:"post_token_balances" json:"postTokenBalances"`
	PreLamports       []uint64       `msgpack:"pre_lamports" json:"preLamports"`
	PostLamports      []uint64       `msgpack:"post_lamports" json:"postLamports"`
	ProgramIDs        []string       `msgpack:"program_ids" json:"programIds"`
	Fee               uint64         `msgpack:"fee" json:"fee"` // lamports, paid by the fee payer
}

// EncodeRawTransaction serializes a transaction for the durable stream.
func EncodeRawTransaction(tx *RawTransaction) ([]byte, error) {
	return msgpack.Marshal(tx)
}

// DecodeRawTransaction deserializes a stream payload.
func DecodeRawTransaction(data []byte) (*RawTransaction, error) {
	var tx RawTransaction
	if err := msgpack.Unmarshal(data, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Payer returns the fee payer, falling back to the first account key when the
// upstream left the field empty.
func (tx *RawTransaction) Payer() string {
	if tx.FeePayer != "" {
		return tx.FeePayer
	}
	if len(tx.AccountKeys) > 0 {
		return tx.AccountKeys[0]
	}
	return ""
}

// ObservedTime returns the block time, or the ingest time when the upstream
// omitted it. Used for lag measurement and window bucketing.
func (tx *RawTransaction) ObservedTime() int64 {
	if tx.BlockTime > 0 {
		return tx.BlockTime
	}
	return tx.IngestTime
}
