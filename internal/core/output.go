package core

import (
	"PerpSettle/internal/event"
	"PerpSettle/internal/insurance"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/liquidation"
	"PerpSettle/internal/market"
	fpmath "PerpSettle/internal/math"
	"encoding/json"
	"time"
)

// CommandRecord is the command log entry of one processed command.
// Replaying the log in sequence order rebuilds every market exactly.
type CommandRecord struct {
	Sequence       int64           `json:"sequence"`
	IdempotencyKey string          `json:"idempotency_key"`
	CommandType    CommandType     `json:"command_type"`
	MarketID       string          `json:"market_id"`
	Timestamp      time.Time       `json:"timestamp"` // Command time, NOT wall-clock
	SourceSequence int64           `json:"source_sequence"`
	Payload        json.RawMessage `json:"payload"`
	Rejected       bool            `json:"rejected"`

	// Hash chain: StateHash = SHA-256(PrevHash || Sequence || digest)
	StateHash [32]byte `json:"state_hash"`
	PrevHash  [32]byte `json:"prev_hash"`
}

// Output is everything one command produced
type Output struct {
	Command CommandRecord
	Events  []event.Envelope
	Batches []*ledger.Batch

	// Post-command state of what the command touched, for projections
	Snapshot MarketSnapshot
}

// AccountSnapshot is one account after a command
type AccountSnapshot struct {
	market.AccountView
	Wallet     fpmath.Wad `json:"wallet"`
	PoolTokens fpmath.Wad `json:"pool_tokens"`
}

// MarketSnapshot holds market-wide figures plus the touched accounts and
// receipts. Withdrawals is the full pending set and is only filled when
// WithdrawalsChanged.
type MarketSnapshot struct {
	MarketID          string     `json:"market_id"`
	Sequence          int64      `json:"sequence"`
	FairPrice         fpmath.Wad `json:"fair_price"`
	FastGasPrice      fpmath.Wad `json:"fast_gas_price"`
	FundingIndex      int64      `json:"funding_index"`
	LeveragedNotional fpmath.Wad `json:"leveraged_notional"`
	MaxLeverage       fpmath.Wad `json:"max_leverage"`
	Custody           fpmath.Wad `json:"custody"`

	Insurance insurance.State `json:"insurance"`

	Accounts []AccountSnapshot     `json:"accounts"`
	Receipts []liquidation.Receipt `json:"receipts"`

	WithdrawalsChanged bool                          `json:"withdrawals_changed"`
	Withdrawals        []insurance.PendingWithdrawal `json:"withdrawals"`
}
