package query

import (
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/insurance"
	"PerpSettle/internal/liquidation"
	"PerpSettle/internal/projection"
	"time"
)

// All responses carry as_of_sequence: the last command reflected in the
// read model they were served from.

// MarketResponse is the market-wide state
type MarketResponse struct {
	projection.MarketSummary
	AsOfSequence int64 `json:"as_of_sequence"`
}

// AccountResponse is one account's margin state in a market
type AccountResponse struct {
	core.AccountSnapshot
	// Derived at query time from the projected margin figures
	Liquidatable bool  `json:"liquidatable"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

// ReceiptResponse is a liquidation receipt
type ReceiptResponse struct {
	liquidation.Receipt
	Settled      bool  `json:"settled"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

// WithdrawalResponse is a pending insurance withdrawal with its window
type WithdrawalResponse struct {
	insurance.PendingWithdrawal
	ExecutableAt time.Time `json:"executable_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// WithdrawalsResponse lists a market's pending insurance withdrawals
type WithdrawalsResponse struct {
	MarketID     string               `json:"market_id"`
	Withdrawals  []WithdrawalResponse `json:"withdrawals"`
	AsOfSequence int64                `json:"as_of_sequence"`
}

// FundingHistoryResponse lists recorded funding rates, newest first
type FundingHistoryResponse struct {
	MarketID     string                           `json:"market_id"`
	Entries      []projection.FundingHistoryEntry `json:"entries"`
	AsOfSequence int64                            `json:"as_of_sequence"`
}

// EventsResponse lists recent events, newest first
type EventsResponse struct {
	MarketID     string           `json:"market_id"`
	Events       []event.Envelope `json:"events"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

// DeltaHistoryEntry is one persisted ledger delta. Amounts are decimal strings.
type DeltaHistoryEntry struct {
	DeltaID      string  `json:"delta_id"`
	BatchID      string  `json:"batch_id"`
	Sequence     int64   `json:"sequence"`
	MarketID     string  `json:"market_id"`
	Account      string  `json:"account"`
	DeltaType    string  `json:"delta_type"`
	Base         string  `json:"base"`
	Quote        string  `json:"quote"`
	Leveraged    string  `json:"leveraged"`
	FundingIndex *int64  `json:"funding_index,omitempty"`
	GasPrice     *string `json:"gas_price,omitempty"`
	Timestamp    int64   `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	SequenceGaps    []int64 `json:"sequence_gaps,omitempty"`
	LastSequence    int64   `json:"last_sequence"`
	Watermark       int64   `json:"watermark"`
	ProjectionLag   int64   `json:"projection_lag"`
}
