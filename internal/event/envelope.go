package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeLiquidationOccurred
	EventTypeClaimedReceipt
	EventTypeInvalidClaimOrder
	EventTypeClaimedEscrow
	EventTypeSettled
	EventTypeMarginDeposited
	EventTypeMarginWithdrawn
	EventTypeWalletCredited
	EventTypeInsuranceDeposit
	EventTypeInsuranceWithdraw
	EventTypeWithdrawalCommitted
	EventTypeWithdrawalExecuted
	EventTypeWithdrawalExpired
	EventTypePoolSynced
	EventTypePriceUpdated
	EventTypeGasPriceUpdated
	EventTypeFundingRateRecorded
	EventTypeOrderFilled
	EventTypeParamsUpdated
	EventTypeCommandRejected
)

// Event is the interface all event payloads must implement
type Event interface {
	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market the transition happened in
	MarketID() string
}

// Envelope wraps every emitted event
type Envelope struct {
	// Core sequence of the command that produced the event
	Sequence int64 `json:"sequence"`

	// Position among the events of that command
	Index int `json:"index"`

	// Idempotency key of the command
	CommandKey string `json:"command_key"`

	EventType EventType `json:"event_type"`
	MarketID  string    `json:"market_id"`

	// Command timestamp (NOT wall-clock)
	Timestamp time.Time `json:"timestamp"`

	// JSON-encoded event
	Payload json.RawMessage `json:"payload"`
}

// Wrap encodes ev into an envelope
func Wrap(sequence int64, index int, commandKey string, ts time.Time, ev Event) (Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	return Envelope{
		Sequence:   sequence,
		Index:      index,
		CommandKey: commandKey,
		EventType:  ev.EventType(),
		MarketID:   ev.MarketID(),
		Timestamp:  ts,
		Payload:    payload,
	}, nil
}

// Decode unmarshals the payload into its concrete event type
func (e Envelope) Decode() (Event, error) {
	ev := New(e.EventType)
	if ev == nil {
		return nil, fmt.Errorf("unknown event type %d", e.EventType)
	}
	if err := json.Unmarshal(e.Payload, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.EventType, err)
	}
	return ev, nil
}

// New returns a zero event of the given type, nil if unknown
func New(t EventType) Event {
	switch t {
	case EventTypeLiquidationOccurred:
		return &LiquidationOccurred{}
	case EventTypeClaimedReceipt:
		return &ClaimedReceipt{}
	case EventTypeInvalidClaimOrder:
		return &InvalidClaimOrder{}
	case EventTypeClaimedEscrow:
		return &ClaimedEscrow{}
	case EventTypeSettled:
		return &Settled{}
	case EventTypeMarginDeposited:
		return &MarginDeposited{}
	case EventTypeMarginWithdrawn:
		return &MarginWithdrawn{}
	case EventTypeWalletCredited:
		return &WalletCredited{}
	case EventTypeInsuranceDeposit:
		return &InsuranceDeposit{}
	case EventTypeInsuranceWithdraw:
		return &InsuranceWithdraw{}
	case EventTypeWithdrawalCommitted:
		return &WithdrawalCommitted{}
	case EventTypeWithdrawalExecuted:
		return &WithdrawalExecuted{}
	case EventTypeWithdrawalExpired:
		return &WithdrawalExpired{}
	case EventTypePoolSynced:
		return &PoolSynced{}
	case EventTypePriceUpdated:
		return &PriceUpdated{}
	case EventTypeGasPriceUpdated:
		return &GasPriceUpdated{}
	case EventTypeFundingRateRecorded:
		return &FundingRateRecorded{}
	case EventTypeOrderFilled:
		return &OrderFilled{}
	case EventTypeParamsUpdated:
		return &ParamsUpdated{}
	case EventTypeCommandRejected:
		return &CommandRejected{}
	default:
		return nil
	}
}

func (et EventType) String() string {
	switch et {
	case EventTypeLiquidationOccurred:
		return "LiquidationOccurred"
	case EventTypeClaimedReceipt:
		return "ClaimedReceipt"
	case EventTypeInvalidClaimOrder:
		return "InvalidClaimOrder"
	case EventTypeClaimedEscrow:
		return "ClaimedEscrow"
	case EventTypeSettled:
		return "Settled"
	case EventTypeMarginDeposited:
		return "MarginDeposited"
	case EventTypeMarginWithdrawn:
		return "MarginWithdrawn"
	case EventTypeWalletCredited:
		return "WalletCredited"
	case EventTypeInsuranceDeposit:
		return "InsuranceDeposit"
	case EventTypeInsuranceWithdraw:
		return "InsuranceWithdraw"
	case EventTypeWithdrawalCommitted:
		return "WithdrawalCommitted"
	case EventTypeWithdrawalExecuted:
		return "WithdrawalExecuted"
	case EventTypeWithdrawalExpired:
		return "WithdrawalExpired"
	case EventTypePoolSynced:
		return "PoolSynced"
	case EventTypePriceUpdated:
		return "PriceUpdated"
	case EventTypeGasPriceUpdated:
		return "GasPriceUpdated"
	case EventTypeFundingRateRecorded:
		return "FundingRateRecorded"
	case EventTypeOrderFilled:
		return "OrderFilled"
	case EventTypeParamsUpdated:
		return "ParamsUpdated"
	case EventTypeCommandRejected:
		return "CommandRejected"
	default:
		return "Unknown"
	}
}
