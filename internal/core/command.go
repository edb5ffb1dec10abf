package core

import (
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"PerpSettle/internal/trader"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// CommandType discriminator for command payloads
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeCreditWallet
	CommandTypeDepositMargin
	CommandTypeWithdrawMargin
	CommandTypeSettle
	CommandTypeUpdatePrice
	CommandTypeUpdateGasPrice
	CommandTypeRecordFundingRate
	CommandTypeUpdateParams
	CommandTypeExecuteFill
	CommandTypeLiquidate
	CommandTypeClaimReceipt
	CommandTypeClaimEscrow
	CommandTypeDepositInsurance
	CommandTypeWithdrawInsurance
	CommandTypeCommitWithdrawal
	CommandTypeExecuteWithdrawal
	CommandTypeScanWithdrawals
	CommandTypeSyncPool
)

var commandTypeNames = map[CommandType]string{
	CommandTypeCreditWallet:      "CreditWallet",
	CommandTypeDepositMargin:     "DepositMargin",
	CommandTypeWithdrawMargin:    "WithdrawMargin",
	CommandTypeSettle:            "Settle",
	CommandTypeUpdatePrice:       "UpdatePrice",
	CommandTypeUpdateGasPrice:    "UpdateGasPrice",
	CommandTypeRecordFundingRate: "RecordFundingRate",
	CommandTypeUpdateParams:      "UpdateParams",
	CommandTypeExecuteFill:       "ExecuteFill",
	CommandTypeLiquidate:         "Liquidate",
	CommandTypeClaimReceipt:      "ClaimReceipt",
	CommandTypeClaimEscrow:       "ClaimEscrow",
	CommandTypeDepositInsurance:  "DepositInsurance",
	CommandTypeWithdrawInsurance: "WithdrawInsurance",
	CommandTypeCommitWithdrawal:  "CommitWithdrawal",
	CommandTypeExecuteWithdrawal: "ExecuteWithdrawal",
	CommandTypeScanWithdrawals:   "ScanWithdrawals",
	CommandTypeSyncPool:          "SyncPool",
}

func (ct CommandType) String() string {
	if name, ok := commandTypeNames[ct]; ok {
		return name
	}
	return "Unknown"
}

// ParseCommandType maps a wire name (as used in NATS subjects) to its type
func ParseCommandType(name string) (CommandType, error) {
	for ct, n := range commandTypeNames {
		if n == name {
			return ct, nil
		}
	}
	return CommandTypeUnknown, fmt.Errorf("unknown command type %q", name)
}

// CommandTypes returns every known command type in declaration order
func CommandTypes() []CommandType {
	out := make([]CommandType, 0, len(commandTypeNames))
	for ct := CommandTypeCreditWallet; ct <= CommandTypeSyncPool; ct++ {
		out = append(out, ct)
	}
	return out
}

// Header carries the fields every command shares
type Header struct {
	// Idempotency key assigned by the producer
	Key string `json:"key"`

	Market string `json:"market"`

	// Versioned input time. The core never reads the wall clock.
	Time time.Time `json:"time"`

	// Producer sequence within the market partition. Price and gas price
	// updates use their own gap-tolerant partition.
	SourceSequence int64 `json:"source_sequence"`
}

// Meta returns the header. Promoted to every command that embeds Header.
func (h Header) Meta() Header { return h }

// Command is the interface all command payloads implement
type Command interface {
	CommandType() CommandType
	Meta() Header
}

type CreditWallet struct {
	Header
	Account common.Address `json:"account"`
	Amount  fpmath.Wad     `json:"amount"`
}

type DepositMargin struct {
	Header
	Account common.Address `json:"account"`
	Amount  fpmath.Wad     `json:"amount"`
}

type WithdrawMargin struct {
	Header
	Account common.Address `json:"account"`
	Amount  fpmath.Wad     `json:"amount"`
}

type Settle struct {
	Header
	Account common.Address `json:"account"`
}

type UpdatePrice struct {
	Header
	Price fpmath.Wad `json:"price"`
}

type UpdateGasPrice struct {
	Header
	GasPrice fpmath.Wad `json:"gas_price"`
}

type RecordFundingRate struct {
	Header
	Index         int64      `json:"index"`
	Rate          fpmath.Wad `json:"rate"`
	InsuranceRate fpmath.Wad `json:"insurance_rate"`
}

type UpdateParams struct {
	Header
	Params state.Params `json:"params"`
}

type ExecuteFill struct {
	Header
	Trader common.Address `json:"trader"`
	Order  trader.Order   `json:"order"`
	Taker  common.Address `json:"taker"`
	Amount fpmath.Wad     `json:"amount"`
	Price  fpmath.Wad     `json:"price"`
}

type Liquidate struct {
	Header
	Liquidator common.Address `json:"liquidator"`
	Liquidatee common.Address `json:"liquidatee"`
	Amount     fpmath.Wad     `json:"amount"`
	GasPrice   fpmath.Wad     `json:"gas_price"`
}

type ClaimReceipt struct {
	Header
	Caller    common.Address `json:"caller"`
	ReceiptID uint64         `json:"receipt_id"`
	Orders    []trader.Order `json:"orders"`
	Trader    common.Address `json:"trader"`
}

type ClaimEscrow struct {
	Header
	Caller    common.Address `json:"caller"`
	ReceiptID uint64         `json:"receipt_id"`
}

type DepositInsurance struct {
	Header
	Account common.Address `json:"account"`
	Amount  fpmath.Wad     `json:"amount"`
}

type WithdrawInsurance struct {
	Header
	Account    common.Address `json:"account"`
	PoolTokens fpmath.Wad     `json:"pool_tokens"`
}

type CommitWithdrawal struct {
	Header
	Account      common.Address `json:"account"`
	PoolTokens   fpmath.Wad     `json:"pool_tokens"`
	WithdrawalID uint64         `json:"withdrawal_id"`
}

type ExecuteWithdrawal struct {
	Header
	Account      common.Address `json:"account"`
	WithdrawalID uint64         `json:"withdrawal_id"`
}

// ScanWithdrawals drops expired delayed withdrawals. Issued by a scheduler.
type ScanWithdrawals struct {
	Header
}

type SyncPool struct {
	Header
}

func (*CreditWallet) CommandType() CommandType      { return CommandTypeCreditWallet }
func (*DepositMargin) CommandType() CommandType     { return CommandTypeDepositMargin }
func (*WithdrawMargin) CommandType() CommandType    { return CommandTypeWithdrawMargin }
func (*Settle) CommandType() CommandType            { return CommandTypeSettle }
func (*UpdatePrice) CommandType() CommandType       { return CommandTypeUpdatePrice }
func (*UpdateGasPrice) CommandType() CommandType    { return CommandTypeUpdateGasPrice }
func (*RecordFundingRate) CommandType() CommandType { return CommandTypeRecordFundingRate }
func (*UpdateParams) CommandType() CommandType      { return CommandTypeUpdateParams }
func (*ExecuteFill) CommandType() CommandType       { return CommandTypeExecuteFill }
func (*Liquidate) CommandType() CommandType         { return CommandTypeLiquidate }
func (*ClaimReceipt) CommandType() CommandType      { return CommandTypeClaimReceipt }
func (*ClaimEscrow) CommandType() CommandType       { return CommandTypeClaimEscrow }
func (*DepositInsurance) CommandType() CommandType  { return CommandTypeDepositInsurance }
func (*WithdrawInsurance) CommandType() CommandType { return CommandTypeWithdrawInsurance }
func (*CommitWithdrawal) CommandType() CommandType  { return CommandTypeCommitWithdrawal }
func (*ExecuteWithdrawal) CommandType() CommandType { return CommandTypeExecuteWithdrawal }
func (*ScanWithdrawals) CommandType() CommandType   { return CommandTypeScanWithdrawals }
func (*SyncPool) CommandType() CommandType          { return CommandTypeSyncPool }

// NewCommand returns a zero command of the given type, nil if unknown
func NewCommand(ct CommandType) Command {
	switch ct {
	case CommandTypeCreditWallet:
		return &CreditWallet{}
	case CommandTypeDepositMargin:
		return &DepositMargin{}
	case CommandTypeWithdrawMargin:
		return &WithdrawMargin{}
	case CommandTypeSettle:
		return &Settle{}
	case CommandTypeUpdatePrice:
		return &UpdatePrice{}
	case CommandTypeUpdateGasPrice:
		return &UpdateGasPrice{}
	case CommandTypeRecordFundingRate:
		return &RecordFundingRate{}
	case CommandTypeUpdateParams:
		return &UpdateParams{}
	case CommandTypeExecuteFill:
		return &ExecuteFill{}
	case CommandTypeLiquidate:
		return &Liquidate{}
	case CommandTypeClaimReceipt:
		return &ClaimReceipt{}
	case CommandTypeClaimEscrow:
		return &ClaimEscrow{}
	case CommandTypeDepositInsurance:
		return &DepositInsurance{}
	case CommandTypeWithdrawInsurance:
		return &WithdrawInsurance{}
	case CommandTypeCommitWithdrawal:
		return &CommitWithdrawal{}
	case CommandTypeExecuteWithdrawal:
		return &ExecuteWithdrawal{}
	case CommandTypeScanWithdrawals:
		return &ScanWithdrawals{}
	case CommandTypeSyncPool:
		return &SyncPool{}
	default:
		return nil
	}
}

// DecodeCommand unmarshals a JSON payload into its concrete command and
// checks the header is usable.
func DecodeCommand(ct CommandType, payload []byte) (Command, error) {
	cmd := NewCommand(ct)
	if cmd == nil {
		return nil, fmt.Errorf("unknown command type %d", ct)
	}
	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ct, err)
	}

	h := cmd.Meta()
	if h.Key == "" {
		return nil, fmt.Errorf("%s: missing key", ct)
	}
	if h.Market == "" {
		return nil, fmt.Errorf("%s: missing market", ct)
	}
	if h.Time.IsZero() {
		return nil, fmt.Errorf("%s: missing time", ct)
	}
	return cmd, nil
}
