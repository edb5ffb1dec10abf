package event

import (
	fpmath "PerpSettle/internal/math"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// InsuranceWithdraw is emitted for an immediate pool withdrawal
type InsuranceWithdraw struct {
	Market     string         `json:"market"`
	Account    common.Address `json:"account"`
	PoolTokens fpmath.Wad     `json:"pool_tokens"`
	Collateral fpmath.Wad     `json:"collateral"`
	Fee        fpmath.Wad     `json:"fee"`
	Paid       fpmath.Wad     `json:"paid"`
}

func (w *InsuranceWithdraw) EventType() EventType { return EventTypeInsuranceWithdraw }
func (w *InsuranceWithdraw) MarketID() string     { return w.Market }

// WithdrawalCommitted is emitted when a delayed withdrawal is reserved
type WithdrawalCommitted struct {
	Market       string         `json:"market"`
	Account      common.Address `json:"account"`
	WithdrawalID uint64         `json:"withdrawal_id"`
	PoolTokens   fpmath.Wad     `json:"pool_tokens"`
	Amount       fpmath.Wad     `json:"amount"`
	Fee          fpmath.Wad     `json:"fee"`
	ExecutableAt time.Time      `json:"executable_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Superseded   *uint64        `json:"superseded,omitempty"`
}

func (w *WithdrawalCommitted) EventType() EventType { return EventTypeWithdrawalCommitted }
func (w *WithdrawalCommitted) MarketID() string     { return w.Market }

// WithdrawalExecuted is emitted when a delayed withdrawal pays out
type WithdrawalExecuted struct {
	Market       string         `json:"market"`
	Account      common.Address `json:"account"`
	WithdrawalID uint64         `json:"withdrawal_id"`
	Paid         fpmath.Wad     `json:"paid"`
}

func (w *WithdrawalExecuted) EventType() EventType { return EventTypeWithdrawalExecuted }
func (w *WithdrawalExecuted) MarketID() string     { return w.Market }

// WithdrawalExpired is emitted when a scan drops an expired withdrawal
type WithdrawalExpired struct {
	Market       string         `json:"market"`
	Account      common.Address `json:"account"`
	WithdrawalID uint64         `json:"withdrawal_id"`
	Amount       fpmath.Wad     `json:"amount"`
}

func (w *WithdrawalExpired) EventType() EventType { return EventTypeWithdrawalExpired }
func (w *WithdrawalExpired) MarketID() string     { return w.Market }
