package event

import (
	fpmath "PerpSettle/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Settled is emitted when an account is brought to the current funding index
type Settled struct {
	Market        string         `json:"market"`
	Account       common.Address `json:"account"`
	FromIndex     int64          `json:"from_index"`
	ToIndex       int64          `json:"to_index"`
	FundingPaid   fpmath.Wad     `json:"funding_paid"`
	InsurancePaid fpmath.Wad     `json:"insurance_paid"`
}

func (s *Settled) EventType() EventType { return EventTypeSettled }
func (s *Settled) MarketID() string     { return s.Market }

// MarginDeposited is emitted when collateral enters a margin account
type MarginDeposited struct {
	Market  string         `json:"market"`
	Account common.Address `json:"account"`
	Amount  fpmath.Wad     `json:"amount"`
}

func (m *MarginDeposited) EventType() EventType { return EventTypeMarginDeposited }
func (m *MarginDeposited) MarketID() string     { return m.Market }

// MarginWithdrawn is emitted when collateral leaves a margin account
type MarginWithdrawn struct {
	Market  string         `json:"market"`
	Account common.Address `json:"account"`
	Amount  fpmath.Wad     `json:"amount"`
	Dust    fpmath.Wad     `json:"dust"`
}

func (m *MarginWithdrawn) EventType() EventType { return EventTypeMarginWithdrawn }
func (m *MarginWithdrawn) MarketID() string     { return m.Market }

// WalletCredited is emitted when tokens are minted into an external wallet
type WalletCredited struct {
	Market  string         `json:"market"`
	Account common.Address `json:"account"`
	Amount  fpmath.Wad     `json:"amount"`
}

func (w *WalletCredited) EventType() EventType { return EventTypeWalletCredited }
func (w *WalletCredited) MarketID() string     { return w.Market }

// InsuranceDeposit is emitted when pool tokens are minted
type InsuranceDeposit struct {
	Market     string         `json:"market"`
	Account    common.Address `json:"account"`
	Amount     fpmath.Wad     `json:"amount"`
	PoolTokens fpmath.Wad     `json:"pool_tokens"`
}

func (i *InsuranceDeposit) EventType() EventType { return EventTypeInsuranceDeposit }
func (i *InsuranceDeposit) MarketID() string     { return i.Market }

// PoolSynced is emitted when insurance margin moves into the buffer
type PoolSynced struct {
	Market string     `json:"market"`
	Amount fpmath.Wad `json:"amount"`
}

func (p *PoolSynced) EventType() EventType { return EventTypePoolSynced }
func (p *PoolSynced) MarketID() string     { return p.Market }
