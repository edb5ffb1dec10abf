package event

import fpmath "PerpSettle/internal/math"

// PriceUpdated is emitted when the fair price changes
type PriceUpdated struct {
	Market    string     `json:"market"`
	FairPrice fpmath.Wad `json:"fair_price"`
}

func (p *PriceUpdated) EventType() EventType { return EventTypePriceUpdated }
func (p *PriceUpdated) MarketID() string     { return p.Market }

// GasPriceUpdated is emitted when the fast gas price changes
type GasPriceUpdated struct {
	Market       string     `json:"market"`
	FastGasPrice fpmath.Wad `json:"fast_gas_price"`
}

func (g *GasPriceUpdated) EventType() EventType { return EventTypeGasPriceUpdated }
func (g *GasPriceUpdated) MarketID() string     { return g.Market }
