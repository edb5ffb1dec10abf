package market

import "PerpSettle/internal/apperr"

var (
	ErrInvalidAmount = apperr.New(apperr.KindValidation, "invalid_amount", "amount must be > 0")
	ErrInvalidPrice  = apperr.New(apperr.KindValidation, "invalid_price", "fair price must be > 0")
	ErrSelfTrade     = apperr.New(apperr.KindValidation, "self_trade", "maker and taker are the same account")
	ErrUnknownTrader = apperr.New(apperr.KindPrecondition, "unknown_trader", "trader not whitelisted")
	ErrUnderMargin   = apperr.New(apperr.KindSolvency, "under_margin", "account would fall below minimum margin")
)

var (
	ErrWrongMarket   = apperr.New(apperr.KindValidation, "wrong_market", "order belongs to another market")
	ErrInvalidParams = apperr.New(apperr.KindValidation, "invalid_params", "invalid market parameters")
)
