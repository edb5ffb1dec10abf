package liquidation

import "PerpSettle/internal/apperr"

// Validation
var (
	ErrInvalidAmount         = apperr.New(apperr.KindValidation, "invalid_amount", "liquidation amount must be > 0")
	ErrInvalidPrice          = apperr.New(apperr.KindValidation, "invalid_price", "fair price must be > 0")
	ErrSelfLiquidation       = apperr.New(apperr.KindValidation, "self_liquidation", "cannot liquidate own account")
	ErrGasPriceTooHigh       = apperr.New(apperr.KindValidation, "gas_price_too_high", "gas price above fast gas price")
	ErrAmountExceedsPosition = apperr.New(apperr.KindValidation, "amount_exceeds_position", "amount exceeds position size")
	ErrUnitMismatch          = apperr.New(apperr.KindValidation, "unit_mismatch", "units sold exceed amount liquidated")
	ErrOrderAlreadyClaimed   = apperr.New(apperr.KindValidation, "order_already_claimed", "order already used in a claim")
)

// State preconditions
var (
	ErrAboveMargin          = apperr.New(apperr.KindPrecondition, "above_margin", "account above minimum margin")
	ErrReceiptNotFound      = apperr.New(apperr.KindPrecondition, "receipt_not_found", "receipt not found")
	ErrTraderNotWhitelisted = apperr.New(apperr.KindPrecondition, "trader_not_whitelisted", "trader not whitelisted")
	ErrNotLiquidator        = apperr.New(apperr.KindPrecondition, "not_liquidator", "caller is not the liquidator")
	ErrNotLiquidatee        = apperr.New(apperr.KindPrecondition, "not_liquidatee", "caller is not the liquidatee")
	ErrClaimWindowClosed    = apperr.New(apperr.KindPrecondition, "claim_window_closed", "claim window has passed")
	ErrAlreadyClaimed       = apperr.New(apperr.KindPrecondition, "already_claimed", "receipt already claimed")
	ErrEscrowLocked         = apperr.New(apperr.KindPrecondition, "escrow_locked", "escrow release time not reached")
)

// Solvency
var (
	ErrLiquidatorUnderMargin = apperr.New(apperr.KindSolvency, "liquidator_under_margin", "liquidator would fall below minimum margin")
)
