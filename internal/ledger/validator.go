package ledger

import (
	fpmath "PerpSettle/internal/math"
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	ledger *Ledger
}

func NewInvariantValidator(l *Ledger) *InvariantValidator {
	return &InvariantValidator{
		ledger: l,
	}
}

// ValidateLeveragedNotional verifies the aggregate equals the sum of the
// per-account leveraged values
func (v *InvariantValidator) ValidateLeveragedNotional() error {
	total := fpmath.Zero()
	for _, addr := range v.ledger.Accounts() {
		total = total.Add(v.ledger.Balance(addr).TotalLeveragedValue)
	}

	if !total.Eq(v.ledger.LeveragedNotional()) {
		return fmt.Errorf("leveraged notional %s does not match account sum %s",
			v.ledger.LeveragedNotional(), total)
	}
	return nil
}

// ValidateInsuranceNonNegative checks the insurance margin account quote >= 0
func (v *InvariantValidator) ValidateInsuranceNonNegative() error {
	acct := v.ledger.Balance(v.ledger.InsuranceAccount())
	if acct.Quote.IsNegative() {
		return fmt.Errorf("insurance account %s has negative quote: %s",
			v.ledger.InsuranceAccount().Hex(), acct.Quote)
	}
	return nil
}

// ValidateAll runs every ledger invariant
func (v *InvariantValidator) ValidateAll() error {
	if err := v.ValidateLeveragedNotional(); err != nil {
		return err
	}
	return v.ValidateInsuranceNonNegative()
}
