package ingestion

import (
	"PerpSettle/internal/core"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ParseRawCommand converts a RawCommand into a typed command. The command
// type comes from the subscription; when absent it is read from the subject.
func ParseRawCommand(raw RawCommand) (core.Command, error) {
	name := raw.CommandType
	if name == "" {
		var err error
		if name, err = commandTypeFromSubject(raw.Subject); err != nil {
			return nil, err
		}
	}

	ct, err := core.ParseCommandType(name)
	if err != nil {
		return nil, err
	}

	cmd, err := core.DecodeCommand(ct, raw.Data)
	if err != nil {
		return nil, err
	}
	if err := validateAddresses(cmd); err != nil {
		return nil, fmt.Errorf("%s %s: %w", ct, cmd.Meta().Key, err)
	}
	return cmd, nil
}

// commandTypeFromSubject reads perp.settle.commands.{command_type}.{market_id}
func commandTypeFromSubject(subject string) (string, error) {
	rest, ok := strings.CutPrefix(subject, CommandSubjectPrefix+".")
	if !ok {
		return "", fmt.Errorf("subject %q is not a command subject", subject)
	}
	name, _, _ := strings.Cut(rest, ".")
	if name == "" {
		return "", fmt.Errorf("subject %q has no command type", subject)
	}
	return name, nil
}

// validateAddresses rejects commands whose account fields were left empty.
// Amounts and state-dependent checks are the market's job.
func validateAddresses(cmd core.Command) error {
	required := map[string]common.Address{}

	switch c := cmd.(type) {
	case *core.CreditWallet:
		required["account"] = c.Account
	case *core.DepositMargin:
		required["account"] = c.Account
	case *core.WithdrawMargin:
		required["account"] = c.Account
	case *core.Settle:
		required["account"] = c.Account
	case *core.ExecuteFill:
		required["trader"] = c.Trader
		required["taker"] = c.Taker
		required["order.maker"] = c.Order.Maker
	case *core.Liquidate:
		required["liquidator"] = c.Liquidator
		required["liquidatee"] = c.Liquidatee
	case *core.ClaimReceipt:
		required["caller"] = c.Caller
		required["trader"] = c.Trader
	case *core.ClaimEscrow:
		required["caller"] = c.Caller
	case *core.DepositInsurance:
		required["account"] = c.Account
	case *core.WithdrawInsurance:
		required["account"] = c.Account
	case *core.CommitWithdrawal:
		required["account"] = c.Account
	case *core.ExecuteWithdrawal:
		required["account"] = c.Account
	}

	for field, addr := range required {
		if addr == (common.Address{}) {
			return fmt.Errorf("%s must be set", field)
		}
	}
	return nil
}
