package incentive

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TokenDecimals is the number of base units per whole payout token.
const TokenDecimals = 18

var tokenUnit = decimal.New(1, TokenDecimals)

// Tokens converts whole tokens to base units.
func Tokens(n int64) decimal.Decimal {
	return decimal.NewFromInt(n).Mul(tokenUnit)
}

// ParseAmount parses a base-unit integer amount.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if err := ValidateAmount(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// ValidateAmount requires a positive integral amount.
func ValidateAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if !d.IsInteger() {
		return fmt.Errorf("%w: must be a whole number of base units", ErrInvalidAmount)
	}
	return nil
}
