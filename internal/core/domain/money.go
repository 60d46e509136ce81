package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MoneyScale is the fixed decimal scale for all persisted USD amounts.
const MoneyScale = 8

// RoundUSD quantizes an amount to MoneyScale using banker's rounding
// (round-half-to-even), the policy for every monetary computation.
func RoundUSD(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(MoneyScale)
}

// ParseUSD parses a decimal string into an exact USD amount at MoneyScale.
func ParseUSD(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return RoundUSD(d), nil
}
