package domain

import (
	"github.com/shopspring/decimal"
)

// Product is a catalog row. Read-mostly; price changes take effect for
// future charges only.
type Product struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	BasePricePerUnit decimal.Decimal `json:"base_price_per_unit"`
}

// Cost computes the charge for a number of units at the product's base
// price, quantized to MoneyScale with banker's rounding.
func (p *Product) Cost(units int64) decimal.Decimal {
	return RoundUSD(p.BasePricePerUnit.Mul(decimal.NewFromInt(units)))
}
