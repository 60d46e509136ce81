// Package wallet integrates the chat platform's native star currency as a
// payment provider: invoices are denominated in stars, webhooks confirm
// payment, and the ledger is credited in USD.
package wallet

import (
	"github.com/shopspring/decimal"

	"billing-core/internal/core/domain"
)

// StarsPerUSD is the fixed conversion rate: 50 stars buy one dollar.
const StarsPerUSD = 50

var starsPerUSD = decimal.NewFromInt(StarsPerUSD)

// UsdToStars converts a USD amount to stars with banker's rounding, so
// conversions neither systematically over- nor under-charge.
func UsdToStars(usd decimal.Decimal) int64 {
	return usd.Mul(starsPerUSD).RoundBank(0).IntPart()
}

// StarsToUsd converts stars back to USD at the money scale. Round-tripping
// any whole-cent multiple of 0.02 is exact.
func StarsToUsd(stars int64) decimal.Decimal {
	return domain.RoundUSD(decimal.NewFromInt(stars).Div(starsPerUSD))
}
