package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account is the billing subject. It holds a prepaid USD balance and owns
// API keys. Accounts are created lazily on first observation of an external
// chat-platform id and are never deleted.
type Account struct {
	ID         uuid.UUID       `json:"id"`
	ExternalID *int64          `json:"external_id,omitempty"`
	Email      *string         `json:"email,omitempty"`
	BalanceUSD decimal.Decimal `json:"balance_usd"`
	OptInDebug bool            `json:"opt_in_debug"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Ref returns the canonical string reference for the account, used in
// provider custom data and wallet invoice payloads.
func (a *Account) Ref() string {
	return a.ID.String()
}

// CanAfford reports whether a debit of amount (positive) keeps the balance
// non-negative. The authoritative check happens inside the ledger row lock;
// this is only for pre-flight validation and messages.
func (a *Account) CanAfford(amount decimal.Decimal) bool {
	return a.BalanceUSD.GreaterThanOrEqual(amount)
}
