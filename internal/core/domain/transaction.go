package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType represents the kind of balance delta.
type TransactionType string

const (
	TransactionTypeTopup      TransactionType = "TOPUP"
	TransactionTypeUsage      TransactionType = "USAGE"
	TransactionTypeRefund     TransactionType = "REFUND"
	TransactionTypeAdjustment TransactionType = "ADJUSTMENT"
)

// Transaction is an immutable ledger entry recording one balance delta.
// Row ids are strictly monotone, so transactions for the same account
// serialize in insertion order.
type Transaction struct {
	ID             int64             `json:"id"`
	AccountID      uuid.UUID         `json:"account_id"`
	Type           TransactionType   `json:"type"`
	AmountUSD      decimal.Decimal   `json:"amount_usd"`
	BalanceBefore  decimal.Decimal   `json:"balance_before"`
	BalanceAfter   decimal.Decimal   `json:"balance_after"`
	Source         string            `json:"source"`
	ExternalID     *string           `json:"external_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// IsCredit returns true if the transaction increased the balance.
func (t *Transaction) IsCredit() bool {
	return t.AmountUSD.GreaterThan(decimal.Zero)
}
