package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UsageLog is the denormalized per-charge detail behind a USAGE transaction.
// It is written in the same storage transaction as its ledger row and shares
// the ledger row's idempotency key.
type UsageLog struct {
	ID             int64             `json:"id"`
	AccountID      uuid.UUID         `json:"account_id"`
	ProductID      string            `json:"product_id"`
	UnitsConsumed  int64             `json:"units_consumed"`
	CostUSD        decimal.Decimal   `json:"cost_usd"`
	IdempotencyKey string            `json:"idempotency_key"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ProductUsage aggregates a month of usage for one product.
type ProductUsage struct {
	ProductID string          `json:"product_id"`
	Requests  int64           `json:"requests"`
	Units     int64           `json:"units"`
	CostUSD   decimal.Decimal `json:"cost_usd"`
}

// UsageStats is the monthly usage summary for an account.
type UsageStats struct {
	Month     string          `json:"month"` // YYYY-MM
	Requests  int64           `json:"requests"`
	CostUSD   decimal.Decimal `json:"cost_usd"`
	ByProduct []ProductUsage  `json:"by_product"`
}
