package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentMethod selects a provider for checkout creation. The provider set
// is fixed at compile time.
type PaymentMethod string

const (
	MethodCard   PaymentMethod = "card"
	MethodWallet PaymentMethod = "wallet"
)

// ParsePaymentMethod validates a client-supplied method string.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch PaymentMethod(s) {
	case MethodCard, MethodWallet:
		return PaymentMethod(s), nil
	}
	return "", fmt.Errorf("unknown payment method %q", s)
}

// PaymentStatus is the provider-reported state of a checkout.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
	PaymentStatusUnknown   PaymentStatus = "unknown"
)

// CheckoutRequest asks a provider to open a checkout session for a top-up.
type CheckoutRequest struct {
	AccountID      uuid.UUID
	AccountRef     string
	AmountUSD      decimal.Decimal
	Method         PaymentMethod
	IdempotencyKey string
	SuccessURL     string
	CancelURL      string
}

// InvoiceBlob carries everything the chat platform needs to render a star
// invoice. Returned instead of a checkout URL by the wallet provider.
type InvoiceBlob struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Payload     string `json:"payload"`
	Currency    string `json:"currency"`
	Amount      int64  `json:"amount"` // stars
}

// CheckoutResult is the provider-agnostic outcome of checkout creation.
type CheckoutResult struct {
	PaymentID   string            `json:"payment_id"`
	Status      PaymentStatus     `json:"status"`
	CheckoutURL string            `json:"checkout_url,omitempty"`
	InvoiceBlob *InvoiceBlob      `json:"invoice_blob,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// CustomData is round-tripped through the provider so the webhook can
// reconstruct the credit without trusting client-supplied fields. AmountUSD
// travels as a decimal string.
type CustomData struct {
	AccountRef     string `json:"account_ref"`
	IdempotencyKey string `json:"idempotency_key"`
	AmountUSD      string `json:"amount_usd"`
}

// WebhookEvent is a raw provider callback as received on the wire. RawBody
// is the unmodified request body; signature verification always runs against
// these exact bytes, never a re-serialized form.
type WebhookEvent struct {
	Provider   string
	RawBody    []byte
	Signature  string
	ReceivedAt time.Time
}

// PendingPayment binds a wallet invoice payload to an account while the
// platform checkout is in flight. Volatile, TTL one hour.
type PendingPayment struct {
	AccountID  uuid.UUID       `json:"account_id"`
	AccountRef string          `json:"account_ref"`
	Stars      int64           `json:"stars"`
	USDAmount  decimal.Decimal `json:"usd_amount"`
}

// ProviderErrorCode classifies provider call failures.
type ProviderErrorCode string

const (
	ProviderErrClient     ProviderErrorCode = "client_error"
	ProviderErrServer     ProviderErrorCode = "server_error"
	ProviderErrTimeout    ProviderErrorCode = "timeout"
	ProviderErrMaxRetries ProviderErrorCode = "max_retries"
	ProviderErrNotFound   ProviderErrorCode = "not_found"
)

// ProviderError is a typed failure from a payment provider call.
// server_error, timeout and 429 responses are retried by the client before
// this surfaces; client_error and not_found are terminal.
type ProviderError struct {
	Provider string
	Code     ProviderErrorCode
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s provider %s: %s: %v", e.Provider, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s provider %s: %s", e.Provider, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError builds a ProviderError.
func NewProviderError(provider string, code ProviderErrorCode, message string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Code: code, Message: message, Err: err}
}
