package dto

// TopupRequest is the request body for opening a top-up checkout. AmountUSD
// travels as a decimal string so clients never round through floats.
type TopupRequest struct {
	AmountUSD  string  `json:"amount_usd" binding:"required"`
	Method     string  `json:"method" binding:"required,oneof=card wallet"`
	SuccessURL *string `json:"success_url,omitempty" binding:"omitempty,safe_url"`
	CancelURL  *string `json:"cancel_url,omitempty" binding:"omitempty,safe_url"`
}

// InvoiceBlobResponse is the star-invoice payload the wallet provider
// returns instead of a checkout URL.
type InvoiceBlobResponse struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Payload     string `json:"payload"`
	Currency    string `json:"currency"`
	Amount      int64  `json:"amount"`
}

// CheckoutResponse is the response body for a created checkout. Exactly one
// of CheckoutURL and InvoiceBlob is set, depending on the provider.
type CheckoutResponse struct {
	PaymentID   string               `json:"payment_id"`
	Status      string               `json:"status"`
	CheckoutURL string               `json:"checkout_url,omitempty"`
	InvoiceBlob *InvoiceBlobResponse `json:"invoice_blob,omitempty"`
	ExpiresAt   *string              `json:"expires_at,omitempty"`
}

// PaymentStatusResponse is the response for a payment status probe.
type PaymentStatusResponse struct {
	PaymentID string `json:"payment_id"`
	Status    string `json:"status"`
}

// BalanceResponse is the response for the balance query. Credits derive from
// the USD balance at the configured CREDITS_PER_USD rate.
type BalanceResponse struct {
	BalanceUSD string `json:"balance_usd"`
	Credits    int64  `json:"credits"`
}

// ProductUsageResponse is one product's share of a monthly usage summary.
type ProductUsageResponse struct {
	ProductID string `json:"product_id"`
	Requests  int64  `json:"requests"`
	Units     int64  `json:"units"`
	CostUSD   string `json:"cost_usd"`
}

// UsageResponse is the monthly usage summary.
type UsageResponse struct {
	Month     string                 `json:"month"`
	Requests  int64                  `json:"requests"`
	CostUSD   string                 `json:"cost_usd"`
	ByProduct []ProductUsageResponse `json:"by_product"`
}

// CreateKeyRequest is the request body for issuing an API key.
type CreateKeyRequest struct {
	Label  string   `json:"label" binding:"required,min=1,max=100"`
	Scopes []string `json:"scopes" binding:"omitempty,dive,oneof=billing usage admin"`
}

// CreateKeyResponse returns the raw key. This is the only time the secret
// is ever shown.
type CreateKeyResponse struct {
	Key       string   `json:"key"`
	KeyPrefix string   `json:"key_prefix"`
	Label     string   `json:"label"`
	Scopes    []string `json:"scopes"`
	CreatedAt string   `json:"created_at"`
}

// KeyResponse is one entry in the key listing. Only the public prefix is
// exposed; the secret is unrecoverable.
type KeyResponse struct {
	KeyPrefix  string   `json:"key_prefix"`
	Label      string   `json:"label"`
	Scopes     []string `json:"scopes"`
	IsActive   bool     `json:"is_active"`
	CreatedAt  string   `json:"created_at"`
	LastUsedAt *string  `json:"last_used_at,omitempty"`
}

// RefreshRequest is the request body for rotating a dashboard session.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// TokenPairResponse is the response for a successful session refresh.
type TokenPairResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// AdminStatsResponse aggregates system-wide numbers for the admin surface.
type AdminStatsResponse struct {
	Accounts           int64            `json:"accounts"`
	TotalBalanceUSD    string           `json:"total_balance_usd"`
	TransactionsByType map[string]int64 `json:"transactions_by_type"`
	UsageRequests30d   int64            `json:"usage_requests_30d"`
	UsageCost30dUSD    string           `json:"usage_cost_30d_usd"`
}
