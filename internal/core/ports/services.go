package ports

import (
	"context"
	"time"

	"billing-core/internal/core/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// --- Volatile stores (cache layer; best-effort, never authoritative) ---

// PendingPaymentStore binds wallet invoice payloads to accounts while a
// platform checkout is in flight.
type PendingPaymentStore interface {
	Put(ctx context.Context, payload string, p domain.PendingPayment, ttl time.Duration) error
	// Get returns nil, nil on a miss or expiry.
	Get(ctx context.Context, payload string) (*domain.PendingPayment, error)
	Delete(ctx context.Context, payload string) error
}

// ProcessedEventStore is the best-effort first idempotency layer for
// provider event ids. The transactions unique index remains authoritative.
type ProcessedEventStore interface {
	Seen(ctx context.Context, provider, eventID string) (bool, error)
	Mark(ctx context.Context, provider, eventID string, ttl time.Duration) error
}

// CachedKey is the prefix-cache entry used on the hot verify path.
type CachedKey struct {
	KeyID     uuid.UUID `json:"key_id"`
	AccountID uuid.UUID `json:"account_id"`
	KeyHash   string    `json:"key_hash"`
	Scopes    []string  `json:"scopes"`
}

// KeyPrefixCache caches active API keys by public prefix (TTL 24 h).
type KeyPrefixCache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, prefix string) (*CachedKey, error)
	Set(ctx context.Context, prefix string, entry CachedKey, ttl time.Duration) error
	Delete(ctx context.Context, prefix string) error
}

// AuthFailureStore counts authentication failures per client IP inside a
// fixed window. State is best-effort; an unavailable cache degrades to
// allowing the attempt.
type AuthFailureStore interface {
	// RegisterFailure increments the counter and returns the new count.
	RegisterFailure(ctx context.Context, ip string, window time.Duration) (int64, error)
	// Check returns whether the IP is currently blocked and for how long.
	Check(ctx context.Context, ip string, limit int64) (blocked bool, retryAfter time.Duration, err error)
	Reset(ctx context.Context, ip string) error
}

// --- Service ports (business logic) ---

// ApplyRequest describes one idempotent balance mutation.
type ApplyRequest struct {
	AccountID      uuid.UUID
	Delta          decimal.Decimal
	Type           domain.TransactionType
	Source         string
	ExternalID     *string
	IdempotencyKey string
	Metadata       map[string]string
	// Usage, when set, is written in the same storage transaction as the
	// ledger row.
	Usage *UsageDetail
}

// UsageDetail is the denormalized detail accompanying a USAGE ledger row.
type UsageDetail struct {
	ProductID string
	Units     int64
}

// BalanceService is the atomic credit/debit core over the ledger.
type BalanceService interface {
	// ResolveAccount maps an account reference (internal uuid string or
	// external chat-platform integer) to an account, creating it lazily for
	// unseen external ids.
	ResolveAccount(ctx context.Context, ref string) (*domain.Account, error)
	GetBalance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error)
	// Apply performs one exactly-once balance mutation. Duplicate keys fail
	// with DuplicatePayment; debits below zero fail with
	// InsufficientBalance, decided inside the row lock.
	Apply(ctx context.Context, rc domain.RequestContext, req ApplyRequest) (*domain.Transaction, error)
	// CheckIdempotency returns the prior outcome for a key, or nil.
	CheckIdempotency(ctx context.Context, key string) (*domain.Transaction, error)
}

// UsageCharge describes one metered charge. RequestID must come from the
// client; every idempotency key in the settlement flow derives from it.
type UsageCharge struct {
	AccountID uuid.UUID
	ProductID string
	Units     int64
	RequestID string
	Metadata  map[string]string
}

// Settlement reconciles a provisional charge after the upstream outcome is
// known.
type Settlement struct {
	AccountID      uuid.UUID
	ProductID      string
	RequestID      string
	EstimatedUnits int64
	ActualUnits    int64
	Metadata       map[string]string
}

// UsageService meters product consumption against the balance.
type UsageService interface {
	// Charge debits price × units. Used both for final charges and for the
	// provisional estimate before an upstream call.
	Charge(ctx context.Context, rc domain.RequestContext, req UsageCharge) (*domain.Transaction, error)
	// Settle applies an ADJUSTMENT of estimate − actual when they differ;
	// returns nil, nil when they match.
	Settle(ctx context.Context, rc domain.RequestContext, s Settlement) (*domain.Transaction, error)
	// RefundCharge refunds the full provisional charge after an upstream
	// failure.
	RefundCharge(ctx context.Context, rc domain.RequestContext, s Settlement) (*domain.Transaction, error)
	MonthlyUsage(ctx context.Context, accountID uuid.UUID, month string) (*domain.UsageStats, error)
}

// TopupRequest asks for a checkout session crediting an account.
type TopupRequest struct {
	AccountID  uuid.UUID
	AccountRef string
	AmountUSD  decimal.Decimal
	Method     domain.PaymentMethod
	SuccessURL string
	CancelURL  string
}

// WebhookOutcome is the terminal disposition of one provider callback.
type WebhookOutcome string

const (
	WebhookProcessed WebhookOutcome = "processed"
	WebhookIgnored   WebhookOutcome = "ignored"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookError     WebhookOutcome = "error"
)

// PaymentService orchestrates checkout creation and webhook processing
// across the registered providers.
type PaymentService interface {
	// CreateTopup validates the amount window and opens a checkout with the
	// requested provider.
	CreateTopup(ctx context.Context, rc domain.RequestContext, req TopupRequest) (*domain.CheckoutResult, error)
	// HandleWebhook dispatches a raw event to its provider and classifies
	// the result. A non-nil error accompanies only the error outcome.
	HandleWebhook(ctx context.Context, rc domain.RequestContext, event domain.WebhookEvent) (WebhookOutcome, *domain.Transaction, error)
	// GetPaymentStatus probes the owning provider for a checkout's state.
	GetPaymentStatus(ctx context.Context, paymentID string) (domain.PaymentStatus, error)
}

// APIKeyService creates, verifies and revokes API keys (scheme
// bill_<prefix>_<secret>).
type APIKeyService interface {
	// CreateKey returns the raw key exactly once.
	CreateKey(ctx context.Context, rc domain.RequestContext, accountID uuid.UUID, label string, scopes []string) (string, *domain.APIKey, error)
	// VerifyKey authenticates a raw key and returns the owning account and
	// granted scopes.
	VerifyKey(ctx context.Context, raw string) (*domain.Account, []string, error)
	ListKeys(ctx context.Context, accountID uuid.UUID) ([]domain.APIKey, error)
	RevokeKey(ctx context.Context, rc domain.RequestContext, accountID uuid.UUID, prefix string) error
}

// AccessClaims holds the parsed access-token claims.
type AccessClaims struct {
	AccountID uuid.UUID
}

// TokenService issues and verifies dashboard session tokens. Issuance is
// driven by the framing layer's login flow; refresh tokens rotate and are
// stored durably.
type TokenService interface {
	IssuePair(ctx context.Context, rc domain.RequestContext, accountID uuid.UUID) (*domain.TokenPair, error)
	Refresh(ctx context.Context, rc domain.RequestContext, refreshToken string) (*domain.TokenPair, error)
	Revoke(ctx context.Context, rc domain.RequestContext, refreshToken string) error
	ValidateAccess(tokenString string) (*AccessClaims, error)
}

// Notifier is the out-of-band notification hook. Implementations must be
// fire-and-forget: never block the caller, never fail the mutation.
type Notifier interface {
	NotifySuccess(rc domain.RequestContext, account *domain.Account, amount, newBalance decimal.Decimal)
	NotifyFailure(rc domain.RequestContext, account *domain.Account, reason string)
	NotifyLowBalance(rc domain.RequestContext, account *domain.Account, current decimal.Decimal)
}

// AdminStats aggregates system-wide numbers for the admin surface.
type AdminStats struct {
	Accounts           int64                              `json:"accounts"`
	TotalBalanceUSD    decimal.Decimal                    `json:"total_balance_usd"`
	TransactionsByType map[domain.TransactionType]int64   `json:"transactions_by_type"`
	UsageRequests30d   int64                              `json:"usage_requests_30d"`
	UsageCost30dUSD    decimal.Decimal                    `json:"usage_cost_30d_usd"`
}

// ReportingService serves the admin dashboard.
type ReportingService interface {
	AdminStats(ctx context.Context) (*AdminStats, error)
}

// AuditService records audited actions. Recording is best-effort for
// read-path actions and mandatory for credential changes.
type AuditService interface {
	Record(ctx context.Context, rc domain.RequestContext, accountID *uuid.UUID, action domain.AuditAction, metadata map[string]string) error
}

// UpstreamResult is the outcome of one metered upstream call.
type UpstreamResult struct {
	Body       []byte
	Units      int64
	StatusCode int
}

// Upstream is the metered pass-through collaborator behind the proxy
// endpoint.
type Upstream interface {
	Invoke(ctx context.Context, productID string, payload []byte) (*UpstreamResult, error)
}
