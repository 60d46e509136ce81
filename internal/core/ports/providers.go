package ports

import (
	"context"

	"billing-core/internal/core/domain"

	"github.com/shopspring/decimal"
)

// PaymentProvider is the adapter contract every payment provider implements.
// The provider set is fixed at compile time; there is no runtime plugin
// registry.
type PaymentProvider interface {
	// Name is the stable identifier used in transaction.source tags.
	Name() string
	// CreateCheckout opens a provider-side checkout session. Transient
	// failures surface as *domain.ProviderError.
	CreateCheckout(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutResult, error)
	// VerifyWebhook cryptographically checks the event signature against the
	// raw body bytes. Returns nil when genuine.
	VerifyWebhook(event domain.WebhookEvent) error
	// ProcessWebhook verifies then applies the event. A nil transaction with
	// nil error means the event was a deliberate no-op.
	ProcessWebhook(ctx context.Context, rc domain.RequestContext, event domain.WebhookEvent) (*domain.Transaction, error)
	// GetPaymentStatus is an out-of-band status probe.
	GetPaymentStatus(ctx context.Context, paymentID string) (domain.PaymentStatus, error)
	// Refund reverses a payment, fully when amount is nil. Providers that
	// cannot refund return *domain.ProviderError with code client_error.
	Refund(ctx context.Context, paymentID string, amount *decimal.Decimal) error
}
