package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"billing-core/internal/core/domain"
	"billing-core/internal/core/ports"
	"billing-core/internal/metrics"
	"billing-core/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Top-up amount window in USD.
var (
	minTopupUSD = decimal.NewFromInt(5)
	maxTopupUSD = decimal.NewFromInt(1000)
)

// topupPackages are the predefined amounts clients render as one-tap
// options. Any amount inside the window remains accepted.
var topupPackages = []int64{5, 10, 25, 50, 100}

func packageFor(amount decimal.Decimal) (string, bool) {
	for _, p := range topupPackages {
		if amount.Equal(decimal.NewFromInt(p)) {
			return strconv.FormatInt(p, 10), true
		}
	}
	return "", false
}

// PaymentServiceImpl implements ports.PaymentService. It owns the fixed
// provider registry and translates provider outcomes into the four webhook
// dispositions the HTTP layer reports back.
type PaymentServiceImpl struct {
	byMethod map[domain.PaymentMethod]ports.PaymentProvider
	byName   map[string]ports.PaymentProvider
	auditSvc ports.AuditService
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewPaymentService creates a new PaymentServiceImpl over a fixed provider
// set.
func NewPaymentService(
	card ports.PaymentProvider,
	wallet ports.PaymentProvider,
	auditSvc ports.AuditService,
	m *metrics.Metrics,
	log zerolog.Logger,
) *PaymentServiceImpl {
	return &PaymentServiceImpl{
		byMethod: map[domain.PaymentMethod]ports.PaymentProvider{
			domain.MethodCard:   card,
			domain.MethodWallet: wallet,
		},
		byName: map[string]ports.PaymentProvider{
			card.Name():   card,
			wallet.Name(): wallet,
		},
		auditSvc: auditSvc,
		metrics:  m,
		log:      log,
	}
}

// CreateTopup opens a checkout with the requested provider. The generated
// idempotency key travels through the provider's custom data so the webhook
// credit lands exactly once even across provider retries.
func (s *PaymentServiceImpl) CreateTopup(ctx context.Context, rc domain.RequestContext, req ports.TopupRequest) (*domain.CheckoutResult, error) {
	provider, ok := s.byMethod[req.Method]
	if !ok {
		return nil, apperror.ErrValidation(fmt.Sprintf("unknown payment method %q", req.Method))
	}

	amount := domain.RoundUSD(req.AmountUSD)
	if amount.LessThan(minTopupUSD) || amount.GreaterThan(maxTopupUSD) {
		s.metrics.ObservePayment(string(req.Method), metrics.StatusError)
		return nil, apperror.ErrAmountOutOfRange(minTopupUSD.String(), maxTopupUSD.String())
	}

	result, err := provider.CreateCheckout(ctx, domain.CheckoutRequest{
		AccountID:      req.AccountID,
		AccountRef:     req.AccountRef,
		AmountUSD:      amount,
		Method:         req.Method,
		IdempotencyKey: "topup_" + uuid.NewString(),
		SuccessURL:     req.SuccessURL,
		CancelURL:      req.CancelURL,
	})
	if err != nil {
		s.metrics.ObservePayment(string(req.Method), metrics.StatusError)
		var provErr *domain.ProviderError
		if errors.As(err, &provErr) {
			switch provErr.Code {
			case domain.ProviderErrTimeout:
				return nil, apperror.ErrProviderTimeout(provider.Name(), err)
			case domain.ProviderErrServer, domain.ProviderErrMaxRetries:
				return nil, apperror.ErrProviderUnavailable(provider.Name(), err)
			}
		}
		return nil, apperror.InternalError(fmt.Errorf("create checkout: %w", err))
	}
	s.metrics.ObservePayment(string(req.Method), metrics.StatusSuccess)

	if name, ok := packageFor(amount); ok {
		if result.Metadata == nil {
			result.Metadata = make(map[string]string)
		}
		result.Metadata["package"] = name
	}

	if auditErr := s.auditSvc.Record(ctx, rc, &req.AccountID, domain.AuditActionTopupCreated, map[string]string{
		"method":     string(req.Method),
		"amount_usd": amount.String(),
		"payment_id": result.PaymentID,
	}); auditErr != nil {
		s.log.Warn().Err(auditErr).Str("payment_id", result.PaymentID).Msg("failed to audit topup creation")
	}

	s.log.Info().
		Str("request_id", rc.RequestID).
		Str("account_id", req.AccountID.String()).
		Str("method", string(req.Method)).
		Str("amount_usd", amount.String()).
		Str("payment_id", result.PaymentID).
		Msg("topup checkout created")

	return result, nil
}

// HandleWebhook dispatches one raw provider event. Dispositions:
// processed  - a ledger row was written
// ignored    - a genuine event deliberately produced no write
// duplicate  - the event's idempotency key already committed
// error      - verification or processing failed; nothing was written
func (s *PaymentServiceImpl) HandleWebhook(ctx context.Context, rc domain.RequestContext, event domain.WebhookEvent) (ports.WebhookOutcome, *domain.Transaction, error) {
	provider, ok := s.byName[event.Provider]
	if !ok {
		return ports.WebhookError, nil, apperror.ErrValidation(fmt.Sprintf("unknown provider %q", event.Provider))
	}

	txn, err := provider.ProcessWebhook(ctx, rc, event)
	if err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) && appErr.Code == "PAY_003" {
			s.log.Info().
				Str("request_id", rc.RequestID).
				Str("provider", event.Provider).
				Msg("webhook replayed a committed event")
			return ports.WebhookDuplicate, txn, nil
		}
		return ports.WebhookError, nil, err
	}
	if txn == nil {
		return ports.WebhookIgnored, nil, nil
	}
	return ports.WebhookProcessed, txn, nil
}

// GetPaymentStatus routes a status probe to the owning provider. Wallet
// payment ids are the invoice payloads and carry the topup: prefix;
// everything else belongs to the card provider.
func (s *PaymentServiceImpl) GetPaymentStatus(ctx context.Context, paymentID string) (domain.PaymentStatus, error) {
	method := domain.MethodCard
	if strings.HasPrefix(paymentID, "topup:") {
		method = domain.MethodWallet
	}
	return s.byMethod[method].GetPaymentStatus(ctx, paymentID)
}
