package wallet

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"billing-core/internal/core/domain"
	"billing-core/internal/core/ports"
	"billing-core/internal/metrics"
	"billing-core/pkg/apperror"
	"billing-core/pkg/logger"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	providerName = "wallet"

	defaultBotAPIBase = "https://api.telegram.org"

	// pendingTTL bounds how long an issued invoice stays payable with its
	// original USD amount attached. After expiry the credit falls back to
	// the star conversion.
	pendingTTL = time.Hour

	processedEventTTL = 7 * 24 * time.Hour
)

// Adapter implements ports.PaymentProvider over the chat platform's star
// payments. There is no checkout URL; CreateCheckout returns an invoice
// blob for the framing bot to render, and the platform calls back with a
// pre-checkout query followed by a successful-payment update.
type Adapter struct {
	balanceSvc ports.BalanceService
	pending    ports.PendingPaymentStore
	events     ports.ProcessedEventStore
	notifier   ports.Notifier
	metrics    *metrics.Metrics
	botToken   string
	apiBase    string
	http       *http.Client
	log        zerolog.Logger
}

// NewAdapter creates a wallet Adapter. apiBase and client may be empty/nil
// for the defaults.
func NewAdapter(
	balanceSvc ports.BalanceService,
	pending ports.PendingPaymentStore,
	events ports.ProcessedEventStore,
	notifier ports.Notifier,
	m *metrics.Metrics,
	botToken, apiBase string,
	client *http.Client,
	log zerolog.Logger,
) *Adapter {
	if apiBase == "" {
		apiBase = defaultBotAPIBase
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Adapter{
		balanceSvc: balanceSvc,
		pending:    pending,
		events:     events,
		notifier:   notifier,
		metrics:    m,
		botToken:   botToken,
		apiBase:    apiBase,
		http:       client,
		log:        log,
	}
}

// Name implements ports.PaymentProvider.
func (a *Adapter) Name() string { return providerName }

// webhookSecretToken derives the shared secret the platform echoes in its
// webhook header from the bot token, so no second secret needs managing.
func webhookSecretToken(botToken string) string {
	mac := hmac.New(sha256.New, []byte(botToken))
	mac.Write([]byte("wallet-webhook"))
	return hex.EncodeToString(mac.Sum(nil))
}

// CreateCheckout issues a star invoice blob. The payload binds the invoice
// to the account and is the payment id for status probes.
func (a *Adapter) CreateCheckout(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutResult, error) {
	stars := UsdToStars(req.AmountUSD)
	if stars <= 0 {
		return nil, domain.NewProviderError(providerName, domain.ProviderErrClient,
			fmt.Sprintf("amount %s converts to zero stars", req.AmountUSD), nil)
	}

	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return nil, domain.NewProviderError(providerName, domain.ProviderErrServer, "generate payload nonce", err)
	}
	payload := fmt.Sprintf("topup:%s:%d:%s", req.AccountRef, time.Now().Unix(), hex.EncodeToString(nonce))

	if err := a.pending.Put(ctx, payload, domain.PendingPayment{
		AccountID:  req.AccountID,
		AccountRef: req.AccountRef,
		Stars:      stars,
		USDAmount:  req.AmountUSD,
	}, pendingTTL); err != nil {
		// Pre-checkout rejects invoices without a live pending entry, so
		// an invoice we cannot record must not be issued.
		return nil, domain.NewProviderError(providerName, domain.ProviderErrServer, "store pending payment", err)
	}

	expiresAt := time.Now().Add(pendingTTL)
	return &domain.CheckoutResult{
		PaymentID: payload,
		Status:    domain.PaymentStatusPending,
		InvoiceBlob: &domain.InvoiceBlob{
			Title:       "Account top-up",
			Description: fmt.Sprintf("$%s balance top-up", req.AmountUSD.StringFixed(2)),
			Payload:     payload,
			Currency:    "XTR",
			Amount:      stars,
		},
		ExpiresAt: &expiresAt,
	}, nil
}

// VerifyWebhook compares the platform's secret-token header against the
// derived token in constant time.
func (a *Adapter) VerifyWebhook(event domain.WebhookEvent) error {
	expected := webhookSecretToken(a.botToken)
	if !hmac.Equal([]byte(event.Signature), []byte(expected)) {
		return apperror.ErrInvalidSignature()
	}
	return nil
}

type walletUpdate struct {
	PreCheckoutQuery *struct {
		ID             string `json:"id"`
		From           struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Currency       string `json:"currency"`
		TotalAmount    int64  `json:"total_amount"`
		InvoicePayload string `json:"invoice_payload"`
	} `json:"pre_checkout_query"`
	Message *struct {
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
		SuccessfulPayment *struct {
			Currency       string `json:"currency"`
			TotalAmount    int64  `json:"total_amount"`
			InvoicePayload string `json:"invoice_payload"`
			ChargeID       string `json:"telegram_payment_charge_id"`
		} `json:"successful_payment"`
	} `json:"message"`
}

// ProcessWebhook handles the two platform callbacks of a star payment:
// the pre-checkout approval gate and the successful-payment settlement.
func (a *Adapter) ProcessWebhook(ctx context.Context, rc domain.RequestContext, event domain.WebhookEvent) (*domain.Transaction, error) {
	if err := a.VerifyWebhook(event); err != nil {
		a.metrics.ObserveWebhook(providerName, "unknown", metrics.StatusInvalid)
		return nil, err
	}

	var update walletUpdate
	if err := json.Unmarshal(event.RawBody, &update); err != nil {
		a.metrics.ObserveWebhook(providerName, "unknown", metrics.StatusError)
		return nil, apperror.ErrValidation("webhook body is not valid JSON")
	}

	switch {
	case update.PreCheckoutQuery != nil:
		return nil, a.handlePreCheckout(ctx, update)
	case update.Message != nil && update.Message.SuccessfulPayment != nil:
		return a.settlePayment(ctx, rc, update)
	default:
		a.metrics.ObserveWebhook(providerName, "update", metrics.StatusIgnored)
		return nil, nil
	}
}

// foreignPayer reports whether the invoice was issued for a chat identity
// other than the payer. Dashboard-issued invoices carry opaque refs and
// bind to no chat identity.
func foreignPayer(accountRef string, payerID int64) bool {
	id, err := strconv.ParseInt(accountRef, 10, 64)
	return err == nil && id != payerID
}

// handlePreCheckout approves or rejects the payment before the platform
// captures it. The answer must reach the bot API within the platform's
// deadline; rejection text is user-facing.
func (a *Adapter) handlePreCheckout(ctx context.Context, update walletUpdate) error {
	q := update.PreCheckoutQuery

	ok := true
	reason := ""
	switch {
	case q.Currency != "XTR":
		ok, reason = false, "Unsupported currency"
	case !strings.HasPrefix(q.InvoicePayload, "topup:"):
		ok, reason = false, "Unknown invoice"
	default:
		pending, err := a.pending.Get(ctx, q.InvoicePayload)
		switch {
		case err != nil:
			// Cannot verify; the payment must not be captured.
			a.log.Warn().Err(err).Msg("pending payment lookup failed during pre-checkout")
			ok, reason = false, "Payment session expired"
		case pending == nil:
			ok, reason = false, "Payment session expired"
		case pending.Stars != q.TotalAmount:
			ok, reason = false, "Invoice amount mismatch"
		case foreignPayer(pending.AccountRef, q.From.ID):
			ok, reason = false, "Invalid payment. User mismatch."
		}
	}

	status := metrics.StatusSuccess
	if !ok {
		status = metrics.StatusError
	}
	a.metrics.ObserveWebhook(providerName, "pre_checkout", status)

	return a.answerPreCheckout(ctx, q.ID, ok, reason)
}

func (a *Adapter) settlePayment(ctx context.Context, rc domain.RequestContext, update walletUpdate) (*domain.Transaction, error) {
	sp := update.Message.SuccessfulPayment
	const eventType = "successful_payment"

	if sp.Currency != "XTR" {
		a.metrics.ObserveWebhook(providerName, eventType, metrics.StatusIgnored)
		return nil, nil
	}

	seen, err := a.events.Seen(ctx, providerName, sp.ChargeID)
	if err != nil {
		a.log.Warn().Err(err).Str("charge_id", sp.ChargeID).Msg("processed-event check failed, relying on ledger")
	}
	if seen {
		a.metrics.ObserveWebhook(providerName, eventType, metrics.StatusDuplicate)
		return nil, apperror.ErrDuplicatePayment(domain.EventIdempotencyKey(sp.ChargeID))
	}

	pending, err := a.pending.Get(ctx, sp.InvoicePayload)
	if err != nil {
		a.log.Warn().Err(err).Msg("pending payment lookup failed")
	}

	// Prefer the exact USD amount bound at invoice creation; an expired
	// pending entry degrades to the star conversion.
	amount := StarsToUsd(sp.TotalAmount)
	accountRef := ""
	if pending != nil {
		amount = pending.USDAmount
		accountRef = pending.AccountID.String()
	} else if parts := strings.SplitN(sp.InvoicePayload, ":", 4); len(parts) == 4 && parts[0] == "topup" {
		accountRef = parts[1]
	}
	if accountRef == "" {
		// Last resort: the paying chat identity.
		accountRef = fmt.Sprintf("%d", update.Message.From.ID)
	}

	account, err := a.balanceSvc.ResolveAccount(ctx, accountRef)
	if err != nil {
		a.metrics.ObserveWebhook(providerName, eventType, metrics.StatusError)
		return nil, err
	}

	txn, err := a.balanceSvc.Apply(ctx, rc, ports.ApplyRequest{
		AccountID:      account.ID,
		Delta:          amount,
		Type:           domain.TransactionTypeTopup,
		Source:         providerName + ":" + sp.ChargeID,
		ExternalID:     &sp.ChargeID,
		IdempotencyKey: domain.EventIdempotencyKey(sp.ChargeID),
		Metadata: map[string]string{
			"stars":   fmt.Sprintf("%d", sp.TotalAmount),
			"payload": sp.InvoicePayload,
		},
	})
	if err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) && appErr.Code == "PAY_003" {
			a.markProcessed(ctx, sp.ChargeID)
			a.metrics.ObserveWebhook(providerName, eventType, metrics.StatusDuplicate)
			return txn, err
		}
		a.metrics.ObserveWebhook(providerName, eventType, metrics.StatusError)
		return nil, err
	}

	a.markProcessed(ctx, sp.ChargeID)
	if delErr := a.pending.Delete(ctx, sp.InvoicePayload); delErr != nil {
		a.log.Warn().Err(delErr).Msg("failed to delete settled pending payment")
	}
	a.metrics.ObserveWebhook(providerName, eventType, metrics.StatusSuccess)
	a.notifier.NotifySuccess(rc, account, amount, txn.BalanceAfter)
	return txn, nil
}

func (a *Adapter) markProcessed(ctx context.Context, chargeID string) {
	if err := a.events.Mark(ctx, providerName, chargeID, processedEventTTL); err != nil {
		a.log.Warn().Err(err).Str("charge_id", chargeID).Msg("failed to mark charge processed")
	}
}

// answerPreCheckout posts the approval decision to the bot API.
func (a *Adapter) answerPreCheckout(ctx context.Context, queryID string, ok bool, reason string) error {
	payload := map[string]any{
		"pre_checkout_query_id": queryID,
		"ok":                    ok,
	}
	if !ok {
		payload["error_message"] = reason
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("marshal answer: %w", err))
	}

	url := fmt.Sprintf("%s/bot%s/answerPreCheckoutQuery", a.apiBase, a.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return apperror.InternalError(fmt.Errorf("build answer request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return apperror.InternalError(fmt.Errorf("answer pre-checkout: %s", logger.RedactSecret(err.Error(), a.botToken)))
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return apperror.InternalError(fmt.Errorf("answer pre-checkout: bot api status %d", resp.StatusCode))
	}
	return nil
}

// GetPaymentStatus reports pending while the invoice is live. Settled
// invoices leave the volatile store; their outcome lives in the ledger.
func (a *Adapter) GetPaymentStatus(ctx context.Context, paymentID string) (domain.PaymentStatus, error) {
	pending, err := a.pending.Get(ctx, paymentID)
	if err != nil {
		return domain.PaymentStatusUnknown, apperror.ErrCacheUnavailable(err)
	}
	if pending != nil {
		return domain.PaymentStatusPending, nil
	}
	return domain.PaymentStatusUnknown, nil
}

// Refund implements ports.PaymentProvider. Star payments cannot be
// refunded programmatically.
func (a *Adapter) Refund(_ context.Context, paymentID string, _ *decimal.Decimal) error {
	return domain.NewProviderError(providerName, domain.ProviderErrClient,
		fmt.Sprintf("star payment %s cannot be refunded via the api", paymentID), nil)
}
