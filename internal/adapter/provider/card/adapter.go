package card

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"billing-core/internal/core/domain"
	"billing-core/internal/core/ports"
	"billing-core/internal/metrics"
	"billing-core/pkg/apperror"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	providerName = "card"

	// replayWindow bounds how old (or future-dated) a webhook timestamp may
	// be relative to receipt.
	replayWindow = 5 * time.Minute

	// processedEventTTL keeps provider event ids in the fast duplicate
	// layer; the ledger unique index covers everything beyond it.
	processedEventTTL = 7 * 24 * time.Hour
)

// Adapter implements ports.PaymentProvider for the hosted card checkout.
type Adapter struct {
	client        *Client
	balanceSvc    ports.BalanceService
	events        ports.ProcessedEventStore
	notifier      ports.Notifier
	metrics       *metrics.Metrics
	webhookSecret []byte
	log           zerolog.Logger
}

// NewAdapter creates a card Adapter.
func NewAdapter(
	client *Client,
	balanceSvc ports.BalanceService,
	events ports.ProcessedEventStore,
	notifier ports.Notifier,
	m *metrics.Metrics,
	webhookSecret string,
	log zerolog.Logger,
) *Adapter {
	return &Adapter{
		client:        client,
		balanceSvc:    balanceSvc,
		events:        events,
		notifier:      notifier,
		metrics:       m,
		webhookSecret: []byte(webhookSecret),
		log:           log,
	}
}

// Name implements ports.PaymentProvider.
func (a *Adapter) Name() string { return providerName }

type checkoutRequest struct {
	AmountUSD  string `json:"amount_usd"`
	Currency   string `json:"currency"`
	CustomData string `json:"custom_data"`
	SuccessURL string `json:"success_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
}

type transactionEnvelope struct {
	Data struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		CheckoutURL string `json:"checkout_url"`
	} `json:"data"`
}

// CreateCheckout opens a hosted checkout session. The custom data travels
// as a JSON string and comes back verbatim on the webhook, so the credit is
// reconstructed from data we signed off on, not client input.
func (a *Adapter) CreateCheckout(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutResult, error) {
	custom, err := json.Marshal(domain.CustomData{
		AccountRef:     req.AccountRef,
		IdempotencyKey: req.IdempotencyKey,
		AmountUSD:      req.AmountUSD.String(),
	})
	if err != nil {
		return nil, domain.NewProviderError(providerName, domain.ProviderErrClient, "marshal custom data", err)
	}

	body, err := a.client.Post(ctx, "/transactions", req.IdempotencyKey, checkoutRequest{
		AmountUSD:  req.AmountUSD.String(),
		Currency:   "USD",
		CustomData: string(custom),
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		return nil, err
	}

	var resp transactionEnvelope
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.NewProviderError(providerName, domain.ProviderErrServer, "decode checkout response", err)
	}

	return &domain.CheckoutResult{
		PaymentID:   resp.Data.ID,
		Status:      mapStatus(resp.Data.Status),
		CheckoutURL: resp.Data.CheckoutURL,
	}, nil
}

// parseSignatureHeader splits ts=<unix>;h1=<hex-hmac>.
func parseSignatureHeader(header string) (ts int64, mac string, err error) {
	for _, part := range strings.Split(header, ";") {
		key, value, found := strings.Cut(part, "=")
		if !found {
			return 0, "", fmt.Errorf("malformed signature element %q", part)
		}
		switch key {
		case "ts":
			ts, err = strconv.ParseInt(value, 10, 64)
			if err != nil {
				return 0, "", fmt.Errorf("malformed timestamp: %w", err)
			}
		case "h1":
			mac = value
		}
	}
	if ts == 0 || mac == "" {
		return 0, "", errors.New("signature missing ts or h1")
	}
	return ts, mac, nil
}

// VerifyWebhook checks the HMAC over "<ts>:<raw body>" and bounds the
// timestamp to the replay window. Always computed on the raw received
// bytes, compared in constant time.
func (a *Adapter) VerifyWebhook(event domain.WebhookEvent) error {
	ts, theirMAC, err := parseSignatureHeader(event.Signature)
	if err != nil {
		return apperror.ErrInvalidSignature()
	}

	age := event.ReceivedAt.Sub(time.Unix(ts, 0))
	if age > replayWindow || age < -replayWindow {
		return apperror.ErrReplayedWebhook()
	}

	mac := hmac.New(sha256.New, a.webhookSecret)
	fmt.Fprintf(mac, "%d:", ts)
	mac.Write(event.RawBody)
	ours := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(ours), []byte(theirMAC)) {
		return apperror.ErrInvalidSignature()
	}
	return nil
}

type webhookPayload struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Data      struct {
		ID         string          `json:"id"`
		Status     string          `json:"status"`
		CustomData json.RawMessage `json:"custom_data"`
	} `json:"data"`
}

// parseCustomData accepts the custom data either as an object or as the
// JSON string we originally sent.
func parseCustomData(raw json.RawMessage) (*domain.CustomData, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var custom domain.CustomData
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, err
		}
		raw = json.RawMessage(inner)
	}
	if err := json.Unmarshal(raw, &custom); err != nil {
		return nil, err
	}
	return &custom, nil
}

// ProcessWebhook verifies and settles one provider callback.
func (a *Adapter) ProcessWebhook(ctx context.Context, rc domain.RequestContext, event domain.WebhookEvent) (*domain.Transaction, error) {
	if err := a.VerifyWebhook(event); err != nil {
		a.metrics.ObserveWebhook(providerName, "unknown", metrics.StatusInvalid)
		return nil, err
	}

	var payload webhookPayload
	if err := json.Unmarshal(event.RawBody, &payload); err != nil {
		a.metrics.ObserveWebhook(providerName, "unknown", metrics.StatusError)
		return nil, apperror.ErrValidation("webhook body is not valid JSON")
	}

	// Fast duplicate layer; unavailability degrades to the ledger's unique
	// index.
	seen, err := a.events.Seen(ctx, providerName, payload.EventID)
	if err != nil {
		a.log.Warn().Err(err).Str("event_id", payload.EventID).Msg("processed-event check failed, relying on ledger")
	}
	if seen {
		a.metrics.ObserveWebhook(providerName, payload.EventType, metrics.StatusDuplicate)
		return nil, apperror.ErrDuplicatePayment(domain.EventIdempotencyKey(payload.EventID))
	}

	switch payload.EventType {
	case "transaction.completed":
		return a.settleTopup(ctx, rc, payload)
	case "transaction.refunded":
		return a.settleRefund(ctx, rc, payload)
	case "transaction.payment_failed":
		a.notifyFailure(ctx, rc, payload)
		a.metrics.ObserveWebhook(providerName, payload.EventType, metrics.StatusIgnored)
		return nil, nil
	default:
		a.log.Debug().Str("event_type", payload.EventType).Msg("unhandled webhook event type")
		a.metrics.ObserveWebhook(providerName, payload.EventType, metrics.StatusIgnored)
		return nil, nil
	}
}

func (a *Adapter) settleTopup(ctx context.Context, rc domain.RequestContext, payload webhookPayload) (*domain.Transaction, error) {
	custom, err := parseCustomData(payload.Data.CustomData)
	if err != nil || custom == nil || custom.AccountRef == "" {
		// A checkout we did not create (or created before custom data was
		// wired) cannot be credited to anyone. Acknowledge and move on.
		a.log.Warn().
			Str("event_id", payload.EventID).
			Str("transaction_id", payload.Data.ID).
			Msg("completed transaction without account reference, ignoring")
		a.metrics.ObserveWebhook(providerName, payload.EventType, metrics.StatusIgnored)
		return nil, nil
	}

	amount, err := domain.ParseUSD(custom.AmountUSD)
	if err != nil || !amount.IsPositive() {
		a.metrics.ObserveWebhook(providerName, payload.EventType, metrics.StatusError)
		return nil, apperror.ErrValidation(fmt.Sprintf("webhook amount %q is not a positive decimal", custom.AmountUSD))
	}

	account, err := a.balanceSvc.ResolveAccount(ctx, custom.AccountRef)
	if err != nil {
		a.metrics.ObserveWebhook(providerName, payload.EventType, metrics.StatusError)
		return nil, err
	}

	key := custom.IdempotencyKey
	if key == "" {
		key = domain.EventIdempotencyKey(payload.EventID)
	}

	txn, err := a.balanceSvc.Apply(ctx, rc, ports.ApplyRequest{
		AccountID:      account.ID,
		Delta:          amount,
		Type:           domain.TransactionTypeTopup,
		Source:         providerName + ":" + payload.EventID,
		ExternalID:     &payload.Data.ID,
		IdempotencyKey: key,
		Metadata:       map[string]string{"event_type": payload.EventType},
	})
	if err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) && appErr.Code == "PAY_003" {
			a.markProcessed(ctx, payload.EventID)
			a.metrics.ObserveWebhook(providerName, payload.EventType, metrics.StatusDuplicate)
			return txn, err
		}
		a.metrics.ObserveWebhook(providerName, payload.EventType, metrics.StatusError)
		return nil, err
	}

	a.markProcessed(ctx, payload.EventID)
	a.metrics.ObserveWebhook(providerName, payload.EventType, metrics.StatusSuccess)
	a.notifier.NotifySuccess(rc, account, amount, txn.BalanceAfter)
	return txn, nil
}

func (a *Adapter) settleRefund(ctx context.Context, rc domain.RequestContext, payload webhookPayload) (*domain.Transaction, error) {
	custom, err := parseCustomData(payload.Data.CustomData)
	if err != nil || custom == nil || custom.AccountRef == "" {
		a.metrics.ObserveWebhook(providerName, payload.EventType, metrics.StatusIgnored)
		return nil, nil
	}

	amount, err := domain.ParseUSD(custom.AmountUSD)
	if err != nil || !amount.IsPositive() {
		a.metrics.ObserveWebhook(providerName, payload.EventType, metrics.StatusError)
		return nil, apperror.ErrValidation(fmt.Sprintf("webhook amount %q is not a positive decimal", custom.AmountUSD))
	}

	account, err := a.balanceSvc.ResolveAccount(ctx, custom.AccountRef)
	if err != nil {
		a.metrics.ObserveWebhook(providerName, payload.EventType, metrics.StatusError)
		return nil, err
	}

	txn, err := a.balanceSvc.Apply(ctx, rc, ports.ApplyRequest{
		AccountID:      account.ID,
		Delta:          amount.Neg(),
		Type:           domain.TransactionTypeRefund,
		Source:         providerName + ":" + payload.EventID,
		ExternalID:     &payload.Data.ID,
		IdempotencyKey: domain.RefundEventIdempotencyKey(payload.EventID),
		Metadata:       map[string]string{"event_type": payload.EventType},
	})
	if err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) && appErr.Code == "PAY_003" {
			a.markProcessed(ctx, payload.EventID)
			a.metrics.ObserveWebhook(providerName, payload.EventType, metrics.StatusDuplicate)
			return txn, err
		}
		a.metrics.ObserveWebhook(providerName, payload.EventType, metrics.StatusError)
		return nil, err
	}

	a.markProcessed(ctx, payload.EventID)
	a.metrics.ObserveWebhook(providerName, payload.EventType, metrics.StatusSuccess)
	return txn, nil
}

func (a *Adapter) notifyFailure(ctx context.Context, rc domain.RequestContext, payload webhookPayload) {
	custom, err := parseCustomData(payload.Data.CustomData)
	if err != nil || custom == nil || custom.AccountRef == "" {
		return
	}
	account, err := a.balanceSvc.ResolveAccount(ctx, custom.AccountRef)
	if err != nil {
		return
	}
	a.notifier.NotifyFailure(rc, account, "card payment declined")
}

func (a *Adapter) markProcessed(ctx context.Context, eventID string) {
	if err := a.events.Mark(ctx, providerName, eventID, processedEventTTL); err != nil {
		a.log.Warn().Err(err).Str("event_id", eventID).Msg("failed to mark event processed")
	}
}

// GetPaymentStatus probes one checkout's current state.
func (a *Adapter) GetPaymentStatus(ctx context.Context, paymentID string) (domain.PaymentStatus, error) {
	body, err := a.client.Get(ctx, "/transactions/"+paymentID)
	if err != nil {
		var provErr *domain.ProviderError
		if errors.As(err, &provErr) && provErr.Code == domain.ProviderErrNotFound {
			return domain.PaymentStatusUnknown, err
		}
		return domain.PaymentStatusUnknown, err
	}

	var resp transactionEnvelope
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.PaymentStatusUnknown, domain.NewProviderError(providerName, domain.ProviderErrServer, "decode status response", err)
	}
	return mapStatus(resp.Data.Status), nil
}

// Refund reverses a payment on the provider side. The ledger debit happens
// when the provider confirms via the transaction.refunded webhook, never
// here.
func (a *Adapter) Refund(ctx context.Context, paymentID string, amount *decimal.Decimal) error {
	payload := map[string]string{"action": "refund"}
	if amount != nil {
		payload["amount_usd"] = amount.String()
	}
	_, err := a.client.Post(ctx, "/transactions/"+paymentID+"/refund", "refund_"+paymentID, payload)
	return err
}

func mapStatus(status string) domain.PaymentStatus {
	switch status {
	case "completed", "paid":
		return domain.PaymentStatusCompleted
	case "created", "ready", "billed", "pending":
		return domain.PaymentStatusPending
	case "canceled", "failed", "past_due":
		return domain.PaymentStatusFailed
	case "refunded", "partially_refunded":
		return domain.PaymentStatusRefunded
	default:
		return domain.PaymentStatusUnknown
	}
}
