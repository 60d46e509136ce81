package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"billing-core/internal/adapter/http/middleware"
	"billing-core/internal/core/domain"
	"billing-core/internal/core/ports"
	"billing-core/pkg/apperror"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	// HeaderCardSignature carries the card provider's ts/h1 signature.
	HeaderCardSignature = "Webhook-Signature"
	// HeaderWalletSecretToken carries the chat platform's echoed secret.
	HeaderWalletSecretToken = "X-Telegram-Bot-Api-Secret-Token"
)

// WebhookHandler receives raw provider callbacks. Responses are plain bodies
// rather than the user-API envelope; providers only care about the status
// code and retry on 5xx.
type WebhookHandler struct {
	paymentSvc ports.PaymentService
	log        zerolog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(paymentSvc ports.PaymentService, log zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{paymentSvc: paymentSvc, log: log}
}

// Card handles POST /webhooks/card.
func (h *WebhookHandler) Card(c *gin.Context) {
	h.handle(c, domain.MethodCard, c.GetHeader(HeaderCardSignature))
}

// Wallet handles POST /webhooks/wallet.
func (h *WebhookHandler) Wallet(c *gin.Context) {
	h.handle(c, domain.MethodWallet, c.GetHeader(HeaderWalletSecretToken))
}

func (h *WebhookHandler) handle(c *gin.Context, provider domain.PaymentMethod, signature string) {
	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "cannot read body"})
		return
	}

	event := domain.WebhookEvent{
		Provider:   string(provider),
		RawBody:    rawBody,
		Signature:  signature,
		ReceivedAt: time.Now(),
	}

	outcome, txn, err := h.paymentSvc.HandleWebhook(c.Request.Context(), middleware.GetRequestContext(c), event)
	switch outcome {
	case ports.WebhookProcessed:
		c.JSON(http.StatusOK, gin.H{"status": "processed", "transaction_id": strconv.FormatInt(txn.ID, 10)})
	case ports.WebhookDuplicate:
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
	case ports.WebhookIgnored:
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	default:
		h.respondError(c, provider, err)
	}
}

// respondError distinguishes rejection from failure. A bad signature or a
// replayed timestamp gets a 200 so the provider stops retrying a request
// that will never verify; anything else gets a 500 so it retries.
func (h *WebhookHandler) respondError(c *gin.Context, provider domain.PaymentMethod, err error) {
	if isSignatureError(err) {
		h.log.Warn().
			Str("provider", string(provider)).
			Str("client_ip", c.ClientIP()).
			Msg("webhook rejected: invalid signature")
		c.JSON(http.StatusOK, gin.H{"status": "error", "message": "Invalid signature"})
		return
	}

	h.log.Error().Err(err).Str("provider", string(provider)).Msg("webhook processing failed")
	c.JSON(http.StatusInternalServerError, gin.H{"status": "error"})
}

func isSignatureError(err error) bool {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == "SEC_001" || appErr.Code == "SEC_002"
}
