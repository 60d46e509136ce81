package handler

import (
	"io"
	"strconv"

	"billing-core/internal/adapter/http/middleware"
	"billing-core/internal/core/ports"
	"billing-core/pkg/apperror"
	"billing-core/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const (
	// HeaderIdempotencyKey is the client-supplied request id every settlement
	// key derives from. Mandatory: without it a retried request double-bills.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderEstimatedUnits overrides the provisional charge estimate.
	HeaderEstimatedUnits = "X-Estimated-Units"
	// HeaderUnitsCharged reports the settled unit count back to the client.
	HeaderUnitsCharged = "X-Units-Charged"
)

// ProxyHandler is the metered pass-through: charge a provisional estimate,
// invoke the upstream, then settle against the actual unit count (or refund
// on upstream failure).
type ProxyHandler struct {
	usageSvc ports.UsageService
	upstream ports.Upstream
	log      zerolog.Logger
}

// NewProxyHandler creates a new ProxyHandler.
func NewProxyHandler(usageSvc ports.UsageService, upstream ports.Upstream, log zerolog.Logger) *ProxyHandler {
	return &ProxyHandler{usageSvc: usageSvc, upstream: upstream, log: log}
}

// Invoke handles POST /proxy/:product_id.
func (h *ProxyHandler) Invoke(c *gin.Context) {
	accountID, ok := accountIDFrom(c)
	if !ok {
		response.Error(c, apperror.ErrUnauthorized())
		return
	}
	rc := middleware.GetRequestContext(c)

	productID := c.Param("product_id")
	requestID := c.GetHeader(HeaderIdempotencyKey)
	if requestID == "" {
		response.Error(c, apperror.ErrValidation("Idempotency-Key header is required"))
		return
	}

	estimated := int64(1)
	if raw := c.GetHeader(HeaderEstimatedUnits); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			response.Error(c, apperror.ErrValidation("X-Estimated-Units must be a positive integer"))
			return
		}
		estimated = parsed
	}

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		response.Error(c, apperror.ErrValidation("cannot read request body"))
		return
	}

	// Provisional charge before touching the upstream. An insufficient
	// balance stops the request here, before any upstream cost is incurred.
	if _, err := h.usageSvc.Charge(c.Request.Context(), rc, ports.UsageCharge{
		AccountID: accountID,
		ProductID: productID,
		Units:     estimated,
		RequestID: requestID,
	}); err != nil {
		response.Error(c, err)
		return
	}

	settlement := ports.Settlement{
		AccountID:      accountID,
		ProductID:      productID,
		RequestID:      requestID,
		EstimatedUnits: estimated,
	}

	result, err := h.upstream.Invoke(c.Request.Context(), productID, payload)
	if err != nil {
		// The upstream produced nothing; hand the provisional charge back.
		if _, refundErr := h.usageSvc.RefundCharge(c.Request.Context(), rc, settlement); refundErr != nil {
			h.log.Error().Err(refundErr).
				Str("request_id", rc.RequestID).
				Str("product_id", productID).
				Msg("failed to refund provisional charge after upstream failure")
		}
		response.Error(c, apperror.ErrProviderUnavailable("upstream", err))
		return
	}

	settlement.ActualUnits = result.Units
	if _, settleErr := h.usageSvc.Settle(c.Request.Context(), rc, settlement); settleErr != nil {
		// The upstream result is already in hand; a failed adjustment is a
		// billing drift to reconcile, not a reason to drop the response.
		h.log.Error().Err(settleErr).
			Str("request_id", rc.RequestID).
			Str("product_id", productID).
			Int64("estimated_units", estimated).
			Int64("actual_units", result.Units).
			Msg("failed to settle usage charge")
	}

	c.Header(HeaderUnitsCharged, strconv.FormatInt(result.Units, 10))
	c.Data(result.StatusCode, "application/json", result.Body)
}
