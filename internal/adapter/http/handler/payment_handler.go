package handler

import (
	"time"

	"billing-core/internal/adapter/http/dto"
	"billing-core/internal/adapter/http/middleware"
	"billing-core/internal/core/domain"
	"billing-core/internal/core/ports"
	"billing-core/pkg/apperror"
	"billing-core/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// PaymentHandler handles top-up checkout endpoints.
type PaymentHandler struct {
	paymentSvc ports.PaymentService
	// Defaults applied when the client supplies no return URLs.
	successURL string
	cancelURL  string
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(paymentSvc ports.PaymentService, successURL, cancelURL string) *PaymentHandler {
	return &PaymentHandler{paymentSvc: paymentSvc, successURL: successURL, cancelURL: cancelURL}
}

// Topup handles POST /payment/topup.
func (h *PaymentHandler) Topup(c *gin.Context) {
	accountID, ok := accountIDFrom(c)
	if !ok {
		response.Error(c, apperror.ErrUnauthorized())
		return
	}

	var req dto.TopupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.ErrValidation(err.Error()))
		return
	}

	amount, err := domain.ParseUSD(req.AmountUSD)
	if err != nil {
		response.Error(c, apperror.ErrValidation("amount_usd is not a valid decimal"))
		return
	}
	method, err := domain.ParsePaymentMethod(req.Method)
	if err != nil {
		response.Error(c, apperror.ErrValidation(err.Error()))
		return
	}

	topup := ports.TopupRequest{
		AccountID:  accountID,
		AccountRef: accountID.String(),
		AmountUSD:  amount,
		Method:     method,
		SuccessURL: h.successURL,
		CancelURL:  h.cancelURL,
	}
	if req.SuccessURL != nil {
		topup.SuccessURL = *req.SuccessURL
	}
	if req.CancelURL != nil {
		topup.CancelURL = *req.CancelURL
	}

	result, err := h.paymentSvc.CreateTopup(c.Request.Context(), middleware.GetRequestContext(c), topup)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, toCheckoutResponse(result))
}

// GetPayment handles GET /payment/:id.
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	paymentID := c.Param("id")
	if paymentID == "" {
		response.Error(c, apperror.ErrValidation("payment id is required"))
		return
	}

	status, err := h.paymentSvc.GetPaymentStatus(c.Request.Context(), paymentID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.PaymentStatusResponse{
		PaymentID: paymentID,
		Status:    string(status),
	})
}

// toCheckoutResponse converts domain.CheckoutResult to DTO.
func toCheckoutResponse(result *domain.CheckoutResult) dto.CheckoutResponse {
	resp := dto.CheckoutResponse{
		PaymentID:   result.PaymentID,
		Status:      string(result.Status),
		CheckoutURL: result.CheckoutURL,
	}
	if result.InvoiceBlob != nil {
		resp.InvoiceBlob = &dto.InvoiceBlobResponse{
			Title:       result.InvoiceBlob.Title,
			Description: result.InvoiceBlob.Description,
			Payload:     result.InvoiceBlob.Payload,
			Currency:    result.InvoiceBlob.Currency,
			Amount:      result.InvoiceBlob.Amount,
		}
	}
	if result.ExpiresAt != nil {
		s := result.ExpiresAt.UTC().Format(time.RFC3339)
		resp.ExpiresAt = &s
	}
	return resp
}

// accountIDFrom reads the authenticated account id bound by the auth
// middleware.
func accountIDFrom(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(middleware.CtxAccountID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}
