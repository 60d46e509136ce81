package handler

import (
	"billing-core/internal/adapter/http/dto"
	"billing-core/internal/core/domain"
	"billing-core/internal/core/ports"
	"billing-core/pkg/apperror"
	"billing-core/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// AccountHandler handles balance and usage queries for the authenticated
// account.
type AccountHandler struct {
	balanceSvc    ports.BalanceService
	usageSvc      ports.UsageService
	creditsPerUSD decimal.Decimal
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(balanceSvc ports.BalanceService, usageSvc ports.UsageService, creditsPerUSD int64) *AccountHandler {
	return &AccountHandler{
		balanceSvc:    balanceSvc,
		usageSvc:      usageSvc,
		creditsPerUSD: decimal.NewFromInt(creditsPerUSD),
	}
}

// GetBalance handles GET /balance. Credits are a display convenience derived
// from the USD balance; the ledger never stores them.
func (h *AccountHandler) GetBalance(c *gin.Context) {
	accountID, ok := accountIDFrom(c)
	if !ok {
		response.Error(c, apperror.ErrUnauthorized())
		return
	}

	balance, err := h.balanceSvc.GetBalance(c.Request.Context(), accountID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, dto.BalanceResponse{
		BalanceUSD: balance.String(),
		Credits:    balance.Mul(h.creditsPerUSD).IntPart(),
	})
}

// GetUsage handles GET /usage?month=YYYY-MM; month defaults to the current
// one.
func (h *AccountHandler) GetUsage(c *gin.Context) {
	accountID, ok := accountIDFrom(c)
	if !ok {
		response.Error(c, apperror.ErrUnauthorized())
		return
	}

	stats, err := h.usageSvc.MonthlyUsage(c.Request.Context(), accountID, c.Query("month"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, toUsageResponse(stats))
}

func toUsageResponse(stats *domain.UsageStats) dto.UsageResponse {
	resp := dto.UsageResponse{
		Month:     stats.Month,
		Requests:  stats.Requests,
		CostUSD:   stats.CostUSD.String(),
		ByProduct: make([]dto.ProductUsageResponse, 0, len(stats.ByProduct)),
	}
	for _, p := range stats.ByProduct {
		resp.ByProduct = append(resp.ByProduct, dto.ProductUsageResponse{
			ProductID: p.ProductID,
			Requests:  p.Requests,
			Units:     p.Units,
			CostUSD:   p.CostUSD.String(),
		})
	}
	return resp
}
