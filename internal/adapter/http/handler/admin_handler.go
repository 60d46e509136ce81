package handler

import (
	"billing-core/internal/adapter/http/dto"
	"billing-core/internal/adapter/http/middleware"
	"billing-core/internal/core/domain"
	"billing-core/internal/core/ports"
	"billing-core/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AdminHandler serves system-wide aggregates.
type AdminHandler struct {
	reportingSvc ports.ReportingService
	auditSvc     ports.AuditService
	log          zerolog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(reportingSvc ports.ReportingService, auditSvc ports.AuditService, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{reportingSvc: reportingSvc, auditSvc: auditSvc, log: log}
}

// GetStats handles GET /admin/stats. Reads are audited best-effort; a
// failed audit write never blocks the response.
func (h *AdminHandler) GetStats(c *gin.Context) {
	rc := middleware.GetRequestContext(c)

	stats, err := h.reportingSvc.AdminStats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}

	if auditErr := h.auditSvc.Record(c.Request.Context(), rc, nil, domain.AuditActionAdminStats, nil); auditErr != nil {
		h.log.Warn().Err(auditErr).Str("request_id", rc.RequestID).Msg("failed to audit admin stats read")
	}

	byType := make(map[string]int64, len(stats.TransactionsByType))
	for txType, count := range stats.TransactionsByType {
		byType[string(txType)] = count
	}

	response.OK(c, dto.AdminStatsResponse{
		Accounts:           stats.Accounts,
		TotalBalanceUSD:    stats.TotalBalanceUSD.String(),
		TransactionsByType: byType,
		UsageRequests30d:   stats.UsageRequests30d,
		UsageCost30dUSD:    stats.UsageCost30dUSD.String(),
	})
}
