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
)

// APIKeyHandler handles API-key lifecycle endpoints. All of them require a
// dashboard session; keys cannot manage keys.
type APIKeyHandler struct {
	keySvc ports.APIKeyService
}

// NewAPIKeyHandler creates a new APIKeyHandler.
func NewAPIKeyHandler(keySvc ports.APIKeyService) *APIKeyHandler {
	return &APIKeyHandler{keySvc: keySvc}
}

// Create handles POST /api_keys. The raw key in the response is shown
// exactly once.
func (h *APIKeyHandler) Create(c *gin.Context) {
	accountID, ok := accountIDFrom(c)
	if !ok {
		response.Error(c, apperror.ErrUnauthorized())
		return
	}

	var req dto.CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.ErrValidation(err.Error()))
		return
	}
	dto.SanitizeStruct(&req)

	raw, key, err := h.keySvc.CreateKey(c.Request.Context(), middleware.GetRequestContext(c), accountID, req.Label, req.Scopes)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, dto.CreateKeyResponse{
		Key:       raw,
		KeyPrefix: key.KeyPrefix,
		Label:     key.Label,
		Scopes:    key.Scopes,
		CreatedAt: key.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// List handles GET /api_keys.
func (h *APIKeyHandler) List(c *gin.Context) {
	accountID, ok := accountIDFrom(c)
	if !ok {
		response.Error(c, apperror.ErrUnauthorized())
		return
	}

	keys, err := h.keySvc.ListKeys(c.Request.Context(), accountID)
	if err != nil {
		response.Error(c, err)
		return
	}

	items := make([]dto.KeyResponse, 0, len(keys))
	for i := range keys {
		items = append(items, toKeyResponse(&keys[i]))
	}
	response.OK(c, items)
}

// Revoke handles DELETE /api_keys/:prefix. Revocation takes effect
// immediately; the prefix cache entry is evicted before the call returns.
func (h *APIKeyHandler) Revoke(c *gin.Context) {
	accountID, ok := accountIDFrom(c)
	if !ok {
		response.Error(c, apperror.ErrUnauthorized())
		return
	}

	prefix := c.Param("prefix")
	if prefix == "" {
		response.Error(c, apperror.ErrValidation("key prefix is required"))
		return
	}

	if err := h.keySvc.RevokeKey(c.Request.Context(), middleware.GetRequestContext(c), accountID, prefix); err != nil {
		response.Error(c, err)
		return
	}

	response.OK(c, gin.H{"revoked": true, "key_prefix": prefix})
}

func toKeyResponse(key *domain.APIKey) dto.KeyResponse {
	resp := dto.KeyResponse{
		KeyPrefix: key.KeyPrefix,
		Label:     key.Label,
		Scopes:    key.Scopes,
		IsActive:  key.IsActive,
		CreatedAt: key.CreatedAt.UTC().Format(time.RFC3339),
	}
	if key.LastUsedAt != nil {
		s := key.LastUsedAt.UTC().Format(time.RFC3339)
		resp.LastUsedAt = &s
	}
	return resp
}
