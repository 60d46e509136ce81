package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of audited action.
type AuditAction string

const (
	AuditActionKeyCreated   AuditAction = "KEY_CREATED"
	AuditActionKeyRevoked   AuditAction = "KEY_REVOKED"
	AuditActionTopupCreated AuditAction = "TOPUP_CREATED"
	AuditActionAdminStats   AuditAction = "ADMIN_STATS"
	AuditActionTokenRefresh AuditAction = "TOKEN_REFRESH"
	AuditActionTokenRevoked AuditAction = "TOKEN_REVOKED"
)

// AuditLog records a single audited action. Append-only.
type AuditLog struct {
	ID        int64             `json:"id"`
	AccountID *uuid.UUID        `json:"account_id,omitempty"`
	Action    AuditAction       `json:"action"`
	ActorID   string            `json:"actor_id"`
	RequestID string            `json:"request_id"`
	IPAddress string            `json:"ip_address"`
	UserAgent string            `json:"user_agent"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
