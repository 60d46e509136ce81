package service

import (
	"context"
	"fmt"
	"time"

	"billing-core/internal/core/domain"
	"billing-core/internal/core/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AuditServiceImpl implements ports.AuditService with a synchronous write.
// Callers decide the failure policy: credential changes propagate the
// error, read-path callers log and move on.
type AuditServiceImpl struct {
	auditRepo ports.AuditRepository
	log       zerolog.Logger
}

// NewAuditService creates a new AuditServiceImpl.
func NewAuditService(auditRepo ports.AuditRepository, log zerolog.Logger) *AuditServiceImpl {
	return &AuditServiceImpl{auditRepo: auditRepo, log: log}
}

// Record appends one audit log entry built from the request context.
func (s *AuditServiceImpl) Record(ctx context.Context, rc domain.RequestContext, accountID *uuid.UUID, action domain.AuditAction, metadata map[string]string) error {
	entry := &domain.AuditLog{
		AccountID: accountID,
		Action:    action,
		ActorID:   rc.ActorID,
		RequestID: rc.RequestID,
		IPAddress: rc.IP,
		UserAgent: rc.UserAgent,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.auditRepo.Create(ctx, entry); err != nil {
		return fmt.Errorf("audit write: %w", err)
	}

	s.log.Debug().
		Str("request_id", rc.RequestID).
		Str("action", string(action)).
		Msg("audit entry recorded")
	return nil
}
