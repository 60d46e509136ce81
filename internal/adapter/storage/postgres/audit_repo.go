package postgres

import (
	"context"
	"fmt"

	"billing-core/internal/core/domain"
	"billing-core/internal/core/ports"

	"github.com/google/uuid"
)

type auditRepo struct {
	pool Pool
}

// NewAuditRepository creates a PostgreSQL-backed AuditRepository.
func NewAuditRepository(pool Pool) ports.AuditRepository {
	return &auditRepo{pool: pool}
}

func (r *auditRepo) Create(ctx context.Context, l *domain.AuditLog) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO audit_logs (account_id, action, actor_id, request_id, ip_address, user_agent, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		l.AccountID, string(l.Action), l.ActorID, l.RequestID,
		l.IPAddress, l.UserAgent, l.Metadata,
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func (r *auditRepo) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.AuditLog, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, account_id, action, actor_id, request_id, ip_address, user_agent, metadata, created_at
		 FROM audit_logs
		 WHERE account_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	var logs []domain.AuditLog
	for rows.Next() {
		var l domain.AuditLog
		var action string
		if err := rows.Scan(
			&l.ID, &l.AccountID, &action, &l.ActorID, &l.RequestID,
			&l.IPAddress, &l.UserAgent, &l.Metadata, &l.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		l.Action = domain.AuditAction(action)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
