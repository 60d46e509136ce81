package postgres

import (
	"context"
	"errors"
	"fmt"

	"billing-core/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RefreshTokenRepo implements ports.RefreshTokenRepository.
type RefreshTokenRepo struct {
	pool Pool
}

// NewRefreshTokenRepo creates a new RefreshTokenRepo.
func NewRefreshTokenRepo(pool Pool) *RefreshTokenRepo {
	return &RefreshTokenRepo{pool: pool}
}

// Create inserts a new refresh token. Only the argon2id hash of the secret
// is stored.
func (r *RefreshTokenRepo) Create(ctx context.Context, t *domain.RefreshToken) error {
	query := `INSERT INTO refresh_tokens (id, account_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.pool.Exec(ctx, query, t.ID, t.AccountID, t.TokenHash, t.ExpiresAt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// GetByID fetches a refresh token by its UUID.
func (r *RefreshTokenRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.RefreshToken, error) {
	query := `SELECT id, account_id, token_hash, expires_at, revoked_at, created_at
		FROM refresh_tokens WHERE id = $1`

	t := &domain.RefreshToken{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&t.ID, &t.AccountID, &t.TokenHash, &t.ExpiresAt, &t.RevokedAt, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	return t, nil
}

// Revoke marks one token revoked. Revoking an already-revoked token is a
// no-op.
func (r *RefreshTokenRepo) Revoke(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE refresh_tokens SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`

	if _, err := r.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAllForAccount revokes every live session of an account. Used when a
// presented token turns out to be already revoked (reuse implies theft).
func (r *RefreshTokenRepo) RevokeAllForAccount(ctx context.Context, accountID uuid.UUID) error {
	query := `UPDATE refresh_tokens SET revoked_at = NOW() WHERE account_id = $1 AND revoked_at IS NULL`

	if _, err := r.pool.Exec(ctx, query, accountID); err != nil {
		return fmt.Errorf("revoke account refresh tokens: %w", err)
	}
	return nil
}
