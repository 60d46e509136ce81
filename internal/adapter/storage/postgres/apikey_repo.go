package postgres

import (
	"context"
	"errors"
	"fmt"

	"billing-core/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// APIKeyRepo implements ports.APIKeyRepository.
type APIKeyRepo struct {
	pool Pool
}

// NewAPIKeyRepo creates a new APIKeyRepo.
func NewAPIKeyRepo(pool Pool) *APIKeyRepo {
	return &APIKeyRepo{pool: pool}
}

// Create inserts a new API key. Only the public prefix and the HMAC of the
// secret are stored.
func (r *APIKeyRepo) Create(ctx context.Context, k *domain.APIKey) error {
	query := `INSERT INTO api_keys (id, account_id, key_prefix, key_hash, label, scopes, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, query,
		k.ID, k.AccountID, k.KeyPrefix, k.KeyHash, k.Label,
		k.Scopes, k.IsActive, k.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetActiveByPrefix fetches the single active key for a public prefix. The
// partial unique index guarantees at most one.
func (r *APIKeyRepo) GetActiveByPrefix(ctx context.Context, prefix string) (*domain.APIKey, error) {
	query := `SELECT id, account_id, key_prefix, key_hash, label, scopes, is_active, created_at, last_used_at
		FROM api_keys WHERE key_prefix = $1 AND is_active`

	k := &domain.APIKey{}
	err := r.pool.QueryRow(ctx, query, prefix).Scan(
		&k.ID, &k.AccountID, &k.KeyPrefix, &k.KeyHash, &k.Label,
		&k.Scopes, &k.IsActive, &k.CreatedAt, &k.LastUsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return k, nil
}

// ListByAccount fetches all of an account's keys, newest first, including
// revoked ones.
func (r *APIKeyRepo) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.APIKey, error) {
	query := `SELECT id, account_id, key_prefix, key_hash, label, scopes, is_active, created_at, last_used_at
		FROM api_keys WHERE account_id = $1 ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []domain.APIKey
	for rows.Next() {
		k := domain.APIKey{}
		err := rows.Scan(
			&k.ID, &k.AccountID, &k.KeyPrefix, &k.KeyHash, &k.Label,
			&k.Scopes, &k.IsActive, &k.CreatedAt, &k.LastUsedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan api key row: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api key rows: %w", err)
	}
	return keys, nil
}

// Revoke deactivates the account's key with the given prefix. Returns false
// if no active key matched.
func (r *APIKeyRepo) Revoke(ctx context.Context, accountID uuid.UUID, prefix string) (bool, error) {
	query := `UPDATE api_keys SET is_active = FALSE WHERE account_id = $1 AND key_prefix = $2 AND is_active`

	tag, err := r.pool.Exec(ctx, query, accountID, prefix)
	if err != nil {
		return false, fmt.Errorf("revoke api key: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// TouchLastUsed stamps a key's last successful verification time.
func (r *APIKeyRepo) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`

	if _, err := r.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}
