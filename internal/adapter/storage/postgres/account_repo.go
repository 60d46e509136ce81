package postgres

import (
	"context"
	"errors"
	"fmt"

	"billing-core/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// AccountRepo implements ports.AccountRepository.
type AccountRepo struct {
	pool Pool
}

// NewAccountRepo creates a new AccountRepo.
func NewAccountRepo(pool Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

// Create inserts a new account into the database.
func (r *AccountRepo) Create(ctx context.Context, a *domain.Account) error {
	query := `INSERT INTO accounts (id, external_id, email, balance_usd, opt_in_debug, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.pool.Exec(ctx, query,
		a.ID, a.ExternalID, a.Email, a.BalanceUSD, a.OptInDebug,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetByID fetches an account by its UUID (without locking).
func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT id, external_id, email, balance_usd, opt_in_debug, created_at, updated_at
		FROM accounts WHERE id = $1`

	return r.scanAccount(r.pool.QueryRow(ctx, query, id))
}

// GetByExternalID fetches an account by its chat-platform id.
func (r *AccountRepo) GetByExternalID(ctx context.Context, externalID int64) (*domain.Account, error) {
	query := `SELECT id, external_id, email, balance_usd, opt_in_debug, created_at, updated_at
		FROM accounts WHERE external_id = $1`

	return r.scanAccount(r.pool.QueryRow(ctx, query, externalID))
}

// GetOrCreateByExternalID fetches the account for an external id, inserting
// a zero-balance row on first observation. The insert tolerates a concurrent
// winner; the follow-up read returns whichever row won.
func (r *AccountRepo) GetOrCreateByExternalID(ctx context.Context, externalID int64) (*domain.Account, error) {
	a, err := r.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if a != nil {
		return a, nil
	}

	query := `INSERT INTO accounts (id, external_id, balance_usd, opt_in_debug, created_at, updated_at)
		VALUES ($1, $2, 0, FALSE, NOW(), NOW())
		ON CONFLICT (external_id) DO NOTHING`

	if _, err := r.pool.Exec(ctx, query, uuid.New(), externalID); err != nil {
		return nil, fmt.Errorf("insert account for external id: %w", err)
	}

	a, err = r.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("account for external id %d not found after insert", externalID)
	}
	return a, nil
}

// GetByIDForUpdate fetches an account by ID with pessimistic locking.
// This MUST be called within a transaction.
func (r *AccountRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT id, external_id, email, balance_usd, opt_in_debug, created_at, updated_at
		FROM accounts WHERE id = $1 FOR UPDATE`

	return r.scanAccount(tx.QueryRow(ctx, query, id))
}

// UpdateBalance updates an account's balance within a transaction.
func (r *AccountRepo) UpdateBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, balance decimal.Decimal) error {
	query := `UPDATE accounts SET balance_usd = $1, updated_at = NOW() WHERE id = $2`

	tag, err := tx.Exec(ctx, query, balance, id)
	if err != nil {
		return fmt.Errorf("update account balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account not found: %s", id)
	}
	return nil
}

// Count returns the total number of accounts.
func (r *AccountRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count accounts: %w", err)
	}
	return n, nil
}

// SumBalances returns the sum of all account balances.
func (r *AccountRepo) SumBalances(ctx context.Context) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(balance_usd), 0) FROM accounts`).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum account balances: %w", err)
	}
	return sum, nil
}

// scanAccount is a helper to scan a single row into an Account.
func (r *AccountRepo) scanAccount(row pgx.Row) (*domain.Account, error) {
	a := &domain.Account{}
	err := row.Scan(
		&a.ID, &a.ExternalID, &a.Email, &a.BalanceUSD, &a.OptInDebug,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return a, nil
}
