package postgres

import (
	"context"
	"errors"
	"fmt"

	"billing-core/internal/core/domain"
	"billing-core/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// pgUniqueViolation is SQLSTATE 23505.
const pgUniqueViolation = "23505"

// TransactionRepo implements ports.TransactionRepository.
type TransactionRepo struct {
	pool Pool
}

// NewTransactionRepo creates a new TransactionRepo.
func NewTransactionRepo(pool Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

// Create inserts a ledger row within a database transaction and fills in the
// generated id and created_at. A unique-index violation on idempotency_key
// returns ports.ErrDuplicateIdempotencyKey.
func (r *TransactionRepo) Create(ctx context.Context, tx pgx.Tx, t *domain.Transaction) error {
	query := `INSERT INTO transactions (account_id, type, amount_usd, balance_before, balance_after,
		source, external_id, idempotency_key, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING id, created_at`

	err := tx.QueryRow(ctx, query,
		t.AccountID, t.Type, t.AmountUSD, t.BalanceBefore, t.BalanceAfter,
		t.Source, t.ExternalID, t.IdempotencyKey, t.Metadata,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ports.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetByID fetches a transaction by its ledger id.
func (r *TransactionRepo) GetByID(ctx context.Context, id int64) (*domain.Transaction, error) {
	query := `SELECT id, account_id, type, amount_usd, balance_before, balance_after,
		source, external_id, idempotency_key, metadata, created_at
		FROM transactions WHERE id = $1`

	return r.scanTransaction(r.pool.QueryRow(ctx, query, id))
}

// GetByIdempotencyKey fetches the transaction recorded for a key, if any.
func (r *TransactionRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	query := `SELECT id, account_id, type, amount_usd, balance_before, balance_after,
		source, external_id, idempotency_key, metadata, created_at
		FROM transactions WHERE idempotency_key = $1`

	return r.scanTransaction(r.pool.QueryRow(ctx, query, key))
}

// ListByAccount fetches an account's ledger entries, newest first.
func (r *TransactionRepo) ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	query := `SELECT id, account_id, type, amount_usd, balance_before, balance_after,
		source, external_id, idempotency_key, metadata, created_at
		FROM transactions WHERE account_id = $1 ORDER BY id DESC LIMIT $2 OFFSET $3`

	rows, err := r.pool.Query(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		t := domain.Transaction{}
		err := rows.Scan(
			&t.ID, &t.AccountID, &t.Type, &t.AmountUSD, &t.BalanceBefore, &t.BalanceAfter,
			&t.Source, &t.ExternalID, &t.IdempotencyKey, &t.Metadata, &t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan transaction row: %w", err)
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction rows: %w", err)
	}
	return txns, nil
}

// SumByAccount returns the sum of all ledger deltas for an account. The
// result must equal the account's stored balance.
func (r *TransactionRepo) SumByAccount(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	query := `SELECT COALESCE(SUM(amount_usd), 0) FROM transactions WHERE account_id = $1`

	var sum decimal.Decimal
	if err := r.pool.QueryRow(ctx, query, accountID).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("sum transactions: %w", err)
	}
	return sum, nil
}

// CountByType returns ledger entry counts grouped by transaction type.
func (r *TransactionRepo) CountByType(ctx context.Context) (map[domain.TransactionType]int64, error) {
	query := `SELECT type, COUNT(*) FROM transactions GROUP BY type`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count transactions by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.TransactionType]int64)
	for rows.Next() {
		var (
			typ domain.TransactionType
			n   int64
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scan type count: %w", err)
		}
		counts[typ] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate type counts: %w", err)
	}
	return counts, nil
}

// scanTransaction is a helper to scan a single row into a Transaction.
func (r *TransactionRepo) scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	t := &domain.Transaction{}
	err := row.Scan(
		&t.ID, &t.AccountID, &t.Type, &t.AmountUSD, &t.BalanceBefore, &t.BalanceAfter,
		&t.Source, &t.ExternalID, &t.IdempotencyKey, &t.Metadata, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	return t, nil
}
