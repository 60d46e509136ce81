package ports

import (
	"context"
	"errors"
	"time"

	"billing-core/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// ErrDuplicateIdempotencyKey is returned by TransactionRepository.Create when
// the unique index on idempotency_key rejects the insert. This is the
// authoritative duplicate signal; callers map it to a DuplicatePayment error.
var ErrDuplicateIdempotencyKey = errors.New("idempotency key already exists")

// AccountRepository defines persistence operations for accounts.
// Methods accepting pgx.Tx run inside balance-mutation transactions and rely
// on pessimistic row locking.
type AccountRepository interface {
	Create(ctx context.Context, account *domain.Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	GetByExternalID(ctx context.Context, externalID int64) (*domain.Account, error)
	// GetOrCreateByExternalID lazily creates an account on first observation
	// of an external chat-platform id.
	GetOrCreateByExternalID(ctx context.Context, externalID int64) (*domain.Account, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Account, error)
	UpdateBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, balance decimal.Decimal) error
	// Reporting queries
	Count(ctx context.Context) (int64, error)
	SumBalances(ctx context.Context) (decimal.Decimal, error)
}

// TransactionRepository defines persistence for immutable ledger entries.
type TransactionRepository interface {
	// Create inserts the ledger row inside the caller's transaction and
	// fills in the generated id and created_at. A unique-index violation on
	// idempotency_key returns ErrDuplicateIdempotencyKey.
	Create(ctx context.Context, tx pgx.Tx, txn *domain.Transaction) error
	GetByID(ctx context.Context, id int64) (*domain.Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Transaction, error)
	// SumByAccount returns Σ amount_usd for one account, for invariant checks
	// and reconciliation.
	SumByAccount(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error)
	CountByType(ctx context.Context) (map[domain.TransactionType]int64, error)
}

// UsageRepository defines persistence for per-charge usage detail.
type UsageRepository interface {
	// Create inserts the usage log inside the same transaction as its
	// USAGE ledger row.
	Create(ctx context.Context, tx pgx.Tx, log *domain.UsageLog) error
	// MonthlyStats aggregates an account's usage for a YYYY-MM month.
	MonthlyStats(ctx context.Context, accountID uuid.UUID, month string) (*domain.UsageStats, error)
	// TotalsSince aggregates request count and cost across all accounts.
	TotalsSince(ctx context.Context, since time.Time) (requests int64, cost decimal.Decimal, err error)
}

// ProductRepository defines read access to the product catalog.
type ProductRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Product, error)
	List(ctx context.Context) ([]domain.Product, error)
}

// APIKeyRepository defines persistence for issued API keys.
type APIKeyRepository interface {
	Create(ctx context.Context, key *domain.APIKey) error
	// GetActiveByPrefix returns the single active key for a prefix, or nil.
	GetActiveByPrefix(ctx context.Context, prefix string) (*domain.APIKey, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.APIKey, error)
	// Revoke deactivates the account's key with the given prefix. Returns
	// false if no active key matched.
	Revoke(ctx context.Context, accountID uuid.UUID, prefix string) (bool, error)
	TouchLastUsed(ctx context.Context, id uuid.UUID) error
}

// AuditRepository defines persistence for the append-only audit log.
type AuditRepository interface {
	Create(ctx context.Context, log *domain.AuditLog) error
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.AuditLog, error)
}

// RefreshTokenRepository defines durable storage for dashboard refresh
// tokens, so sessions survive process restarts.
type RefreshTokenRepository interface {
	Create(ctx context.Context, token *domain.RefreshToken) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.RefreshToken, error)
	Revoke(ctx context.Context, id uuid.UUID) error
	RevokeAllForAccount(ctx context.Context, accountID uuid.UUID) error
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
