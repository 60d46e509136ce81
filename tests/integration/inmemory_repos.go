package integration

import (
	"context"
	"sort"
	"sync"
	"time"

	"billing-core/internal/core/domain"
	"billing-core/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// In-memory repository implementations backing the integration stack.
// Unlike plain map fakes, the transactor below holds a mutex for the whole
// lifetime of a storage transaction, reproducing the SELECT FOR UPDATE
// serialization the postgres repos rely on. That makes the concurrent-debit
// scenarios deterministic: exactly one of two racing debits wins.

// --- In-Memory Transactor (serializing tx) ---

type inMemoryTransactor struct {
	mu sync.Mutex
}

func newInMemoryTransactor() *inMemoryTransactor {
	return &inMemoryTransactor{}
}

func (t *inMemoryTransactor) Begin(ctx context.Context) (pgx.Tx, error) {
	t.mu.Lock()
	return &memTx{transactor: t}, nil
}

// memTx releases the transactor lock on the first Commit or Rollback; the
// deferred Rollback after a Commit is then a no-op, as with a real pgx.Tx.
type memTx struct {
	noopTx
	transactor *inMemoryTransactor
	done       sync.Once
}

func (t *memTx) Commit(ctx context.Context) error {
	t.done.Do(t.transactor.mu.Unlock)
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	t.done.Do(t.transactor.mu.Unlock)
	return nil
}

// noopTx satisfies the rest of the pgx.Tx surface; the repos never touch it.
type noopTx struct{}

func (t *noopTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *noopTx) Commit(ctx context.Context) error          { return nil }
func (t *noopTx) Rollback(ctx context.Context) error        { return nil }
func (t *noopTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *noopTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *noopTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *noopTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *noopTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *noopTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, nil
}
func (t *noopTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row { return nil }
func (t *noopTx) Conn() *pgx.Conn                                              { return nil }

// --- In-Memory Account Repo ---

type inMemoryAccountRepo struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*domain.Account
}

func newInMemoryAccountRepo() *inMemoryAccountRepo {
	return &inMemoryAccountRepo{accounts: make(map[uuid.UUID]*domain.Account)}
}

func (r *inMemoryAccountRepo) Create(ctx context.Context, account *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = now
	}
	clone := *account
	r.accounts[account.ID] = &clone
	return nil
}

func (r *inMemoryAccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, nil
	}
	clone := *a
	return &clone, nil
}

func (r *inMemoryAccountRepo) GetByExternalID(ctx context.Context, externalID int64) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.accounts {
		if a.ExternalID != nil && *a.ExternalID == externalID {
			clone := *a
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *inMemoryAccountRepo) GetOrCreateByExternalID(ctx context.Context, externalID int64) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.ExternalID != nil && *a.ExternalID == externalID {
			clone := *a
			return &clone, nil
		}
	}
	now := time.Now().UTC()
	ext := externalID
	account := &domain.Account{
		ID:         uuid.New(),
		ExternalID: &ext,
		BalanceUSD: decimal.Zero,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.accounts[account.ID] = account
	clone := *account
	return &clone, nil
}

func (r *inMemoryAccountRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Account, error) {
	// The caller already holds the transactor lock; a plain read is safe.
	return r.GetByID(ctx, id)
}

func (r *inMemoryAccountRepo) UpdateBalance(ctx context.Context, tx pgx.Tx, id uuid.UUID, balance decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return pgx.ErrNoRows
	}
	a.BalanceUSD = balance
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *inMemoryAccountRepo) Count(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.accounts)), nil
}

func (r *inMemoryAccountRepo) SumBalances(ctx context.Context) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sum := decimal.Zero
	for _, a := range r.accounts {
		sum = sum.Add(a.BalanceUSD)
	}
	return sum, nil
}

// --- In-Memory Transaction Repo ---

type inMemoryTransactionRepo struct {
	mu     sync.RWMutex
	txns   []*domain.Transaction
	byKey  map[string]*domain.Transaction
	nextID int64
}

func newInMemoryTransactionRepo() *inMemoryTransactionRepo {
	return &inMemoryTransactionRepo{byKey: make(map[string]*domain.Transaction)}
}

func (r *inMemoryTransactionRepo) Create(ctx context.Context, tx pgx.Tx, txn *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKey[txn.IdempotencyKey]; exists {
		return ports.ErrDuplicateIdempotencyKey
	}
	r.nextID++
	txn.ID = r.nextID
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	clone := *txn
	r.txns = append(r.txns, &clone)
	r.byKey[txn.IdempotencyKey] = &clone
	return nil
}

func (r *inMemoryTransactionRepo) GetByID(ctx context.Context, id int64) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.txns {
		if t.ID == id {
			clone := *t
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *inMemoryTransactionRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byKey[key]
	if !ok {
		return nil, nil
	}
	clone := *t
	return &clone, nil
}

func (r *inMemoryTransactionRepo) ListByAccount(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []domain.Transaction
	// Newest first, matching the postgres ORDER BY id DESC.
	for i := len(r.txns) - 1; i >= 0; i-- {
		if r.txns[i].AccountID == accountID {
			matched = append(matched, *r.txns[i])
		}
	}
	if offset >= len(matched) {
		return []domain.Transaction{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (r *inMemoryTransactionRepo) SumByAccount(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sum := decimal.Zero
	for _, t := range r.txns {
		if t.AccountID == accountID {
			sum = sum.Add(t.AmountUSD)
		}
	}
	return sum, nil
}

func (r *inMemoryTransactionRepo) CountByType(ctx context.Context) (map[domain.TransactionType]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[domain.TransactionType]int64)
	for _, t := range r.txns {
		counts[t.Type]++
	}
	return counts, nil
}

// countForAccount is a test-side helper, not part of the port.
func (r *inMemoryTransactionRepo) countForAccount(accountID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, t := range r.txns {
		if t.AccountID == accountID {
			n++
		}
	}
	return n
}

// --- In-Memory Usage Repo ---

type inMemoryUsageRepo struct {
	mu     sync.RWMutex
	logs   []*domain.UsageLog
	nextID int64
}

func newInMemoryUsageRepo() *inMemoryUsageRepo {
	return &inMemoryUsageRepo{}
}

func (r *inMemoryUsageRepo) Create(ctx context.Context, tx pgx.Tx, log *domain.UsageLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	log.ID = r.nextID
	clone := *log
	r.logs = append(r.logs, &clone)
	return nil
}

func (r *inMemoryUsageRepo) MonthlyStats(ctx context.Context, accountID uuid.UUID, month string) (*domain.UsageStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := &domain.UsageStats{Month: month, CostUSD: decimal.Zero}
	perProduct := make(map[string]*domain.ProductUsage)
	for _, l := range r.logs {
		if l.AccountID != accountID || l.Timestamp.UTC().Format("2006-01") != month {
			continue
		}
		stats.Requests++
		stats.CostUSD = stats.CostUSD.Add(l.CostUSD)
		p, ok := perProduct[l.ProductID]
		if !ok {
			p = &domain.ProductUsage{ProductID: l.ProductID, CostUSD: decimal.Zero}
			perProduct[l.ProductID] = p
		}
		p.Requests++
		p.Units += l.UnitsConsumed
		p.CostUSD = p.CostUSD.Add(l.CostUSD)
	}
	ids := make([]string, 0, len(perProduct))
	for id := range perProduct {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		stats.ByProduct = append(stats.ByProduct, *perProduct[id])
	}
	return stats, nil
}

func (r *inMemoryUsageRepo) TotalsSince(ctx context.Context, since time.Time) (int64, decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var requests int64
	cost := decimal.Zero
	for _, l := range r.logs {
		if l.Timestamp.Before(since) {
			continue
		}
		requests++
		cost = cost.Add(l.CostUSD)
	}
	return requests, cost, nil
}

// --- In-Memory Product Repo ---

type inMemoryProductRepo struct {
	mu       sync.RWMutex
	products map[string]*domain.Product
}

func newInMemoryProductRepo(products ...domain.Product) *inMemoryProductRepo {
	r := &inMemoryProductRepo{products: make(map[string]*domain.Product)}
	for _, p := range products {
		clone := p
		r.products[p.ID] = &clone
	}
	return r
}

func (r *inMemoryProductRepo) GetByID(ctx context.Context, id string) (*domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.products[id]
	if !ok {
		return nil, nil
	}
	clone := *p
	return &clone, nil
}

func (r *inMemoryProductRepo) List(ctx context.Context) ([]domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.products))
	for id := range r.products {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]domain.Product, 0, len(ids))
	for _, id := range ids {
		out = append(out, *r.products[id])
	}
	return out, nil
}

// --- In-Memory API Key Repo ---

type inMemoryAPIKeyRepo struct {
	mu   sync.RWMutex
	keys []*domain.APIKey
}

func newInMemoryAPIKeyRepo() *inMemoryAPIKeyRepo {
	return &inMemoryAPIKeyRepo{}
}

func (r *inMemoryAPIKeyRepo) Create(ctx context.Context, key *domain.APIKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *key
	r.keys = append(r.keys, &clone)
	return nil
}

func (r *inMemoryAPIKeyRepo) GetActiveByPrefix(ctx context.Context, prefix string) (*domain.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range r.keys {
		if k.KeyPrefix == prefix && k.IsActive {
			clone := *k
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *inMemoryAPIKeyRepo) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]domain.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.APIKey
	for _, k := range r.keys {
		if k.AccountID == accountID {
			out = append(out, *k)
		}
	}
	return out, nil
}

func (r *inMemoryAPIKeyRepo) Revoke(ctx context.Context, accountID uuid.UUID, prefix string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.keys {
		if k.AccountID == accountID && k.KeyPrefix == prefix && k.IsActive {
			k.IsActive = false
			return true, nil
		}
	}
	return false, nil
}

func (r *inMemoryAPIKeyRepo) TouchLastUsed(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.keys {
		if k.ID == id {
			now := time.Now().UTC()
			k.LastUsedAt = &now
			return nil
		}
	}
	return nil
}

// --- In-Memory Audit Repo ---

type inMemoryAuditRepo struct {
	mu     sync.RWMutex
	logs   []*domain.AuditLog
	nextID int64
}

func newInMemoryAuditRepo() *inMemoryAuditRepo {
	return &inMemoryAuditRepo{}
}

func (r *inMemoryAuditRepo) Create(ctx context.Context, log *domain.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	log.ID = r.nextID
	clone := *log
	r.logs = append(r.logs, &clone)
	return nil
}

func (r *inMemoryAuditRepo) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.AuditLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.AuditLog
	for i := len(r.logs) - 1; i >= 0; i-- {
		l := r.logs[i]
		if l.AccountID != nil && *l.AccountID == accountID {
			out = append(out, *l)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// --- In-Memory Refresh Token Repo ---

type inMemoryRefreshTokenRepo struct {
	mu     sync.RWMutex
	tokens map[uuid.UUID]*domain.RefreshToken
}

func newInMemoryRefreshTokenRepo() *inMemoryRefreshTokenRepo {
	return &inMemoryRefreshTokenRepo{tokens: make(map[uuid.UUID]*domain.RefreshToken)}
}

func (r *inMemoryRefreshTokenRepo) Create(ctx context.Context, token *domain.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *token
	r.tokens[token.ID] = &clone
	return nil
}

func (r *inMemoryRefreshTokenRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.RefreshToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[id]
	if !ok {
		return nil, nil
	}
	clone := *t
	return &clone, nil
}

func (r *inMemoryRefreshTokenRepo) Revoke(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if !ok {
		return nil
	}
	if t.RevokedAt == nil {
		now := time.Now().UTC()
		t.RevokedAt = &now
	}
	return nil
}

func (r *inMemoryRefreshTokenRepo) RevokeAllForAccount(ctx context.Context, accountID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	for _, t := range r.tokens {
		if t.AccountID == accountID && t.RevokedAt == nil {
			revoked := now
			t.RevokedAt = &revoked
		}
	}
	return nil
}
