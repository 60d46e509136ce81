package postgres

import (
	"context"
	"fmt"
	"time"

	"billing-core/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// UsageRepo implements ports.UsageRepository.
type UsageRepo struct {
	pool Pool
}

// NewUsageRepo creates a new UsageRepo.
func NewUsageRepo(pool Pool) *UsageRepo {
	return &UsageRepo{pool: pool}
}

// Create inserts a usage log within a database transaction and fills in the
// generated id and timestamp. It must share the transaction of its USAGE
// ledger row.
func (r *UsageRepo) Create(ctx context.Context, tx pgx.Tx, l *domain.UsageLog) error {
	query := `INSERT INTO usage_logs (account_id, product_id, units_consumed, cost_usd, idempotency_key, metadata, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id, timestamp`

	err := tx.QueryRow(ctx, query,
		l.AccountID, l.ProductID, l.UnitsConsumed, l.CostUSD,
		l.IdempotencyKey, l.Metadata,
	).Scan(&l.ID, &l.Timestamp)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}

// MonthlyStats aggregates one account's usage for a YYYY-MM month, broken
// down by product. Settlement rows net against their provisional charges, so
// sums reflect actual consumption.
func (r *UsageRepo) MonthlyStats(ctx context.Context, accountID uuid.UUID, month string) (*domain.UsageStats, error) {
	start, err := time.Parse("2006-01", month)
	if err != nil {
		return nil, fmt.Errorf("parse month %q: %w", month, err)
	}
	end := start.AddDate(0, 1, 0)

	query := `SELECT product_id, COUNT(*), COALESCE(SUM(units_consumed), 0), COALESCE(SUM(cost_usd), 0)
		FROM usage_logs
		WHERE account_id = $1 AND timestamp >= $2 AND timestamp < $3
		GROUP BY product_id
		ORDER BY SUM(cost_usd) DESC`

	rows, err := r.pool.Query(ctx, query, accountID, start, end)
	if err != nil {
		return nil, fmt.Errorf("monthly usage stats: %w", err)
	}
	defer rows.Close()

	stats := &domain.UsageStats{Month: month, CostUSD: decimal.Zero}
	for rows.Next() {
		var p domain.ProductUsage
		if err := rows.Scan(&p.ProductID, &p.Requests, &p.Units, &p.CostUSD); err != nil {
			return nil, fmt.Errorf("scan product usage: %w", err)
		}
		stats.Requests += p.Requests
		stats.CostUSD = stats.CostUSD.Add(p.CostUSD)
		stats.ByProduct = append(stats.ByProduct, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product usage: %w", err)
	}
	return stats, nil
}

// TotalsSince aggregates request count and cost across all accounts from a
// point in time.
func (r *UsageRepo) TotalsSince(ctx context.Context, since time.Time) (int64, decimal.Decimal, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(cost_usd), 0) FROM usage_logs WHERE timestamp >= $1`

	var (
		requests int64
		cost     decimal.Decimal
	)
	if err := r.pool.QueryRow(ctx, query, since).Scan(&requests, &cost); err != nil {
		return 0, decimal.Zero, fmt.Errorf("usage totals: %w", err)
	}
	return requests, cost, nil
}
