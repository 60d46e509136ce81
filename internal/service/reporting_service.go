package service

import (
	"context"
	"fmt"
	"time"

	"billing-core/internal/core/ports"
	"billing-core/pkg/apperror"

	"github.com/rs/zerolog"
)

const statsUsageWindow = 30 * 24 * time.Hour

// ReportingServiceImpl implements ports.ReportingService over the reporting
// queries of the account, transaction and usage repositories.
type ReportingServiceImpl struct {
	accountRepo ports.AccountRepository
	txRepo      ports.TransactionRepository
	usageRepo   ports.UsageRepository
	log         zerolog.Logger
}

// NewReportingService creates a new ReportingServiceImpl.
func NewReportingService(
	accountRepo ports.AccountRepository,
	txRepo ports.TransactionRepository,
	usageRepo ports.UsageRepository,
	log zerolog.Logger,
) *ReportingServiceImpl {
	return &ReportingServiceImpl{
		accountRepo: accountRepo,
		txRepo:      txRepo,
		usageRepo:   usageRepo,
		log:         log,
	}
}

// AdminStats aggregates system-wide totals. The queries run sequentially
// against committed state; the numbers are a consistent-enough snapshot for
// a dashboard, not a ledger proof.
func (s *ReportingServiceImpl) AdminStats(ctx context.Context) (*ports.AdminStats, error) {
	accounts, err := s.accountRepo.Count(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("count accounts: %w", err))
	}
	totalBalance, err := s.accountRepo.SumBalances(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("sum balances: %w", err))
	}
	byType, err := s.txRepo.CountByType(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("count transactions: %w", err))
	}
	requests, cost, err := s.usageRepo.TotalsSince(ctx, time.Now().UTC().Add(-statsUsageWindow))
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("usage totals: %w", err))
	}

	return &ports.AdminStats{
		Accounts:           accounts,
		TotalBalanceUSD:    totalBalance,
		TransactionsByType: byType,
		UsageRequests30d:   requests,
		UsageCost30dUSD:    cost,
	}, nil
}
