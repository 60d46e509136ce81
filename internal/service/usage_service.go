package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"billing-core/internal/core/domain"
	"billing-core/internal/core/ports"
	"billing-core/internal/metrics"
	"billing-core/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type cachedPrice struct {
	product   *domain.Product
	fetchedAt time.Time
}

// UsageServiceImpl implements ports.UsageService. Prices are cached
// in-process with a short TTL; a price change takes effect for future
// charges only, never retroactively.
type UsageServiceImpl struct {
	balanceSvc  ports.BalanceService
	productRepo ports.ProductRepository
	usageRepo   ports.UsageRepository
	notifier    ports.Notifier
	metrics     *metrics.Metrics
	log         zerolog.Logger

	lowBalanceThreshold decimal.Decimal
	priceTTL            time.Duration

	mu     sync.Mutex
	prices map[string]cachedPrice
}

// NewUsageService creates a new UsageServiceImpl.
func NewUsageService(
	balanceSvc ports.BalanceService,
	productRepo ports.ProductRepository,
	usageRepo ports.UsageRepository,
	notifier ports.Notifier,
	m *metrics.Metrics,
	lowBalanceThreshold decimal.Decimal,
	priceTTL time.Duration,
	log zerolog.Logger,
) *UsageServiceImpl {
	return &UsageServiceImpl{
		balanceSvc:          balanceSvc,
		productRepo:         productRepo,
		usageRepo:           usageRepo,
		notifier:            notifier,
		metrics:             m,
		lowBalanceThreshold: lowBalanceThreshold,
		priceTTL:            priceTTL,
		prices:              make(map[string]cachedPrice),
		log:                 log,
	}
}

func (s *UsageServiceImpl) product(ctx context.Context, productID string) (*domain.Product, error) {
	s.mu.Lock()
	entry, ok := s.prices[productID]
	s.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < s.priceTTL {
		return entry.product, nil
	}

	product, err := s.productRepo.GetByID(ctx, productID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get product: %w", err))
	}
	if product == nil {
		return nil, apperror.ErrNotFound("product")
	}

	s.mu.Lock()
	s.prices[productID] = cachedPrice{product: product, fetchedAt: time.Now()}
	s.mu.Unlock()
	return product, nil
}

// applyIdempotent runs one balance mutation, treating an idempotency-key
// collision as a successful replay: the prior outcome is returned as the
// result so a retried request converges on the first one.
func (s *UsageServiceImpl) applyIdempotent(ctx context.Context, rc domain.RequestContext, req ports.ApplyRequest) (*domain.Transaction, bool, error) {
	txn, err := s.balanceSvc.Apply(ctx, rc, req)
	if err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) && appErr.Code == "PAY_003" && txn != nil {
			return txn, true, nil
		}
		return nil, false, err
	}
	return txn, false, nil
}

// Charge debits price × units under the key usage_<request id>.
func (s *UsageServiceImpl) Charge(ctx context.Context, rc domain.RequestContext, req ports.UsageCharge) (*domain.Transaction, error) {
	if req.RequestID == "" {
		return nil, apperror.ErrValidation("request id is required")
	}
	if req.Units <= 0 {
		return nil, apperror.ErrValidation("units must be positive")
	}

	product, err := s.product(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}

	cost := product.Cost(req.Units)
	if cost.IsZero() {
		// Units so small they price to zero at the money scale. Nothing to
		// debit, nothing to record.
		return nil, nil
	}

	txn, replayed, err := s.applyIdempotent(ctx, rc, ports.ApplyRequest{
		AccountID:      req.AccountID,
		Delta:          cost.Neg(),
		Type:           domain.TransactionTypeUsage,
		Source:         "usage",
		IdempotencyKey: domain.UsageIdempotencyKey(req.RequestID),
		Metadata:       req.Metadata,
		Usage:          &ports.UsageDetail{ProductID: req.ProductID, Units: req.Units},
	})
	if err != nil {
		s.metrics.ObserveUsage(req.ProductID, metrics.StatusError)
		return nil, err
	}
	if replayed {
		s.metrics.ObserveUsage(req.ProductID, metrics.StatusDuplicate)
		s.log.Debug().Str("request_id", req.RequestID).Msg("usage charge replayed, returning prior outcome")
		return txn, nil
	}
	s.metrics.ObserveUsage(req.ProductID, metrics.StatusSuccess)

	if txn.BalanceAfter.LessThan(s.lowBalanceThreshold) {
		if account, resolveErr := s.balanceSvc.ResolveAccount(ctx, req.AccountID.String()); resolveErr == nil {
			s.notifier.NotifyLowBalance(rc, account, txn.BalanceAfter)
		}
	}

	return txn, nil
}

// Settle applies an ADJUSTMENT of estimate − actual under the key
// adjust_<request id>. When estimate and actual price identically there is
// nothing to reconcile and Settle returns nil, nil.
func (s *UsageServiceImpl) Settle(ctx context.Context, rc domain.RequestContext, set ports.Settlement) (*domain.Transaction, error) {
	if set.RequestID == "" {
		return nil, apperror.ErrValidation("request id is required")
	}
	if set.ActualUnits == set.EstimatedUnits {
		return nil, nil
	}

	product, err := s.product(ctx, set.ProductID)
	if err != nil {
		return nil, err
	}

	// Positive when the estimate over-charged (credit back), negative when
	// the actual ran over (extra debit).
	delta := domain.RoundUSD(product.Cost(set.EstimatedUnits).Sub(product.Cost(set.ActualUnits)))
	if delta.IsZero() {
		return nil, nil
	}

	metadata := mergeMetadata(set.Metadata, map[string]string{
		"estimated_units": strconv.FormatInt(set.EstimatedUnits, 10),
		"actual_units":    strconv.FormatInt(set.ActualUnits, 10),
	})

	txn, _, err := s.applyIdempotent(ctx, rc, ports.ApplyRequest{
		AccountID:      set.AccountID,
		Delta:          delta,
		Type:           domain.TransactionTypeAdjustment,
		Source:         "usage_settlement",
		IdempotencyKey: domain.AdjustmentIdempotencyKey(set.RequestID),
		Metadata:       metadata,
	})
	return txn, err
}

// RefundCharge reverses the full provisional charge after an upstream
// failure, under the key refund_<request id>.
func (s *UsageServiceImpl) RefundCharge(ctx context.Context, rc domain.RequestContext, set ports.Settlement) (*domain.Transaction, error) {
	if set.RequestID == "" {
		return nil, apperror.ErrValidation("request id is required")
	}

	product, err := s.product(ctx, set.ProductID)
	if err != nil {
		return nil, err
	}

	amount := product.Cost(set.EstimatedUnits)
	if amount.IsZero() {
		return nil, nil
	}

	txn, _, err := s.applyIdempotent(ctx, rc, ports.ApplyRequest{
		AccountID:      set.AccountID,
		Delta:          amount,
		Type:           domain.TransactionTypeRefund,
		Source:         "usage_refund",
		IdempotencyKey: domain.RefundIdempotencyKey(set.RequestID),
		Metadata:       set.Metadata,
	})
	return txn, err
}

// MonthlyUsage aggregates an account's usage for a YYYY-MM month. An empty
// month means the current month.
func (s *UsageServiceImpl) MonthlyUsage(ctx context.Context, accountID uuid.UUID, month string) (*domain.UsageStats, error) {
	if month == "" {
		month = time.Now().UTC().Format("2006-01")
	}
	if _, err := time.Parse("2006-01", month); err != nil {
		return nil, apperror.ErrValidation(fmt.Sprintf("month %q is not YYYY-MM", month))
	}

	stats, err := s.usageRepo.MonthlyStats(ctx, accountID, month)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("monthly stats: %w", err))
	}
	return stats, nil
}

func mergeMetadata(base, extra map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
