package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"billing-core/internal/core/domain"
	"billing-core/internal/core/ports"
	"billing-core/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// BalanceServiceImpl implements ports.BalanceService. Every mutation runs
// inside one storage transaction with the account row locked, so concurrent
// debits serialize and the non-negative invariant is decided on fresh state.
type BalanceServiceImpl struct {
	accountRepo ports.AccountRepository
	txRepo      ports.TransactionRepository
	usageRepo   ports.UsageRepository
	transactor  ports.DBTransactor
	log         zerolog.Logger
}

// NewBalanceService creates a new BalanceServiceImpl.
func NewBalanceService(
	accountRepo ports.AccountRepository,
	txRepo ports.TransactionRepository,
	usageRepo ports.UsageRepository,
	transactor ports.DBTransactor,
	log zerolog.Logger,
) *BalanceServiceImpl {
	return &BalanceServiceImpl{
		accountRepo: accountRepo,
		txRepo:      txRepo,
		usageRepo:   usageRepo,
		transactor:  transactor,
		log:         log,
	}
}

// ResolveAccount maps an account reference to an account. A uuid string is
// an internal id and must exist; an integer is an external chat-platform id
// and is created lazily on first observation.
func (s *BalanceServiceImpl) ResolveAccount(ctx context.Context, ref string) (*domain.Account, error) {
	if id, err := uuid.Parse(ref); err == nil {
		account, err := s.accountRepo.GetByID(ctx, id)
		if err != nil {
			return nil, apperror.ErrDatabaseError(fmt.Errorf("get account: %w", err))
		}
		if account == nil {
			return nil, apperror.ErrNotFound("account")
		}
		return account, nil
	}

	externalID, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return nil, apperror.ErrValidation(fmt.Sprintf("account reference %q is neither a uuid nor an external id", ref))
	}
	account, err := s.accountRepo.GetOrCreateByExternalID(ctx, externalID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get or create account: %w", err))
	}
	return account, nil
}

// GetBalance returns the current balance for an account.
func (s *BalanceServiceImpl) GetBalance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	account, err := s.accountRepo.GetByID(ctx, accountID)
	if err != nil {
		return decimal.Zero, apperror.ErrDatabaseError(fmt.Errorf("get account: %w", err))
	}
	if account == nil {
		return decimal.Zero, apperror.ErrNotFound("account")
	}
	return account.BalanceUSD, nil
}

// Apply performs one exactly-once balance mutation: lock the account row,
// decide the non-negative invariant on the locked balance, insert the ledger
// row (the unique index on idempotency_key is the authoritative duplicate
// gate), then update the balance. On a duplicate key the prior outcome is
// returned alongside the DuplicatePayment error so webhook callers can
// acknowledge without re-crediting.
func (s *BalanceServiceImpl) Apply(ctx context.Context, rc domain.RequestContext, req ports.ApplyRequest) (*domain.Transaction, error) {
	if req.IdempotencyKey == "" {
		return nil, apperror.ErrValidation("idempotency key is required")
	}
	delta := domain.RoundUSD(req.Delta)
	if delta.IsZero() {
		return nil, apperror.ErrValidation("amount must be non-zero")
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("begin tx: %w", err))
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	// Lock & get account
	account, err := s.accountRepo.GetByIDForUpdate(ctx, dbTx, req.AccountID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("lock account: %w", err))
	}
	if account == nil {
		return nil, apperror.ErrNotFound("account")
	}

	// Business rule: balance never goes below zero. Decided here, inside the
	// row lock, on the freshest committed balance.
	newBalance := domain.RoundUSD(account.BalanceUSD.Add(delta))
	if newBalance.IsNegative() {
		return nil, apperror.ErrInsufficientBalance(account.BalanceUSD.String(), delta.Neg().String())
	}

	now := time.Now().UTC()
	txn := &domain.Transaction{
		AccountID:      req.AccountID,
		Type:           req.Type,
		AmountUSD:      delta,
		BalanceBefore:  account.BalanceUSD,
		BalanceAfter:   newBalance,
		Source:         req.Source,
		ExternalID:     req.ExternalID,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
		CreatedAt:      now,
	}

	// Persist: ledger row. A unique-index violation means this key already
	// committed; surface the prior outcome so the caller can acknowledge.
	if err := s.txRepo.Create(ctx, dbTx, txn); err != nil {
		if errors.Is(err, ports.ErrDuplicateIdempotencyKey) {
			prior, lookupErr := s.txRepo.GetByIdempotencyKey(ctx, req.IdempotencyKey)
			if lookupErr != nil {
				s.log.Warn().Err(lookupErr).Str("idempotency_key", req.IdempotencyKey).
					Msg("duplicate key detected but prior transaction lookup failed")
			}
			return prior, apperror.ErrDuplicatePayment(req.IdempotencyKey)
		}
		return nil, apperror.ErrDatabaseError(fmt.Errorf("create transaction: %w", err))
	}

	// Persist: usage detail, same transaction as its ledger row.
	if req.Usage != nil {
		usageLog := &domain.UsageLog{
			AccountID:      req.AccountID,
			ProductID:      req.Usage.ProductID,
			UnitsConsumed:  req.Usage.Units,
			CostUSD:        delta.Neg(),
			IdempotencyKey: req.IdempotencyKey,
			Timestamp:      now,
			Metadata:       req.Metadata,
		}
		if err := s.usageRepo.Create(ctx, dbTx, usageLog); err != nil {
			return nil, apperror.ErrDatabaseError(fmt.Errorf("create usage log: %w", err))
		}
	}

	// Persist: new balance
	if err := s.accountRepo.UpdateBalance(ctx, dbTx, req.AccountID, newBalance); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("update balance: %w", err))
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}

	s.log.Info().
		Str("request_id", rc.RequestID).
		Str("account_id", req.AccountID.String()).
		Str("type", string(req.Type)).
		Str("amount_usd", delta.String()).
		Str("balance_after", newBalance.String()).
		Str("source", req.Source).
		Msg("balance mutation applied")

	return txn, nil
}

// CheckIdempotency returns the prior outcome for a key, or nil when the key
// has never committed.
func (s *BalanceServiceImpl) CheckIdempotency(ctx context.Context, key string) (*domain.Transaction, error) {
	txn, err := s.txRepo.GetByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("idempotency lookup: %w", err))
	}
	return txn, nil
}
