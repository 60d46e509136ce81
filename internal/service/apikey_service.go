package service

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"billing-core/internal/core/domain"
	"billing-core/internal/core/ports"
	"billing-core/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	keyPrefixBytes = 6  // 12 hex chars
	keySecretBytes = 32 // 43 chars in raw url-safe base64
	keyCacheTTL    = 24 * time.Hour
)

// APIKeyServiceImpl implements ports.APIKeyService. Keys look like
// bill_<prefix>_<secret>; only the public prefix and an HMAC of the secret
// segment are stored, so a database leak exposes no usable credentials.
type APIKeyServiceImpl struct {
	keyRepo     ports.APIKeyRepository
	accountRepo ports.AccountRepository
	cache       ports.KeyPrefixCache
	auditSvc    ports.AuditService
	secret      []byte
	log         zerolog.Logger
}

// NewAPIKeyService creates a new APIKeyServiceImpl. serverSecret is the
// process-wide HMAC key; rotating it invalidates every issued key.
func NewAPIKeyService(
	keyRepo ports.APIKeyRepository,
	accountRepo ports.AccountRepository,
	cache ports.KeyPrefixCache,
	auditSvc ports.AuditService,
	serverSecret string,
	log zerolog.Logger,
) *APIKeyServiceImpl {
	return &APIKeyServiceImpl{
		keyRepo:     keyRepo,
		accountRepo: accountRepo,
		cache:       cache,
		auditSvc:    auditSvc,
		secret:      []byte(serverSecret),
		log:         log,
	}
}

// hashKey HMACs the secret segment of a key, never the full raw key.
func (s *APIKeyServiceImpl) hashKey(secret string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

func validScopes(scopes []string) bool {
	for _, scope := range scopes {
		switch scope {
		case domain.ScopeBilling, domain.ScopeUsage, domain.ScopeAdmin:
		default:
			return false
		}
	}
	return true
}

// CreateKey issues a new key for the account. The raw key is returned
// exactly once and never stored or logged.
func (s *APIKeyServiceImpl) CreateKey(ctx context.Context, rc domain.RequestContext, accountID uuid.UUID, label string, scopes []string) (string, *domain.APIKey, error) {
	if !validScopes(scopes) {
		return "", nil, apperror.ErrValidation("unknown scope")
	}

	prefixBytes := make([]byte, keyPrefixBytes)
	if _, err := rand.Read(prefixBytes); err != nil {
		return "", nil, apperror.InternalError(fmt.Errorf("generate prefix: %w", err))
	}
	secretBytes := make([]byte, keySecretBytes)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, apperror.InternalError(fmt.Errorf("generate secret: %w", err))
	}

	prefix := hex.EncodeToString(prefixBytes)
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	raw := fmt.Sprintf("%s_%s_%s", domain.KeyScheme, prefix, secret)

	key := &domain.APIKey{
		ID:        uuid.New(),
		AccountID: accountID,
		KeyPrefix: prefix,
		KeyHash:   s.hashKey(secret),
		Label:     label,
		Scopes:    scopes,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.keyRepo.Create(ctx, key); err != nil {
		return "", nil, apperror.ErrDatabaseError(fmt.Errorf("create api key: %w", err))
	}

	// Credential changes must be auditable; an unrecordable creation is
	// rolled back by revoking the key we just wrote.
	if err := s.auditSvc.Record(ctx, rc, &accountID, domain.AuditActionKeyCreated, map[string]string{
		"key_prefix": prefix,
		"label":      label,
	}); err != nil {
		if _, revokeErr := s.keyRepo.Revoke(ctx, accountID, prefix); revokeErr != nil {
			s.log.Error().Err(revokeErr).Str("key_prefix", prefix).Msg("failed to revoke key after audit failure")
		}
		return "", nil, apperror.InternalError(fmt.Errorf("audit key creation: %w", err))
	}

	// Warm the verify-path cache; best effort.
	if err := s.cache.Set(ctx, prefix, ports.CachedKey{
		KeyID:     key.ID,
		AccountID: accountID,
		KeyHash:   key.KeyHash,
		Scopes:    scopes,
	}, keyCacheTTL); err != nil {
		s.log.Warn().Err(err).Str("key_prefix", prefix).Msg("failed to warm key cache")
	}

	s.log.Info().
		Str("request_id", rc.RequestID).
		Str("account_id", accountID.String()).
		Str("key_prefix", prefix).
		Msg("api key created")

	return raw, key, nil
}

// parseRawKey splits bill_<prefix>_<secret> and rejects malformed input
// before any store is touched. The secret is raw url-safe base64 and may
// itself contain underscores, so only the first two separators split.
func parseRawKey(raw string) (prefix, secret string, ok bool) {
	parts := strings.SplitN(raw, "_", 3)
	if len(parts) != 3 || parts[0] != domain.KeyScheme {
		return "", "", false
	}
	if len(parts[1]) != keyPrefixBytes*2 || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// VerifyKey authenticates a raw key. The prefix cache serves the hot path;
// a miss falls back to the database and repopulates the cache. The secret
// comparison is constant-time either way.
func (s *APIKeyServiceImpl) VerifyKey(ctx context.Context, raw string) (*domain.Account, []string, error) {
	prefix, secret, ok := parseRawKey(raw)
	if !ok {
		return nil, nil, apperror.ErrUnauthorized()
	}
	computed := s.hashKey(secret)

	entry, err := s.cache.Get(ctx, prefix)
	if err != nil {
		s.log.Warn().Err(err).Msg("key cache unavailable, falling through to database")
	}
	if entry == nil {
		key, err := s.keyRepo.GetActiveByPrefix(ctx, prefix)
		if err != nil {
			return nil, nil, apperror.ErrDatabaseError(fmt.Errorf("get key by prefix: %w", err))
		}
		if key == nil {
			return nil, nil, apperror.ErrUnauthorized()
		}
		entry = &ports.CachedKey{
			KeyID:     key.ID,
			AccountID: key.AccountID,
			KeyHash:   key.KeyHash,
			Scopes:    key.Scopes,
		}
		if cacheErr := s.cache.Set(ctx, prefix, *entry, keyCacheTTL); cacheErr != nil {
			s.log.Warn().Err(cacheErr).Msg("failed to repopulate key cache")
		}
	}

	if !hmac.Equal([]byte(computed), []byte(entry.KeyHash)) {
		return nil, nil, apperror.ErrUnauthorized()
	}

	account, err := s.accountRepo.GetByID(ctx, entry.AccountID)
	if err != nil {
		return nil, nil, apperror.ErrDatabaseError(fmt.Errorf("get key owner: %w", err))
	}
	if account == nil {
		return nil, nil, apperror.ErrUnauthorized()
	}

	if err := s.keyRepo.TouchLastUsed(ctx, entry.KeyID); err != nil {
		s.log.Warn().Err(err).Str("key_prefix", prefix).Msg("failed to touch last_used_at")
	}

	return account, entry.Scopes, nil
}

// ListKeys returns the account's keys, active and revoked. Hashes never
// leave the domain type's json boundary.
func (s *APIKeyServiceImpl) ListKeys(ctx context.Context, accountID uuid.UUID) ([]domain.APIKey, error) {
	keys, err := s.keyRepo.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("list api keys: %w", err))
	}
	return keys, nil
}

// RevokeKey deactivates a key and evicts its cache entry so revocation
// takes effect immediately, not at cache expiry.
func (s *APIKeyServiceImpl) RevokeKey(ctx context.Context, rc domain.RequestContext, accountID uuid.UUID, prefix string) error {
	revoked, err := s.keyRepo.Revoke(ctx, accountID, prefix)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("revoke api key: %w", err))
	}
	if !revoked {
		return apperror.ErrNotFound("api key")
	}

	if err := s.cache.Delete(ctx, prefix); err != nil {
		s.log.Warn().Err(err).Str("key_prefix", prefix).Msg("failed to evict revoked key from cache")
	}

	if err := s.auditSvc.Record(ctx, rc, &accountID, domain.AuditActionKeyRevoked, map[string]string{
		"key_prefix": prefix,
	}); err != nil {
		s.log.Error().Err(err).Str("key_prefix", prefix).Msg("failed to audit key revocation")
	}

	s.log.Info().
		Str("request_id", rc.RequestID).
		Str("account_id", accountID.String()).
		Str("key_prefix", prefix).
		Msg("api key revoked")

	return nil
}
