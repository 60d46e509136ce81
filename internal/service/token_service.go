package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"billing-core/internal/core/domain"
	"billing-core/internal/core/ports"
	"billing-core/pkg/apperror"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for refresh token hashing.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024 // 64MB
	argon2Threads = 4
	argon2KeyLen  = 32
	argon2SaltLen = 16

	refreshSecretBytes = 32
)

// TokenServiceImpl implements ports.TokenService: short-lived HS256 access
// tokens plus durable, rotating refresh tokens. A refresh token reads
// <id>.<secret>; only the argon2id hash of the secret is stored, and
// presenting an already-rotated token revokes every session of the account.
type TokenServiceImpl struct {
	refreshRepo ports.RefreshTokenRepository
	auditSvc    ports.AuditService
	secret      []byte
	accessTTL   time.Duration
	refreshTTL  time.Duration
	issuer      string
	log         zerolog.Logger
}

// NewTokenService creates a new TokenServiceImpl.
func NewTokenService(
	refreshRepo ports.RefreshTokenRepository,
	auditSvc ports.AuditService,
	serverSecret string,
	accessTTL, refreshTTL time.Duration,
	issuer string,
	log zerolog.Logger,
) *TokenServiceImpl {
	return &TokenServiceImpl{
		refreshRepo: refreshRepo,
		auditSvc:    auditSvc,
		secret:      []byte(serverSecret),
		accessTTL:   accessTTL,
		refreshTTL:  refreshTTL,
		issuer:      issuer,
		log:         log,
	}
}

// IssuePair mints an access/refresh pair for an authenticated account.
func (s *TokenServiceImpl) IssuePair(ctx context.Context, rc domain.RequestContext, accountID uuid.UUID) (*domain.TokenPair, error) {
	now := time.Now().UTC()

	claims := jwt.MapClaims{
		"sub": accountID.String(),
		"iat": now.Unix(),
		"exp": now.Add(s.accessTTL).Unix(),
		"iss": s.issuer,
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("signing token: %w", err))
	}

	secretBytes := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("generating refresh secret: %w", err))
	}
	refreshSecret := base64.RawURLEncoding.EncodeToString(secretBytes)

	tokenHash, err := hashArgon2(refreshSecret)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("hashing refresh secret: %w", err))
	}

	refreshID := uuid.New()
	if err := s.refreshRepo.Create(ctx, &domain.RefreshToken{
		ID:        refreshID,
		AccountID: accountID,
		TokenHash: tokenHash,
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("store refresh token: %w", err))
	}

	return &domain.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshID.String() + "." + refreshSecret,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
	}, nil
}

// lookupRefresh resolves and authenticates a presented refresh token. The
// secret is verified before any revocation or expiry decision, so a forged
// id cannot touch real sessions.
func (s *TokenServiceImpl) lookupRefresh(ctx context.Context, refreshToken string) (*domain.RefreshToken, error) {
	idPart, secretPart, found := strings.Cut(refreshToken, ".")
	if !found || secretPart == "" {
		return nil, apperror.ErrInvalidToken()
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return nil, apperror.ErrInvalidToken()
	}

	stored, err := s.refreshRepo.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("get refresh token: %w", err))
	}
	if stored == nil {
		return nil, apperror.ErrInvalidToken()
	}

	match, err := verifyArgon2(secretPart, stored.TokenHash)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("verify refresh secret: %w", err))
	}
	if !match {
		return nil, apperror.ErrInvalidToken()
	}
	return stored, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair issued. Presenting a token that was already rotated is treated as
// theft and revokes every session for the account.
func (s *TokenServiceImpl) Refresh(ctx context.Context, rc domain.RequestContext, refreshToken string) (*domain.TokenPair, error) {
	stored, err := s.lookupRefresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	if stored.RevokedAt != nil {
		s.log.Warn().
			Str("request_id", rc.RequestID).
			Str("account_id", stored.AccountID.String()).
			Msg("revoked refresh token presented, revoking all sessions")
		if revokeErr := s.refreshRepo.RevokeAllForAccount(ctx, stored.AccountID); revokeErr != nil {
			return nil, apperror.ErrDatabaseError(fmt.Errorf("revoke all sessions: %w", revokeErr))
		}
		if auditErr := s.auditSvc.Record(ctx, rc, &stored.AccountID, domain.AuditActionTokenRevoked, map[string]string{
			"reason": "reuse_of_rotated_token",
		}); auditErr != nil {
			s.log.Error().Err(auditErr).Msg("failed to audit session revocation")
		}
		return nil, apperror.ErrInvalidToken()
	}
	if !stored.IsUsable(time.Now().UTC()) {
		return nil, apperror.ErrInvalidToken()
	}

	if err := s.refreshRepo.Revoke(ctx, stored.ID); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("revoke rotated token: %w", err))
	}

	pair, err := s.IssuePair(ctx, rc, stored.AccountID)
	if err != nil {
		return nil, err
	}

	if auditErr := s.auditSvc.Record(ctx, rc, &stored.AccountID, domain.AuditActionTokenRefresh, nil); auditErr != nil {
		s.log.Warn().Err(auditErr).Msg("failed to audit token refresh")
	}
	return pair, nil
}

// Revoke ends one session.
func (s *TokenServiceImpl) Revoke(ctx context.Context, rc domain.RequestContext, refreshToken string) error {
	stored, err := s.lookupRefresh(ctx, refreshToken)
	if err != nil {
		return err
	}
	if err := s.refreshRepo.Revoke(ctx, stored.ID); err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("revoke refresh token: %w", err))
	}
	if auditErr := s.auditSvc.Record(ctx, rc, &stored.AccountID, domain.AuditActionTokenRevoked, nil); auditErr != nil {
		s.log.Warn().Err(auditErr).Msg("failed to audit token revocation")
	}
	return nil
}

// ValidateAccess parses and validates an access token.
func (s *TokenServiceImpl) ValidateAccess(tokenString string) (*ports.AccessClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperror.ErrInvalidToken()
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apperror.ErrInvalidToken()
	}
	sub, ok := claims["sub"].(string)
	if !ok {
		return nil, apperror.ErrInvalidToken()
	}
	accountID, err := uuid.Parse(sub)
	if err != nil {
		return nil, apperror.ErrInvalidToken()
	}

	return &ports.AccessClaims{AccountID: accountID}, nil
}

// hashArgon2 hashes a secret as $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>.
func hashArgon2(secret string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	hash := argon2.IDKey([]byte(secret), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		argon2Memory, argon2Time, argon2Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// verifyArgon2 checks a secret against its encoded hash in constant time.
func verifyArgon2(secret, encodedHash string) (bool, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 {
		return false, fmt.Errorf("invalid hash format: expected 6 parts, got %d", len(parts))
	}
	if parts[1] != "argon2id" {
		return false, fmt.Errorf("unsupported algorithm: %s", parts[1])
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("parsing version: %w", err)
	}

	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, fmt.Errorf("parsing params: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("decoding salt: %w", err)
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("decoding hash: %w", err)
	}

	otherHash := argon2.IDKey([]byte(secret), salt, iterations, memory, threads, uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, otherHash) == 1, nil
}
