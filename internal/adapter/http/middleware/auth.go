package middleware

import (
	"strings"
	"time"

	"billing-core/internal/core/domain"
	"billing-core/internal/core/ports"
	"billing-core/internal/metrics"
	"billing-core/pkg/apperror"
	"billing-core/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AuthConfig bundles the collaborators of the auth middleware.
type AuthConfig struct {
	Tokens ports.TokenService
	Keys   ports.APIKeyService
	// Failures counts failed attempts per client IP. nil disables lockout.
	Failures      ports.AuthFailureStore
	FailureLimit  int64
	FailureWindow time.Duration
	Metrics       *metrics.Metrics
	Log           zerolog.Logger
}

// sessionScopes are the scopes a dashboard session implies. Sessions act as
// the account owner for self-service operations; system-wide admin access
// needs an API key carrying the admin scope.
var sessionScopes = []string{domain.ScopeBilling, domain.ScopeUsage}

// Auth authenticates a bearer token or an API key and enforces the required
// scope. Pass an empty scope to accept any authenticated principal.
func Auth(cfg AuthConfig, scope string) gin.HandlerFunc {
	return authenticate(cfg, scope, true)
}

// SessionAuth authenticates bearer tokens only. Key management routes reject
// API keys so a leaked key can never mint further keys.
func SessionAuth(cfg AuthConfig) gin.HandlerFunc {
	return authenticate(cfg, "", false)
}

func authenticate(cfg AuthConfig, scope string, allowKeys bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if blocked, retryAfter := checkLockout(c, cfg, ip); blocked {
			secs := int(retryAfter / time.Second)
			if secs < 1 {
				secs = 1
			}
			c.Set("retry_after_seconds", secs)
			response.Error(c, apperror.ErrTooManyAuthFailures(secs))
			c.Abort()
			return
		}

		credential := extractCredential(c)
		if credential == "" {
			failAuth(c, cfg, ip, apperror.ErrUnauthorized())
			return
		}

		var (
			account *domain.Account
			actorID string
			ref     string
			scopes  []string
		)

		if strings.HasPrefix(credential, domain.KeyScheme+"_") {
			if !allowKeys {
				failAuth(c, cfg, ip, apperror.ErrUnauthorized())
				return
			}
			verified, keyScopes, err := cfg.Keys.VerifyKey(c.Request.Context(), credential)
			if err != nil {
				failAuth(c, cfg, ip, err)
				return
			}
			account = verified
			scopes = keyScopes
			ref = account.Ref()
			actorID = "key:" + keyPrefixOf(credential)
			c.Set(CtxAccount, account)
			c.Set(CtxAccountID, account.ID)
		} else {
			claims, err := cfg.Tokens.ValidateAccess(credential)
			if err != nil {
				failAuth(c, cfg, ip, apperror.ErrInvalidToken())
				return
			}
			scopes = sessionScopes
			ref = claims.AccountID.String()
			actorID = ref
			c.Set(CtxAccountID, claims.AccountID)
		}

		// A wrong scope is a policy denial, not a credential failure; it
		// neither counts toward lockout nor resets it.
		if scope != "" && !scopeAllowed(scopes, scope) {
			response.Error(c, apperror.ErrForbidden(scope))
			c.Abort()
			return
		}

		if cfg.Failures != nil {
			if err := cfg.Failures.Reset(c.Request.Context(), ip); err != nil {
				cfg.Log.Warn().Err(err).Msg("auth failure reset failed")
			}
		}

		c.Set(CtxScopes, scopes)
		c.Set(CtxRequestContext, GetRequestContext(c).WithActor(actorID, ref))
		c.Next()
	}
}

// checkLockout returns whether the IP is currently locked out. Store errors
// degrade to allowing the attempt.
func checkLockout(c *gin.Context, cfg AuthConfig, ip string) (bool, time.Duration) {
	if cfg.Failures == nil {
		return false, 0
	}
	blocked, retryAfter, err := cfg.Failures.Check(c.Request.Context(), ip, cfg.FailureLimit)
	if err != nil {
		cfg.Log.Warn().Err(err).Msg("auth failure check failed, allowing request")
		return false, 0
	}
	return blocked, retryAfter
}

func failAuth(c *gin.Context, cfg AuthConfig, ip string, err error) {
	if cfg.Failures != nil {
		if _, regErr := cfg.Failures.RegisterFailure(c.Request.Context(), ip, cfg.FailureWindow); regErr != nil {
			cfg.Log.Warn().Err(regErr).Msg("auth failure register failed")
		}
	}
	if cfg.Metrics != nil {
		cfg.Metrics.ObserveAuthFailure()
	}
	response.Error(c, err)
	c.Abort()
}

// extractCredential reads the Authorization bearer value, falling back to
// the X-API-Key header.
func extractCredential(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return c.GetHeader("X-API-Key")
}

// keyPrefixOf extracts the public prefix of a raw key for actor attribution.
func keyPrefixOf(raw string) string {
	parts := strings.SplitN(raw, "_", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// scopeAllowed mirrors domain.APIKey.Allows: an empty scope set grants
// everything.
func scopeAllowed(scopes []string, scope string) bool {
	if len(scopes) == 0 {
		return true
	}
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
