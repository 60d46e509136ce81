package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"billing-core/internal/core/domain"
	"billing-core/internal/core/ports"
	"billing-core/internal/core/ports/mocks"
	"billing-core/internal/metrics"
	"billing-core/pkg/apperror"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type authTestDeps struct {
	cfg      AuthConfig
	tokens   *mocks.MockTokenService
	keys     *mocks.MockAPIKeyService
	failures *mocks.MockAuthFailureStore
	ctrl     *gomock.Controller
}

func setupAuth(t *testing.T) *authTestDeps {
	ctrl := gomock.NewController(t)
	d := &authTestDeps{
		tokens:   mocks.NewMockTokenService(ctrl),
		keys:     mocks.NewMockAPIKeyService(ctrl),
		failures: mocks.NewMockAuthFailureStore(ctrl),
		ctrl:     ctrl,
	}
	d.cfg = AuthConfig{
		Tokens:        d.tokens,
		Keys:          d.keys,
		Failures:      d.failures,
		FailureLimit:  5,
		FailureWindow: 15 * time.Minute,
		Metrics:       metrics.New(prometheus.NewRegistry()),
		Log:           zerolog.Nop(),
	}
	return d
}

func authRouter(mw gin.HandlerFunc) (*gin.Engine, *domain.RequestContext) {
	captured := &domain.RequestContext{}
	r := gin.New()
	r.Use(RequestContext())
	r.GET("/p", mw, func(c *gin.Context) {
		*captured = GetRequestContext(c)
		c.Status(http.StatusOK)
	})
	return r, captured
}

func serve(r *gin.Engine, header, value string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/p", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_MissingCredential(t *testing.T) {
	d := setupAuth(t)
	defer d.ctrl.Finish()

	d.failures.EXPECT().Check(gomock.Any(), gomock.Any(), int64(5)).Return(false, time.Duration(0), nil)
	d.failures.EXPECT().RegisterFailure(gomock.Any(), gomock.Any(), 15*time.Minute).Return(int64(1), nil)

	r, _ := authRouter(Auth(d.cfg, ""))
	w := serve(r, "", "")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "AUTH_001")
}

func TestAuth_BearerTokenSuccess(t *testing.T) {
	d := setupAuth(t)
	defer d.ctrl.Finish()

	accountID := uuid.New()
	d.failures.EXPECT().Check(gomock.Any(), gomock.Any(), int64(5)).Return(false, time.Duration(0), nil)
	d.tokens.EXPECT().ValidateAccess("session-token").Return(&ports.AccessClaims{AccountID: accountID}, nil)
	d.failures.EXPECT().Reset(gomock.Any(), gomock.Any()).Return(nil)

	r, rc := authRouter(Auth(d.cfg, domain.ScopeBilling))
	w := serve(r, "Authorization", "Bearer session-token")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, accountID.String(), rc.ActorID)
	assert.Equal(t, accountID.String(), rc.AccountRef)
}

func TestAuth_InvalidTokenCountsTowardLockout(t *testing.T) {
	d := setupAuth(t)
	defer d.ctrl.Finish()

	d.failures.EXPECT().Check(gomock.Any(), gomock.Any(), int64(5)).Return(false, time.Duration(0), nil)
	d.tokens.EXPECT().ValidateAccess("garbage").Return(nil, apperror.ErrInvalidToken())
	d.failures.EXPECT().RegisterFailure(gomock.Any(), gomock.Any(), 15*time.Minute).Return(int64(2), nil)

	r, _ := authRouter(Auth(d.cfg, ""))
	w := serve(r, "Authorization", "Bearer garbage")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "AUTH_003")
}

func TestAuth_APIKeySuccess(t *testing.T) {
	d := setupAuth(t)
	defer d.ctrl.Finish()

	account := &domain.Account{ID: uuid.New()}
	rawKey := "bill_a1b2c3d4e5f6_secretsecretsecret"
	d.failures.EXPECT().Check(gomock.Any(), gomock.Any(), int64(5)).Return(false, time.Duration(0), nil)
	d.keys.EXPECT().VerifyKey(gomock.Any(), rawKey).Return(account, []string{domain.ScopeBilling}, nil)
	d.failures.EXPECT().Reset(gomock.Any(), gomock.Any()).Return(nil)

	r, rc := authRouter(Auth(d.cfg, domain.ScopeBilling))
	w := serve(r, "X-API-Key", rawKey)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "key:a1b2c3d4e5f6", rc.ActorID)
	assert.Equal(t, account.ID.String(), rc.AccountRef)
}

func TestAuth_KeyScopeDenied(t *testing.T) {
	d := setupAuth(t)
	defer d.ctrl.Finish()

	account := &domain.Account{ID: uuid.New()}
	d.failures.EXPECT().Check(gomock.Any(), gomock.Any(), int64(5)).Return(false, time.Duration(0), nil)
	d.keys.EXPECT().VerifyKey(gomock.Any(), gomock.Any()).Return(account, []string{domain.ScopeUsage}, nil)
	// Neither RegisterFailure nor Reset: a scope denial is not a credential
	// failure.

	r, _ := authRouter(Auth(d.cfg, domain.ScopeBilling))
	w := serve(r, "X-API-Key", "bill_a1b2c3d4e5f6_x")

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "AUTH_002")
}

func TestAuth_UnscopedKeyGrantsEverything(t *testing.T) {
	d := setupAuth(t)
	defer d.ctrl.Finish()

	account := &domain.Account{ID: uuid.New()}
	d.failures.EXPECT().Check(gomock.Any(), gomock.Any(), int64(5)).Return(false, time.Duration(0), nil)
	d.keys.EXPECT().VerifyKey(gomock.Any(), gomock.Any()).Return(account, nil, nil)
	d.failures.EXPECT().Reset(gomock.Any(), gomock.Any()).Return(nil)

	r, _ := authRouter(Auth(d.cfg, domain.ScopeAdmin))
	w := serve(r, "X-API-Key", "bill_a1b2c3d4e5f6_x")

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_SessionLacksAdminScope(t *testing.T) {
	d := setupAuth(t)
	defer d.ctrl.Finish()

	d.failures.EXPECT().Check(gomock.Any(), gomock.Any(), int64(5)).Return(false, time.Duration(0), nil)
	d.tokens.EXPECT().ValidateAccess("session-token").Return(&ports.AccessClaims{AccountID: uuid.New()}, nil)

	r, _ := authRouter(Auth(d.cfg, domain.ScopeAdmin))
	w := serve(r, "Authorization", "Bearer session-token")

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuth_LockedOut(t *testing.T) {
	d := setupAuth(t)
	defer d.ctrl.Finish()

	d.failures.EXPECT().Check(gomock.Any(), gomock.Any(), int64(5)).Return(true, 30*time.Second, nil)

	r, _ := authRouter(Auth(d.cfg, ""))
	w := serve(r, "Authorization", "Bearer whatever")

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_001")
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}

func TestAuth_FailureStoreOutageDegradesOpen(t *testing.T) {
	d := setupAuth(t)
	defer d.ctrl.Finish()

	accountID := uuid.New()
	d.failures.EXPECT().Check(gomock.Any(), gomock.Any(), int64(5)).
		Return(false, time.Duration(0), errors.New("cache down"))
	d.tokens.EXPECT().ValidateAccess("session-token").Return(&ports.AccessClaims{AccountID: accountID}, nil)
	d.failures.EXPECT().Reset(gomock.Any(), gomock.Any()).Return(errors.New("cache down"))

	r, _ := authRouter(Auth(d.cfg, ""))
	w := serve(r, "Authorization", "Bearer session-token")

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSessionAuth_RejectsAPIKey(t *testing.T) {
	d := setupAuth(t)
	defer d.ctrl.Finish()

	d.failures.EXPECT().Check(gomock.Any(), gomock.Any(), int64(5)).Return(false, time.Duration(0), nil)
	d.failures.EXPECT().RegisterFailure(gomock.Any(), gomock.Any(), 15*time.Minute).Return(int64(1), nil)

	r, _ := authRouter(SessionAuth(d.cfg))
	w := serve(r, "X-API-Key", "bill_a1b2c3d4e5f6_x")

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
