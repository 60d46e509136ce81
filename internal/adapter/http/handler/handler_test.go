package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"billing-core/internal/adapter/http/middleware"
	"billing-core/internal/core/domain"
	"billing-core/internal/core/ports"
	"billing-core/internal/core/ports/mocks"
	"billing-core/pkg/apperror"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestContext(t *testing.T, method, path string, body []byte) (*httptest.ResponseRecorder, *gin.Context) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, path, bytes.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	return w, c
}

func authedContext(t *testing.T, method, path string, body []byte, accountID uuid.UUID) (*httptest.ResponseRecorder, *gin.Context) {
	t.Helper()
	w, c := newTestContext(t, method, path, body)
	c.Set(middleware.CtxAccountID, accountID)
	c.Set(middleware.CtxRequestContext, domain.RequestContext{RequestID: "req-test", ActorID: accountID.String()})
	return w, c
}

func dataField(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	data, ok := resp["data"].(map[string]interface{})
	require.True(t, ok, "response has no data object: %s", w.Body.String())
	return data
}

// --- Payment Handler Tests ---

func TestTopup_CardSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	paymentSvc := mocks.NewMockPaymentService(ctrl)
	h := NewPaymentHandler(paymentSvc, "https://app.example.com/done", "https://app.example.com/cancel")

	accountID := uuid.New()
	paymentSvc.EXPECT().CreateTopup(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ interface{}, rc domain.RequestContext, req ports.TopupRequest) (*domain.CheckoutResult, error) {
			assert.Equal(t, accountID, req.AccountID)
			assert.Equal(t, domain.MethodCard, req.Method)
			assert.True(t, req.AmountUSD.Equal(decimal.RequireFromString("25")))
			assert.Equal(t, "https://app.example.com/done", req.SuccessURL)
			return &domain.CheckoutResult{
				PaymentID:   "txn_123",
				Status:      domain.PaymentStatusPending,
				CheckoutURL: "https://pay.example.com/txn_123",
			}, nil
		})

	body, _ := json.Marshal(map[string]string{"amount_usd": "25", "method": "card"})
	w, c := authedContext(t, http.MethodPost, "/payment/topup", body, accountID)

	h.Topup(c)

	require.Equal(t, http.StatusCreated, w.Code)
	data := dataField(t, w)
	assert.Equal(t, "txn_123", data["payment_id"])
	assert.Equal(t, "https://pay.example.com/txn_123", data["checkout_url"])
}

func TestTopup_WalletReturnsInvoiceBlob(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	paymentSvc := mocks.NewMockPaymentService(ctrl)
	h := NewPaymentHandler(paymentSvc, "", "")

	accountID := uuid.New()
	paymentSvc.EXPECT().CreateTopup(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&domain.CheckoutResult{
			PaymentID: "topup:ref:1:aa",
			Status:    domain.PaymentStatusPending,
			InvoiceBlob: &domain.InvoiceBlob{
				Title:    "Account top-up",
				Payload:  "topup:ref:1:aa",
				Currency: "XTR",
				Amount:   500,
			},
		}, nil)

	body, _ := json.Marshal(map[string]string{"amount_usd": "10", "method": "wallet"})
	w, c := authedContext(t, http.MethodPost, "/payment/topup", body, accountID)

	h.Topup(c)

	require.Equal(t, http.StatusCreated, w.Code)
	data := dataField(t, w)
	blob := data["invoice_blob"].(map[string]interface{})
	assert.Equal(t, "XTR", blob["currency"])
	assert.Equal(t, float64(500), blob["amount"])
}

func TestTopup_BadAmount(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	h := NewPaymentHandler(mocks.NewMockPaymentService(ctrl), "", "")

	body, _ := json.Marshal(map[string]string{"amount_usd": "not-a-number", "method": "card"})
	w, c := authedContext(t, http.MethodPost, "/payment/topup", body, uuid.New())

	h.Topup(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "PAY_002")
}

func TestTopup_AmountOutOfRange(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	paymentSvc := mocks.NewMockPaymentService(ctrl)
	h := NewPaymentHandler(paymentSvc, "", "")

	paymentSvc.EXPECT().CreateTopup(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, apperror.ErrAmountOutOfRange("5", "1000"))

	body, _ := json.Marshal(map[string]string{"amount_usd": "4.99", "method": "card"})
	w, c := authedContext(t, http.MethodPost, "/payment/topup", body, uuid.New())

	h.Topup(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "PAY_007")
}

func TestGetPayment_Status(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	paymentSvc := mocks.NewMockPaymentService(ctrl)
	h := NewPaymentHandler(paymentSvc, "", "")

	paymentSvc.EXPECT().GetPaymentStatus(gomock.Any(), "txn_9").Return(domain.PaymentStatusCompleted, nil)

	w, c := authedContext(t, http.MethodGet, "/payment/txn_9", nil, uuid.New())
	c.Params = gin.Params{{Key: "id", Value: "txn_9"}}

	h.GetPayment(c)

	require.Equal(t, http.StatusOK, w.Code)
	data := dataField(t, w)
	assert.Equal(t, "completed", data["status"])
}

// --- Webhook Handler Tests ---

func TestWebhookCard_Processed(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	paymentSvc := mocks.NewMockPaymentService(ctrl)
	h := NewWebhookHandler(paymentSvc, zerolog.Nop())

	paymentSvc.EXPECT().HandleWebhook(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ interface{}, _ domain.RequestContext, event domain.WebhookEvent) (ports.WebhookOutcome, *domain.Transaction, error) {
			assert.Equal(t, "card", event.Provider)
			assert.Equal(t, `{"event_id":"evt_1"}`, string(event.RawBody))
			assert.Equal(t, "ts=1;h1=abc", event.Signature)
			return ports.WebhookProcessed, &domain.Transaction{ID: 41}, nil
		})

	w, c := newTestContext(t, http.MethodPost, "/webhooks/card", []byte(`{"event_id":"evt_1"}`))
	c.Request.Header.Set(HeaderCardSignature, "ts=1;h1=abc")

	h.Card(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"processed"`)
	assert.Contains(t, w.Body.String(), `"transaction_id":"41"`)
}

func TestWebhookCard_InvalidSignatureIs200(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	paymentSvc := mocks.NewMockPaymentService(ctrl)
	h := NewWebhookHandler(paymentSvc, zerolog.Nop())

	paymentSvc.EXPECT().HandleWebhook(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(ports.WebhookError, nil, apperror.ErrInvalidSignature())

	w, c := newTestContext(t, http.MethodPost, "/webhooks/card", []byte(`{}`))

	h.Card(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Invalid signature")
}

func TestWebhookCard_DuplicateIs200(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	paymentSvc := mocks.NewMockPaymentService(ctrl)
	h := NewWebhookHandler(paymentSvc, zerolog.Nop())

	paymentSvc.EXPECT().HandleWebhook(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(ports.WebhookDuplicate, &domain.Transaction{}, nil)

	w, c := newTestContext(t, http.MethodPost, "/webhooks/card", []byte(`{}`))

	h.Card(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"duplicate"`)
}

func TestWebhookWallet_ProcessingErrorIs500(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	paymentSvc := mocks.NewMockPaymentService(ctrl)
	h := NewWebhookHandler(paymentSvc, zerolog.Nop())

	paymentSvc.EXPECT().HandleWebhook(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(ports.WebhookError, nil, errors.New("database down"))

	w, c := newTestContext(t, http.MethodPost, "/webhooks/wallet", []byte(`{}`))
	c.Request.Header.Set(HeaderWalletSecretToken, "token")

	h.Wallet(c)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"error"`)
	assert.NotContains(t, w.Body.String(), "database down")
}

// --- Account Handler Tests ---

func TestGetBalance_IncludesCredits(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	balanceSvc := mocks.NewMockBalanceService(ctrl)
	h := NewAccountHandler(balanceSvc, mocks.NewMockUsageService(ctrl), 1000)

	accountID := uuid.New()
	balanceSvc.EXPECT().GetBalance(gomock.Any(), accountID).Return(decimal.RequireFromString("12.5"), nil)

	w, c := authedContext(t, http.MethodGet, "/balance", nil, accountID)

	h.GetBalance(c)

	require.Equal(t, http.StatusOK, w.Code)
	data := dataField(t, w)
	assert.Equal(t, "12.5", data["balance_usd"])
	assert.Equal(t, float64(12500), data["credits"])
}

func TestGetUsage_PassesMonth(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	usageSvc := mocks.NewMockUsageService(ctrl)
	h := NewAccountHandler(mocks.NewMockBalanceService(ctrl), usageSvc, 1000)

	accountID := uuid.New()
	usageSvc.EXPECT().MonthlyUsage(gomock.Any(), accountID, "2026-07").Return(&domain.UsageStats{
		Month:    "2026-07",
		Requests: 42,
		CostUSD:  decimal.RequireFromString("1.25"),
		ByProduct: []domain.ProductUsage{
			{ProductID: "chat", Requests: 42, Units: 62500, CostUSD: decimal.RequireFromString("1.25")},
		},
	}, nil)

	w, c := authedContext(t, http.MethodGet, "/usage?month=2026-07", nil, accountID)

	h.GetUsage(c)

	require.Equal(t, http.StatusOK, w.Code)
	data := dataField(t, w)
	assert.Equal(t, "2026-07", data["month"])
	assert.Equal(t, float64(42), data["requests"])
}

// --- API Key Handler Tests ---

func TestCreateKey_ReturnsRawKeyOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	keySvc := mocks.NewMockAPIKeyService(ctrl)
	h := NewAPIKeyHandler(keySvc)

	accountID := uuid.New()
	keySvc.EXPECT().CreateKey(gomock.Any(), gomock.Any(), accountID, "worker", []string{"usage"}).
		Return("bill_a1b2c3d4e5f6_rawsecret", &domain.APIKey{
			KeyPrefix: "a1b2c3d4e5f6",
			Label:     "worker",
			Scopes:    []string{"usage"},
		}, nil)

	body, _ := json.Marshal(map[string]interface{}{"label": "worker", "scopes": []string{"usage"}})
	w, c := authedContext(t, http.MethodPost, "/api_keys", body, accountID)

	h.Create(c)

	require.Equal(t, http.StatusCreated, w.Code)
	data := dataField(t, w)
	assert.Equal(t, "bill_a1b2c3d4e5f6_rawsecret", data["key"])
	assert.Equal(t, "a1b2c3d4e5f6", data["key_prefix"])
}

func TestCreateKey_RejectsUnknownScope(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	h := NewAPIKeyHandler(mocks.NewMockAPIKeyService(ctrl))

	body, _ := json.Marshal(map[string]interface{}{"label": "worker", "scopes": []string{"superuser"}})
	w, c := authedContext(t, http.MethodPost, "/api_keys", body, uuid.New())

	h.Create(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRevokeKey_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	keySvc := mocks.NewMockAPIKeyService(ctrl)
	h := NewAPIKeyHandler(keySvc)

	accountID := uuid.New()
	keySvc.EXPECT().RevokeKey(gomock.Any(), gomock.Any(), accountID, "a1b2c3d4e5f6").Return(nil)

	w, c := authedContext(t, http.MethodDelete, "/api_keys/a1b2c3d4e5f6", nil, accountID)
	c.Params = gin.Params{{Key: "prefix", Value: "a1b2c3d4e5f6"}}

	h.Revoke(c)

	require.Equal(t, http.StatusOK, w.Code)
	data := dataField(t, w)
	assert.Equal(t, true, data["revoked"])
}

// --- Admin Handler Tests ---

func TestAdminStats_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reportingSvc := mocks.NewMockReportingService(ctrl)
	auditSvc := mocks.NewMockAuditService(ctrl)
	h := NewAdminHandler(reportingSvc, auditSvc, zerolog.Nop())

	reportingSvc.EXPECT().AdminStats(gomock.Any()).Return(&ports.AdminStats{
		Accounts:        3,
		TotalBalanceUSD: decimal.RequireFromString("41.30"),
		TransactionsByType: map[domain.TransactionType]int64{
			domain.TransactionTypeTopup: 5,
			domain.TransactionTypeUsage: 120,
		},
		UsageRequests30d: 120,
		UsageCost30dUSD:  decimal.RequireFromString("3.70"),
	}, nil)
	auditSvc.EXPECT().Record(gomock.Any(), gomock.Any(), nil, domain.AuditActionAdminStats, nil).Return(nil)

	w, c := authedContext(t, http.MethodGet, "/admin/stats", nil, uuid.New())

	h.GetStats(c)

	require.Equal(t, http.StatusOK, w.Code)
	data := dataField(t, w)
	assert.Equal(t, float64(3), data["accounts"])
	assert.Equal(t, "41.3", data["total_balance_usd"])
}

func TestAdminStats_AuditFailureDoesNotBlock(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	reportingSvc := mocks.NewMockReportingService(ctrl)
	auditSvc := mocks.NewMockAuditService(ctrl)
	h := NewAdminHandler(reportingSvc, auditSvc, zerolog.Nop())

	reportingSvc.EXPECT().AdminStats(gomock.Any()).Return(&ports.AdminStats{
		TotalBalanceUSD: decimal.Zero,
		UsageCost30dUSD: decimal.Zero,
	}, nil)
	auditSvc.EXPECT().Record(gomock.Any(), gomock.Any(), nil, domain.AuditActionAdminStats, nil).
		Return(errors.New("audit table down"))

	w, c := authedContext(t, http.MethodGet, "/admin/stats", nil, uuid.New())

	h.GetStats(c)

	assert.Equal(t, http.StatusOK, w.Code)
}

// --- Proxy Handler Tests ---

func TestProxy_ChargesInvokesAndSettles(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	usageSvc := mocks.NewMockUsageService(ctrl)
	upstream := mocks.NewMockUpstream(ctrl)
	h := NewProxyHandler(usageSvc, upstream, zerolog.Nop())

	accountID := uuid.New()

	usageSvc.EXPECT().Charge(gomock.Any(), gomock.Any(), ports.UsageCharge{
		AccountID: accountID,
		ProductID: "chat",
		Units:     100,
		RequestID: "req-77",
	}).Return(&domain.Transaction{}, nil)
	upstream.EXPECT().Invoke(gomock.Any(), "chat", []byte(`{"prompt":"hi"}`)).
		Return(&ports.UpstreamResult{Body: []byte(`{"answer":"hello"}`), Units: 140, StatusCode: http.StatusOK}, nil)
	usageSvc.EXPECT().Settle(gomock.Any(), gomock.Any(), ports.Settlement{
		AccountID:      accountID,
		ProductID:      "chat",
		RequestID:      "req-77",
		EstimatedUnits: 100,
		ActualUnits:    140,
	}).Return(&domain.Transaction{}, nil)

	w, c := authedContext(t, http.MethodPost, "/proxy/chat", []byte(`{"prompt":"hi"}`), accountID)
	c.Params = gin.Params{{Key: "product_id", Value: "chat"}}
	c.Request.Header.Set(HeaderIdempotencyKey, "req-77")
	c.Request.Header.Set(HeaderEstimatedUnits, "100")

	h.Invoke(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"answer":"hello"}`, w.Body.String())
	assert.Equal(t, "140", w.Header().Get(HeaderUnitsCharged))
}

func TestProxy_MissingIdempotencyKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	h := NewProxyHandler(mocks.NewMockUsageService(ctrl), mocks.NewMockUpstream(ctrl), zerolog.Nop())

	w, c := authedContext(t, http.MethodPost, "/proxy/chat", []byte(`{}`), uuid.New())
	c.Params = gin.Params{{Key: "product_id", Value: "chat"}}

	h.Invoke(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Idempotency-Key")
}

func TestProxy_InsufficientBalanceStopsBeforeUpstream(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	usageSvc := mocks.NewMockUsageService(ctrl)
	upstream := mocks.NewMockUpstream(ctrl)
	h := NewProxyHandler(usageSvc, upstream, zerolog.Nop())

	usageSvc.EXPECT().Charge(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, apperror.ErrInsufficientBalance("0.02", "0.08"))
	// No upstream expectation: the call must never happen.

	w, c := authedContext(t, http.MethodPost, "/proxy/chat", []byte(`{}`), uuid.New())
	c.Params = gin.Params{{Key: "product_id", Value: "chat"}}
	c.Request.Header.Set(HeaderIdempotencyKey, "req-88")

	h.Invoke(c)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "PAY_001")
}

func TestProxy_UpstreamFailureRefunds(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	usageSvc := mocks.NewMockUsageService(ctrl)
	upstream := mocks.NewMockUpstream(ctrl)
	h := NewProxyHandler(usageSvc, upstream, zerolog.Nop())

	accountID := uuid.New()
	usageSvc.EXPECT().Charge(gomock.Any(), gomock.Any(), gomock.Any()).Return(&domain.Transaction{}, nil)
	upstream.EXPECT().Invoke(gomock.Any(), "chat", gomock.Any()).Return(nil, errors.New("upstream down"))
	usageSvc.EXPECT().RefundCharge(gomock.Any(), gomock.Any(), ports.Settlement{
		AccountID:      accountID,
		ProductID:      "chat",
		RequestID:      "req-99",
		EstimatedUnits: 1,
	}).Return(&domain.Transaction{}, nil)

	w, c := authedContext(t, http.MethodPost, "/proxy/chat", []byte(`{}`), accountID)
	c.Params = gin.Params{{Key: "product_id", Value: "chat"}}
	c.Request.Header.Set(HeaderIdempotencyKey, "req-99")

	h.Invoke(c)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "PAY_005")
}

// --- Token Handler Tests ---

func TestRefresh_RotatesSession(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tokenSvc := mocks.NewMockTokenService(ctrl)
	h := NewTokenHandler(tokenSvc)

	tokenSvc.EXPECT().Refresh(gomock.Any(), gomock.Any(), "old-refresh").Return(&domain.TokenPair{
		AccessToken:  "new-access",
		RefreshToken: "new-refresh",
		ExpiresIn:    900,
	}, nil)

	body, _ := json.Marshal(map[string]string{"refresh_token": "old-refresh"})
	w, c := newTestContext(t, http.MethodPost, "/auth/refresh", body)

	h.Refresh(c)

	require.Equal(t, http.StatusOK, w.Code)
	data := dataField(t, w)
	assert.Equal(t, "new-access", data["access_token"])
	assert.Equal(t, "new-refresh", data["refresh_token"])
}

func TestRefresh_ReuseIsUnauthorized(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	tokenSvc := mocks.NewMockTokenService(ctrl)
	h := NewTokenHandler(tokenSvc)

	tokenSvc.EXPECT().Refresh(gomock.Any(), gomock.Any(), "stolen").Return(nil, apperror.ErrInvalidToken())

	body, _ := json.Marshal(map[string]string{"refresh_token": "stolen"})
	w, c := newTestContext(t, http.MethodPost, "/auth/refresh", body)

	h.Refresh(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "AUTH_003")
}

// --- Health Handler Tests ---

type stubChecker struct {
	name string
	err  error
}

func (s stubChecker) Ping(_ context.Context) error { return s.err }
func (s stubChecker) Name() string                 { return s.name }

func TestHealthCheck_AllHealthy(t *testing.T) {
	w, c := newTestContext(t, http.MethodGet, "/healthz", nil)

	HealthCheck(stubChecker{name: "ledger"}, stubChecker{name: "cache"})(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
}

func TestHealthCheck_Degraded(t *testing.T) {
	w, c := newTestContext(t, http.MethodGet, "/healthz", nil)

	HealthCheck(stubChecker{name: "ledger"}, stubChecker{name: "cache", err: errors.New("timeout")})(c)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
}
