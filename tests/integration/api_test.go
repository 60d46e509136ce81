package integration

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	httpHandler "billing-core/internal/adapter/http/handler"
	"billing-core/internal/adapter/provider/card"
	"billing-core/internal/adapter/provider/wallet"
	redisStorage "billing-core/internal/adapter/storage/redis"
	"billing-core/internal/adapter/upstream"
	"billing-core/internal/core/domain"
	"billing-core/internal/core/ports"
	"billing-core/internal/metrics"
	"billing-core/internal/service"
	"billing-core/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testCardWebhookSecret = "whsec_integration_secret"
	testBotToken          = "12345:integration-bot-token"
	testServerSecret      = "integration-server-secret-0123456789abcdef"
)

// testApp wires the full stack the way cmd/api does, with in-memory repos in
// place of postgres and miniredis behind the real cache stores. Requests go
// through the real router, middleware, handlers, services and providers.
type testApp struct {
	server       *httptest.Server
	redis        *miniredis.Miniredis
	cardBackend  *httptest.Server
	meterBackend *httptest.Server

	accounts *inMemoryAccountRepo
	txns     *inMemoryTransactionRepo

	balanceSvc ports.BalanceService
	keySvc     ports.APIKeyService
	tokenSvc   ports.TokenService
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	log := logger.New("error", false)
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// In-memory ledger
	accountRepo := newInMemoryAccountRepo()
	txRepo := newInMemoryTransactionRepo()
	usageRepo := newInMemoryUsageRepo()
	productRepo := newInMemoryProductRepo(
		domain.Product{ID: "chat", Name: "Chat", BasePricePerUnit: decimal.RequireFromString("0.001")},
		domain.Product{ID: "translate", Name: "Translate", BasePricePerUnit: decimal.RequireFromString("0.04")},
	)
	keyRepo := newInMemoryAPIKeyRepo()
	auditRepo := newInMemoryAuditRepo()
	refreshRepo := newInMemoryRefreshTokenRepo()
	transactor := newInMemoryTransactor()

	// Real cache stores over miniredis
	pendingStore := redisStorage.NewPendingPaymentStore(rdb)
	eventStore := redisStorage.NewProcessedEventStore(rdb)
	keyCache := redisStorage.NewKeyPrefixCache(rdb)
	authFailures := redisStorage.NewAuthFailureStore(rdb)

	// Services
	auditSvc := service.NewAuditService(auditRepo, log)
	balanceSvc := service.NewBalanceService(accountRepo, txRepo, usageRepo, transactor, log)
	notifier := service.NewBotNotifier("", "", nil, log) // disabled
	usageSvc := service.NewUsageService(balanceSvc, productRepo, usageRepo, notifier, m,
		decimal.RequireFromString("1"), time.Minute, log)
	keySvc := service.NewAPIKeyService(keyRepo, accountRepo, keyCache, auditSvc, testServerSecret, log)
	tokenSvc := service.NewTokenService(refreshRepo, auditSvc, testServerSecret,
		15*time.Minute, 720*time.Hour, "billing-core-test", log)
	reportingSvc := service.NewReportingService(accountRepo, txRepo, usageRepo, log)

	// Stub card provider backend
	cardBackend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"data":{"id":"txn_card_1","status":"created","checkout_url":"https://checkout.example.com/txn_card_1"}}`)
	}))

	cardClient := card.NewClient("key_test", "sandbox", cardBackend.URL, 2*time.Second, m, log)
	cardProvider := card.NewAdapter(cardClient, balanceSvc, eventStore, notifier, m, testCardWebhookSecret, log)
	walletProvider := wallet.NewAdapter(balanceSvc, pendingStore, eventStore, notifier, m, testBotToken, "", nil, log)
	paymentSvc := service.NewPaymentService(cardProvider, walletProvider, auditSvc, m, log)

	// Stub metered upstream backend
	meterBackend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(upstream.HeaderUnitsUsed, "140")
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"answer":"ok"}`)
	}))
	upstreamClient := upstream.NewClient(meterBackend.URL, 2*time.Second, meterBackend.Client(), log)

	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		BalanceSvc:   balanceSvc,
		UsageSvc:     usageSvc,
		PaymentSvc:   paymentSvc,
		APIKeySvc:    keySvc,
		TokenSvc:     tokenSvc,
		ReportingSvc: reportingSvc,
		AuditSvc:     auditSvc,
		Upstream:     upstreamClient,

		AuthFailures:      authFailures,
		AuthFailureLimit:  10,
		AuthFailureWindow: time.Minute,

		Metrics:  m,
		Registry: registry,

		CreditsPerUSD: 1000,
		SuccessURL:    "https://pay.example.com/success",
		CancelURL:     "https://pay.example.com/cancel",

		Logger: log,
	})

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		cardBackend.Close()
		meterBackend.Close()
	})

	return &testApp{
		server:       server,
		redis:        mr,
		cardBackend:  cardBackend,
		meterBackend: meterBackend,
		accounts:     accountRepo,
		txns:         txRepo,
		balanceSvc:   balanceSvc,
		keySvc:       keySvc,
		tokenSvc:     tokenSvc,
	}
}

// --- Helpers ---

func seedRC() domain.RequestContext {
	return domain.RequestContext{RequestID: "it-seed", IP: "127.0.0.1"}
}

func (a *testApp) seedAccount(t *testing.T, balance string) *domain.Account {
	t.Helper()
	acc := &domain.Account{
		ID:         uuid.New(),
		BalanceUSD: decimal.RequireFromString(balance),
	}
	require.NoError(t, a.accounts.Create(context.Background(), acc))
	return acc
}

func (a *testApp) issueKey(t *testing.T, accountID uuid.UUID, scopes ...string) (raw, prefix string) {
	t.Helper()
	raw, key, err := a.keySvc.CreateKey(context.Background(), seedRC(), accountID, "integration", scopes)
	require.NoError(t, err)
	return raw, key.KeyPrefix
}

func (a *testApp) session(t *testing.T, accountID uuid.UUID) *domain.TokenPair {
	t.Helper()
	pair, err := a.tokenSvc.IssuePair(context.Background(), seedRC(), accountID)
	require.NoError(t, err)
	return pair
}

// signCardBody builds the ts/h1 signature header the card provider sends.
func signCardBody(secret string, body []byte, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d:", ts)
	mac.Write(body)
	return fmt.Sprintf("ts=%d;h1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// walletSecretToken mirrors the token the wallet provider derives from the
// bot token and expects the platform to echo.
func walletSecretToken(botToken string) string {
	mac := hmac.New(sha256.New, []byte(botToken))
	mac.Write([]byte("wallet-webhook"))
	return hex.EncodeToString(mac.Sum(nil))
}

func cardEvent(eventID, eventType, providerTxID, accountRef, idemKey, amountUSD string) []byte {
	custom, _ := json.Marshal(domain.CustomData{
		AccountRef:     accountRef,
		IdempotencyKey: idemKey,
		AmountUSD:      amountUSD,
	})
	body, _ := json.Marshal(map[string]any{
		"event_id":   eventID,
		"event_type": eventType,
		"data": map[string]any{
			"id":          providerTxID,
			"status":      "completed",
			"custom_data": string(custom),
		},
	})
	return body
}

func (a *testApp) postCardWebhook(t *testing.T, body []byte, signature string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, a.server.URL+"/webhooks/card", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpHandler.HeaderCardSignature, signature)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func (a *testApp) postWalletWebhook(t *testing.T, body []byte) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, a.server.URL+"/webhooks/wallet", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpHandler.HeaderWalletSecretToken, walletSecretToken(testBotToken))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func (a *testApp) getJSON(t *testing.T, path, apiKey string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, a.server.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", apiKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

// assertLedgerConsistent checks balance = seed + Σ ledger amounts.
func (a *testApp) assertLedgerConsistent(t *testing.T, accountID uuid.UUID, seed string) {
	t.Helper()
	ctx := context.Background()
	balance, err := a.balanceSvc.GetBalance(ctx, accountID)
	require.NoError(t, err)
	sum, err := a.txns.SumByAccount(ctx, accountID)
	require.NoError(t, err)
	expected := decimal.RequireFromString(seed).Add(sum)
	assert.True(t, balance.Equal(expected),
		"balance %s != seed %s + ledger sum %s", balance, seed, sum)
}

// --- Integration Tests ---

func TestIntegration_HealthCheck(t *testing.T) {
	app := newTestApp(t)

	resp, err := http.Get(app.server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestIntegration_CardTopupWebhookReplay(t *testing.T) {
	app := newTestApp(t)
	acc := app.seedAccount(t, "0")

	body := cardEvent("evt_1001", "transaction.completed", "prov_tx_1", acc.Ref(), "topup_req_1001", "10")
	sig := signCardBody(testCardWebhookSecret, body, time.Now().Unix())

	status, decoded := app.postCardWebhook(t, body, sig)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "processed", decoded["status"])
	assert.NotEmpty(t, decoded["transaction_id"])

	// Exact redelivery must acknowledge without crediting again.
	status, decoded = app.postCardWebhook(t, body, sig)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "duplicate", decoded["status"])

	balance, err := app.balanceSvc.GetBalance(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("10")), "balance is %s", balance)
	assert.Equal(t, 1, app.txns.countForAccount(acc.ID))
	app.assertLedgerConsistent(t, acc.ID, "0")
}

func TestIntegration_CardRefundWebhook(t *testing.T) {
	app := newTestApp(t)
	acc := app.seedAccount(t, "0")

	topup := cardEvent("evt_2001", "transaction.completed", "prov_tx_2", acc.Ref(), "topup_req_2001", "10")
	status, _ := app.postCardWebhook(t, topup, signCardBody(testCardWebhookSecret, topup, time.Now().Unix()))
	require.Equal(t, http.StatusOK, status)

	refund := cardEvent("evt_2002", "transaction.refunded", "prov_tx_2", acc.Ref(), "", "5")
	status, decoded := app.postCardWebhook(t, refund, signCardBody(testCardWebhookSecret, refund, time.Now().Unix()))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "processed", decoded["status"])

	balance, err := app.balanceSvc.GetBalance(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("5")), "balance is %s", balance)
	assert.Equal(t, 2, app.txns.countForAccount(acc.ID))
	app.assertLedgerConsistent(t, acc.ID, "0")
}

func TestIntegration_ForgedWebhookLeavesNoTrace(t *testing.T) {
	app := newTestApp(t)
	acc := app.seedAccount(t, "0")

	body := cardEvent("evt_3001", "transaction.completed", "prov_tx_3", acc.Ref(), "topup_req_3001", "10")
	forged := signCardBody("not-the-real-secret", body, time.Now().Unix())

	status, decoded := app.postCardWebhook(t, body, forged)
	// 200 on purpose: the provider must not retry a request that will
	// never verify.
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "error", decoded["status"])
	assert.Equal(t, "Invalid signature", decoded["message"])

	balance, err := app.balanceSvc.GetBalance(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
	assert.Equal(t, 0, app.txns.countForAccount(acc.ID))
}

func TestIntegration_WalletInvoiceAndChargeReplay(t *testing.T) {
	app := newTestApp(t)
	acc := app.seedAccount(t, "0")
	rawKey, _ := app.issueKey(t, acc.ID, domain.ScopeBilling)

	// Open a wallet checkout; the response is an invoice blob, not a URL.
	topupBody := []byte(`{"amount_usd":"10","method":"wallet"}`)
	req, err := http.NewRequest(http.MethodPost, app.server.URL+"/payment/topup", bytes.NewReader(topupBody))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", rawKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var checkout struct {
		Data struct {
			PaymentID   string `json:"payment_id"`
			Status      string `json:"status"`
			InvoiceBlob *struct {
				Payload  string `json:"payload"`
				Currency string `json:"currency"`
				Amount   int64  `json:"amount"`
			} `json:"invoice_blob"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&checkout))
	require.NotNil(t, checkout.Data.InvoiceBlob)
	assert.Equal(t, "XTR", checkout.Data.InvoiceBlob.Currency)
	assert.Equal(t, int64(500), checkout.Data.InvoiceBlob.Amount) // $10 at 50 stars/$
	payload := checkout.Data.InvoiceBlob.Payload
	require.NotEmpty(t, payload)

	// Platform reports the successful payment, then redelivers it.
	update, _ := json.Marshal(map[string]any{
		"message": map[string]any{
			"from": map[string]any{"id": 777001},
			"successful_payment": map[string]any{
				"currency":                   "XTR",
				"total_amount":               500,
				"invoice_payload":            payload,
				"telegram_payment_charge_id": "ch_9001",
			},
		},
	})

	status, decoded := app.postWalletWebhook(t, update)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "processed", decoded["status"])

	status, decoded = app.postWalletWebhook(t, update)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "duplicate", decoded["status"])

	balance, err := app.balanceSvc.GetBalance(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("10")), "balance is %s", balance)
	assert.Equal(t, 1, app.txns.countForAccount(acc.ID))

	// The credit used the exact pending USD amount under the charge key.
	txn, err := app.txns.GetByIdempotencyKey(context.Background(), "evt_ch_9001")
	require.NoError(t, err)
	require.NotNil(t, txn)
	assert.Equal(t, domain.TransactionTypeTopup, txn.Type)
}

func TestIntegration_APIKeyLifecycle(t *testing.T) {
	app := newTestApp(t)
	acc := app.seedAccount(t, "1")
	pair := app.session(t, acc.ID)

	// Create a key over the dashboard session.
	createBody := []byte(`{"label":"ci key","scopes":["billing"]}`)
	req, err := http.NewRequest(http.MethodPost, app.server.URL+"/api_keys", bytes.NewReader(createBody))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		Data struct {
			Key       string `json:"key"`
			KeyPrefix string `json:"key_prefix"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.Data.Key)
	require.NotEmpty(t, created.Data.KeyPrefix)

	// The key authenticates immediately.
	status, body := app.getJSON(t, "/balance", created.Data.Key)
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, "1", data["balance_usd"])
	assert.Equal(t, float64(1000), data["credits"])

	// Revoke it over the session.
	delReq, err := http.NewRequest(http.MethodDelete, app.server.URL+"/api_keys/"+created.Data.KeyPrefix, nil)
	require.NoError(t, err)
	delReq.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	delResp, err := http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	delResp.Body.Close()
	require.Equal(t, http.StatusOK, delResp.StatusCode)

	// Revocation takes effect immediately, not at cache expiry.
	status, body = app.getJSON(t, "/balance", created.Data.Key)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "AUTH_001", body["error_code"])
}

func TestIntegration_SessionRefreshRotation(t *testing.T) {
	app := newTestApp(t)
	acc := app.seedAccount(t, "0")
	pair := app.session(t, acc.ID)

	refreshBody, _ := json.Marshal(map[string]string{"refresh_token": pair.RefreshToken})
	resp, err := http.Post(app.server.URL+"/auth/refresh", "application/json", bytes.NewReader(refreshBody))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rotated struct {
		Data struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rotated))
	assert.NotEmpty(t, rotated.Data.AccessToken)
	assert.NotEqual(t, pair.RefreshToken, rotated.Data.RefreshToken)

	// Replaying the rotated token is treated as theft.
	resp2, err := http.Post(app.server.URL+"/auth/refresh", "application/json", bytes.NewReader(refreshBody))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestIntegration_ProxyMeteredCall(t *testing.T) {
	app := newTestApp(t)
	acc := app.seedAccount(t, "10")
	rawKey, _ := app.issueKey(t, acc.ID, domain.ScopeUsage)

	req, err := http.NewRequest(http.MethodPost, app.server.URL+"/proxy/chat", bytes.NewReader([]byte(`{"prompt":"hi"}`)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", rawKey)
	req.Header.Set("Idempotency-Key", "req_px_1")
	req.Header.Set("X-Estimated-Units", "100")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "140", resp.Header.Get("X-Units-Charged"))

	// Provisional charge 100 × $0.001, settled up to the actual 140 units.
	balance, err := app.balanceSvc.GetBalance(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("9.86")), "balance is %s", balance)
	assert.Equal(t, 2, app.txns.countForAccount(acc.ID))
	app.assertLedgerConsistent(t, acc.ID, "10")
}

func TestIntegration_ProxyRequiresIdempotencyKey(t *testing.T) {
	app := newTestApp(t)
	acc := app.seedAccount(t, "10")
	rawKey, _ := app.issueKey(t, acc.ID, domain.ScopeUsage)

	req, err := http.NewRequest(http.MethodPost, app.server.URL+"/proxy/chat", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", rawKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "PAY_002", body["error_code"])
	assert.Equal(t, 0, app.txns.countForAccount(acc.ID))
}

func TestIntegration_AdminScopeEnforcement(t *testing.T) {
	app := newTestApp(t)
	acc := app.seedAccount(t, "0")

	billingKey, _ := app.issueKey(t, acc.ID, domain.ScopeBilling)
	status, body := app.getJSON(t, "/admin/stats", billingKey)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "AUTH_002", body["error_code"])

	// A key with no scope restriction grants everything, admin included.
	rootKey, _ := app.issueKey(t, acc.ID)
	status, body = app.getJSON(t, "/admin/stats", rootKey)
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, float64(1), data["accounts"])
}

func TestIntegration_UnauthenticatedRequestRejected(t *testing.T) {
	app := newTestApp(t)

	resp, err := http.Get(app.server.URL + "/balance")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
