package handler

import (
	"time"

	"billing-core/internal/adapter/http/middleware"
	"billing-core/internal/core/domain"
	"billing-core/internal/core/ports"
	"billing-core/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	BalanceSvc   ports.BalanceService
	UsageSvc     ports.UsageService
	PaymentSvc   ports.PaymentService
	APIKeySvc    ports.APIKeyService
	TokenSvc     ports.TokenService
	ReportingSvc ports.ReportingService
	AuditSvc     ports.AuditService
	Upstream     ports.Upstream

	AuthFailures      ports.AuthFailureStore // nil = lockout disabled
	AuthFailureLimit  int64
	AuthFailureWindow time.Duration

	HealthCheckers []ports.HealthChecker
	Metrics        *metrics.Metrics
	Registry       *prometheus.Registry

	CreditsPerUSD int64
	SuccessURL    string
	CancelURL     string

	Logger zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestContext())
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1 MB request body limit

	// Health check (deep: pings ledger and cache)
	r.GET("/healthz", HealthCheck(deps.HealthCheckers...))

	// Prometheus scrape endpoint over the explicit registry.
	if deps.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	authCfg := middleware.AuthConfig{
		Tokens:        deps.TokenSvc,
		Keys:          deps.APIKeySvc,
		Failures:      deps.AuthFailures,
		FailureLimit:  deps.AuthFailureLimit,
		FailureWindow: deps.AuthFailureWindow,
		Metrics:       deps.Metrics,
		Log:           deps.Logger,
	}
	billingAuth := middleware.Auth(authCfg, domain.ScopeBilling)
	usageAuth := middleware.Auth(authCfg, domain.ScopeUsage)
	adminAuth := middleware.Auth(authCfg, domain.ScopeAdmin)
	sessionAuth := middleware.SessionAuth(authCfg)

	// --- Webhooks (signature-authenticated inside the providers) ---
	webhookHandler := NewWebhookHandler(deps.PaymentSvc, deps.Logger)
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/card", webhookHandler.Card)
		webhooks.POST("/wallet", webhookHandler.Wallet)
	}

	// --- Payments ---
	paymentHandler := NewPaymentHandler(deps.PaymentSvc, deps.SuccessURL, deps.CancelURL)
	payment := r.Group("/payment", billingAuth)
	{
		payment.POST("/topup", paymentHandler.Topup)
		payment.GET("/:id", paymentHandler.GetPayment)
	}

	// --- Account self-service ---
	accountHandler := NewAccountHandler(deps.BalanceSvc, deps.UsageSvc, deps.CreditsPerUSD)
	r.GET("/balance", billingAuth, accountHandler.GetBalance)
	r.GET("/usage", usageAuth, accountHandler.GetUsage)

	// --- API keys (session only) ---
	keyHandler := NewAPIKeyHandler(deps.APIKeySvc)
	keys := r.Group("/api_keys", sessionAuth)
	{
		keys.POST("", keyHandler.Create)
		keys.GET("", keyHandler.List)
		keys.DELETE("/:prefix", keyHandler.Revoke)
	}

	// --- Session rotation (the refresh token is the credential) ---
	tokenHandler := NewTokenHandler(deps.TokenSvc)
	auth := r.Group("/auth")
	{
		auth.POST("/refresh", tokenHandler.Refresh)
		auth.POST("/revoke", tokenHandler.Revoke)
	}

	// --- Metered pass-through ---
	if deps.Upstream != nil {
		proxyHandler := NewProxyHandler(deps.UsageSvc, deps.Upstream, deps.Logger)
		r.POST("/proxy/:product_id", usageAuth, proxyHandler.Invoke)
	}

	// --- Admin ---
	adminHandler := NewAdminHandler(deps.ReportingSvc, deps.AuditSvc, deps.Logger)
	r.GET("/admin/stats", adminAuth, adminHandler.GetStats)

	return r
}
