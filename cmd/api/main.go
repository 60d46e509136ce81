package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"billing-core/config"
	httpHandler "billing-core/internal/adapter/http/handler"
	"billing-core/internal/adapter/provider/card"
	"billing-core/internal/adapter/provider/wallet"
	pgStorage "billing-core/internal/adapter/storage/postgres"
	redisStorage "billing-core/internal/adapter/storage/redis"
	"billing-core/internal/adapter/upstream"
	"billing-core/internal/core/ports"
	"billing-core/internal/metrics"
	"billing-core/internal/service"
	"billing-core/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
)

// Exit codes: 0 success, 1 configuration error, 2 connectivity failure.
const (
	exitConfigError       = 1
	exitConnectivityError = 2
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	checkMode := flag.Bool("check", false, "validate configuration and store connectivity, then exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(exitConfigError)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(exitConfigError)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Msg("Starting billing core")

	ctx := context.Background()

	// Initialize PostgreSQL pool
	pool, err := pgStorage.NewPool(ctx, cfg.Ledger, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to ledger database")
		os.Exit(exitConnectivityError)
	}
	defer pool.Close()
	log.Info().Msg("Ledger database connected")

	// Initialize Redis client
	rdb, err := redisStorage.NewClient(ctx, cfg.Cache, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to cache")
		os.Exit(exitConnectivityError)
	}
	defer rdb.Close() //nolint:errcheck
	log.Info().Msg("Cache connected")

	if *checkMode {
		log.Info().Msg("Configuration and connectivity OK")
		return
	}

	lowBalance, err := decimal.NewFromString(cfg.Billing.LowBalanceThreshold)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid low balance threshold: %v\n", err)
		os.Exit(exitConfigError)
	}

	// Metrics on an explicit registry; no package-level singletons.
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Initialize repositories
	accountRepo := pgStorage.NewAccountRepo(pool)
	txRepo := pgStorage.NewTransactionRepo(pool)
	usageRepo := pgStorage.NewUsageRepo(pool)
	productRepo := pgStorage.NewProductRepo(pool)
	keyRepo := pgStorage.NewAPIKeyRepo(pool)
	auditRepo := pgStorage.NewAuditRepository(pool)
	refreshRepo := pgStorage.NewRefreshTokenRepo(pool)
	transactor := pgStorage.NewTransactor(pool)

	// Initialize Redis stores
	pendingStore := redisStorage.NewPendingPaymentStore(rdb)
	eventStore := redisStorage.NewProcessedEventStore(rdb)
	keyCache := redisStorage.NewKeyPrefixCache(rdb)
	authFailures := redisStorage.NewAuthFailureStore(rdb)

	// Initialize core services
	auditSvc := service.NewAuditService(auditRepo, log)
	balanceSvc := service.NewBalanceService(accountRepo, txRepo, usageRepo, transactor, log)
	notifier := service.NewBotNotifier(cfg.Wallet.BotToken, "", nil, log)
	usageSvc := service.NewUsageService(balanceSvc, productRepo, usageRepo, notifier, m, lowBalance, cfg.Billing.PriceCacheTTL, log)
	keySvc := service.NewAPIKeyService(keyRepo, accountRepo, keyCache, auditSvc, cfg.Security.ServerSecret, log)
	tokenSvc := service.NewTokenService(
		refreshRepo,
		auditSvc,
		cfg.Security.ServerSecret,
		cfg.Security.AccessTokenTTL,
		cfg.Security.RefreshTokenTTL,
		cfg.Security.TokenIssuer,
		log,
	)
	reportingSvc := service.NewReportingService(accountRepo, txRepo, usageRepo, log)

	// Initialize payment providers
	cardClient := card.NewClient(cfg.Card.APIKey, cfg.Card.Env, cfg.Card.APIBase, cfg.Card.Timeout, m, log)
	cardProvider := card.NewAdapter(cardClient, balanceSvc, eventStore, notifier, m, cfg.Card.WebhookSecret, log)
	walletProvider := wallet.NewAdapter(balanceSvc, pendingStore, eventStore, notifier, m, cfg.Wallet.BotToken, "", nil, log)
	paymentSvc := service.NewPaymentService(cardProvider, walletProvider, auditSvc, m, log)

	// Metered upstream (optional)
	var upstreamClient ports.Upstream
	if cfg.Upstream.URL != "" {
		upstreamClient = upstream.NewClient(cfg.Upstream.URL, cfg.Upstream.Timeout, nil, log)
	}

	// Initialize health checkers
	pgHealth := pgStorage.NewHealthCheck(pool)
	redisHealth := redisStorage.NewHealthCheck(rdb)

	// Setup Gin router with all routes
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
		AuthFailureLimit:  cfg.Security.AuthFailureLimit,
		AuthFailureWindow: cfg.Security.AuthFailureWindow,

		HealthCheckers: []ports.HealthChecker{pgHealth, redisHealth},
		Metrics:        m,
		Registry:       registry,

		CreditsPerUSD: cfg.Billing.CreditsPerUSD,
		SuccessURL:    cfg.URLs.WebappURL,
		CancelURL:     cfg.URLs.FrontendURL,

		Logger: log,
	})

	// HTTP Server with graceful shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}
