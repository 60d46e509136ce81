package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Security SecurityConfig `mapstructure:"security"`
	Card     CardConfig     `mapstructure:"card"`
	Wallet   WalletConfig   `mapstructure:"wallet"`
	Billing  BillingConfig  `mapstructure:"billing"`
	URLs     URLConfig      `mapstructure:"urls"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // debug, release, test
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LedgerConfig points at the durable store holding accounts and
// transactions.
type LedgerConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// CacheConfig points at the volatile store for pending payments, processed
// events, key-prefix entries and rate counters.
type CacheConfig struct {
	URL      string        `mapstructure:"url"`
	PoolSize int           `mapstructure:"pool_size"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type SecurityConfig struct {
	// ServerSecret is the HMAC key for API-key hashing and the signing key
	// for access tokens. Rotation requires re-hashing stored keys.
	ServerSecret      string        `mapstructure:"server_secret"`
	AccessTokenTTL    time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL   time.Duration `mapstructure:"refresh_token_ttl"`
	TokenIssuer       string        `mapstructure:"token_issuer"`
	AuthFailureLimit  int64         `mapstructure:"auth_failure_limit"`
	AuthFailureWindow time.Duration `mapstructure:"auth_failure_window"`
}

type CardConfig struct {
	APIKey        string        `mapstructure:"api_key"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	Env           string        `mapstructure:"env"`      // sandbox or live
	APIBase       string        `mapstructure:"api_base"` // override; empty = derived from env
	Timeout       time.Duration `mapstructure:"timeout"`
}

type WalletConfig struct {
	BotToken string `mapstructure:"bot_token"`
}

type BillingConfig struct {
	CreditsPerUSD       int64         `mapstructure:"credits_per_usd"`
	LowBalanceThreshold string        `mapstructure:"low_balance_threshold"`
	PriceCacheTTL       time.Duration `mapstructure:"price_cache_ttl"`
}

type URLConfig struct {
	WebappURL   string `mapstructure:"webapp_url"`
	FrontendURL string `mapstructure:"frontend_url"`
}

type UpstreamConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// Load reads configuration from an optional yaml file and environment
// variables; environment always wins. The externally documented names
// (LEDGER_URL, CACHE_URL, SERVER_SECRET, CARD_API_KEY, CARD_WEBHOOK_SECRET,
// CARD_ENV, WALLET_BOT_TOKEN, CREDITS_PER_USD, WEBAPP_URL, FRONTEND_URL) are
// bound explicitly; everything else follows the BILLING_ prefix convention,
// e.g. BILLING_SERVER_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("ledger.url", "")
	v.SetDefault("ledger.max_conns", 20)
	v.SetDefault("ledger.min_conns", 2)
	v.SetDefault("ledger.conn_max_lifetime", "30m")
	v.SetDefault("cache.url", "")
	v.SetDefault("cache.pool_size", 50)
	v.SetDefault("cache.timeout", "5s")
	v.SetDefault("security.server_secret", "")
	v.SetDefault("security.access_token_ttl", "15m")
	v.SetDefault("security.refresh_token_ttl", "168h")
	v.SetDefault("security.token_issuer", "billing-core")
	v.SetDefault("security.auth_failure_limit", 5)
	v.SetDefault("security.auth_failure_window", "15m")
	v.SetDefault("card.api_key", "")
	v.SetDefault("card.webhook_secret", "")
	v.SetDefault("card.env", "sandbox")
	v.SetDefault("card.api_base", "")
	v.SetDefault("card.timeout", "30s")
	v.SetDefault("wallet.bot_token", "")
	v.SetDefault("billing.credits_per_usd", 1000)
	v.SetDefault("billing.low_balance_threshold", "1.00")
	v.SetDefault("billing.price_cache_ttl", "5m")
	v.SetDefault("urls.webapp_url", "")
	v.SetDefault("urls.frontend_url", "")
	v.SetDefault("upstream.url", "")
	v.SetDefault("upstream.timeout", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// File config
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Documented bare env names.
	bindings := map[string]string{
		"ledger.url":                "LEDGER_URL",
		"cache.url":                 "CACHE_URL",
		"security.server_secret":    "SERVER_SECRET",
		"card.api_key":              "CARD_API_KEY",
		"card.webhook_secret":       "CARD_WEBHOOK_SECRET",
		"card.env":                  "CARD_ENV",
		"wallet.bot_token":          "WALLET_BOT_TOKEN",
		"billing.credits_per_usd":   "CREDITS_PER_USD",
		"urls.webapp_url":           "WEBAPP_URL",
		"urls.frontend_url":         "FRONTEND_URL",
		"upstream.url":              "UPSTREAM_URL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	// Everything else: BILLING_SERVER_PORT -> server.port
	v.SetEnvPrefix("BILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (not required - env vars can suffice)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the invariants a running server depends on. A non-nil
// error here is a configuration error (exit code 1), not a connectivity
// failure.
func (c *Config) Validate() error {
	if c.Ledger.URL == "" {
		return fmt.Errorf("LEDGER_URL is required")
	}
	if _, err := url.Parse(c.Ledger.URL); err != nil {
		return fmt.Errorf("LEDGER_URL is not a valid URL: %w", err)
	}
	if c.Cache.URL == "" {
		return fmt.Errorf("CACHE_URL is required")
	}
	if c.Security.ServerSecret == "" {
		return fmt.Errorf("SERVER_SECRET is required")
	}
	if len(c.Security.ServerSecret) < 32 {
		return fmt.Errorf("SERVER_SECRET must be at least 32 bytes")
	}
	if c.Card.Env != "sandbox" && c.Card.Env != "live" {
		return fmt.Errorf("CARD_ENV must be sandbox or live, got %q", c.Card.Env)
	}
	if c.Billing.CreditsPerUSD <= 0 {
		return fmt.Errorf("CREDITS_PER_USD must be positive")
	}
	return nil
}
