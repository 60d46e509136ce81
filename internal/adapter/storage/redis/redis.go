package redis

import (
	"context"
	"fmt"

	"billing-core/config"
	"billing-core/internal/adapter/storage/postgres"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// NewClient creates the cache client and verifies connectivity. The cache
// holds only volatile state (pending payments, processed events, key-prefix
// entries, rate counters); the ledger remains authoritative when it is down.
func NewClient(ctx context.Context, cfg config.CacheConfig, log zerolog.Logger) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing cache url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.Timeout > 0 {
		opts.DialTimeout = cfg.Timeout
		opts.ReadTimeout = cfg.Timeout
		opts.WriteTimeout = cfg.Timeout
	}

	client := goredis.NewClient(opts)

	// Verify connectivity
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging cache: %w", err)
	}

	log.Info().
		Str("addr", postgres.HostOf(cfg.URL)).
		Int("pool_size", opts.PoolSize).
		Msg("cache connection established")

	return client, nil
}
