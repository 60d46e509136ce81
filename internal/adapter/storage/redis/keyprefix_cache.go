package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"billing-core/internal/core/ports"

	goredis "github.com/redis/go-redis/v9"
)

// KeyPrefixCache implements ports.KeyPrefixCache using Redis. It keeps the
// hot API-key verify path off the ledger store; entries carry the key hash
// so the comparison itself never needs a database read.
type KeyPrefixCache struct {
	client *goredis.Client
	prefix string
}

// NewKeyPrefixCache creates a Redis-backed key-prefix cache.
func NewKeyPrefixCache(client *goredis.Client) *KeyPrefixCache {
	return &KeyPrefixCache{
		client: client,
		prefix: "api_key:",
	}
}

// Get returns the cached entry for a key prefix, or nil, nil on a miss.
func (c *KeyPrefixCache) Get(ctx context.Context, prefix string) (*ports.CachedKey, error) {
	data, err := c.client.Get(ctx, c.prefix+prefix).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis key-prefix get: %w", err)
	}

	entry := &ports.CachedKey{}
	if err := json.Unmarshal(data, entry); err != nil {
		return nil, fmt.Errorf("unmarshal cached key: %w", err)
	}
	return entry, nil
}

// Set caches an entry under a key prefix with TTL.
func (c *KeyPrefixCache) Set(ctx context.Context, prefix string, entry ports.CachedKey, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cached key: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+prefix, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis key-prefix set: %w", err)
	}
	return nil
}

// Delete evicts a prefix, used on key revocation.
func (c *KeyPrefixCache) Delete(ctx context.Context, prefix string) error {
	if err := c.client.Del(ctx, c.prefix+prefix).Err(); err != nil {
		return fmt.Errorf("redis key-prefix delete: %w", err)
	}
	return nil
}
