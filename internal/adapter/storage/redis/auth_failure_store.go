package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// AuthFailureStore implements ports.AuthFailureStore with a fixed-window
// counter per client IP: INCR + EXPIRE on first increment. State is
// best-effort; when the cache is unavailable authentication proceeds.
type AuthFailureStore struct {
	client *goredis.Client
	prefix string
}

// NewAuthFailureStore creates a Redis-backed auth-failure counter.
func NewAuthFailureStore(client *goredis.Client) *AuthFailureStore {
	return &AuthFailureStore{
		client: client,
		prefix: "auth_failures:",
	}
}

// RegisterFailure increments the IP's failure counter and returns the new
// count. The window TTL starts at the first failure.
func (s *AuthFailureStore) RegisterFailure(ctx context.Context, ip string, window time.Duration) (int64, error) {
	key := s.prefix + ip
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis auth-failure incr: %w", err)
	}
	if count == 1 {
		s.client.Expire(ctx, key, window)
	}
	return count, nil
}

// Check reports whether the IP has reached the failure limit, and if so how
// long until the window resets.
func (s *AuthFailureStore) Check(ctx context.Context, ip string, limit int64) (bool, time.Duration, error) {
	key := s.prefix + ip
	count, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if err == goredis.Nil {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("redis auth-failure get: %w", err)
	}
	if count < limit {
		return false, 0, nil
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = time.Minute
	}
	return true, ttl, nil
}

// Reset clears the IP's failure counter after a successful authentication.
func (s *AuthFailureStore) Reset(ctx context.Context, ip string) error {
	if err := s.client.Del(ctx, s.prefix+ip).Err(); err != nil {
		return fmt.Errorf("redis auth-failure reset: %w", err)
	}
	return nil
}
