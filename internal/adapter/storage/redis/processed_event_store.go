package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ProcessedEventStore implements ports.ProcessedEventStore using Redis.
// It is the best-effort first idempotency layer for provider event ids; the
// unique index on transactions.idempotency_key stays authoritative, so a
// crash between marking and committing is safe on retry.
type ProcessedEventStore struct {
	client *goredis.Client
	prefix string
}

// NewProcessedEventStore creates a Redis-backed processed-event store.
func NewProcessedEventStore(client *goredis.Client) *ProcessedEventStore {
	return &ProcessedEventStore{
		client: client,
		prefix: "processed_event:",
	}
}

// Seen reports whether the provider event id was already processed.
func (s *ProcessedEventStore) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+provider+":"+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("redis processed-event check: %w", err)
	}
	return n > 0, nil
}

// Mark records the event id as processed with a TTL.
func (s *ProcessedEventStore) Mark(ctx context.Context, provider, eventID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+provider+":"+eventID, 1, ttl).Err(); err != nil {
		return fmt.Errorf("redis processed-event mark: %w", err)
	}
	return nil
}
