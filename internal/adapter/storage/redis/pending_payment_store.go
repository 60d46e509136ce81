package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"billing-core/internal/core/domain"

	goredis "github.com/redis/go-redis/v9"
)

// PendingPaymentStore implements ports.PendingPaymentStore using Redis.
// Entries bind wallet invoice payloads to accounts while the platform
// checkout is in flight and expire after one hour.
type PendingPaymentStore struct {
	client *goredis.Client
	prefix string
}

// NewPendingPaymentStore creates a Redis-backed pending-payment store.
func NewPendingPaymentStore(client *goredis.Client) *PendingPaymentStore {
	return &PendingPaymentStore{
		client: client,
		prefix: "pending_payment:",
	}
}

// Put stores a pending payment keyed by invoice payload.
func (s *PendingPaymentStore) Put(ctx context.Context, payload string, p domain.PendingPayment, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending payment: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+payload, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis pending-payment put: %w", err)
	}
	return nil
}

// Get returns the pending payment for a payload, or nil, nil on a miss.
func (s *PendingPaymentStore) Get(ctx context.Context, payload string) (*domain.PendingPayment, error) {
	data, err := s.client.Get(ctx, s.prefix+payload).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis pending-payment get: %w", err)
	}

	p := &domain.PendingPayment{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("unmarshal pending payment: %w", err)
	}
	return p, nil
}

// Delete removes a pending payment after the checkout settles or expires.
func (s *PendingPaymentStore) Delete(ctx context.Context, payload string) error {
	if err := s.client.Del(ctx, s.prefix+payload).Err(); err != nil {
		return fmt.Errorf("redis pending-payment delete: %w", err)
	}
	return nil
}
