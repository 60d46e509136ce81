package redis

import (
	"context"
	"testing"
	"time"

	"billing-core/internal/core/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingPaymentStore_RoundTrip(t *testing.T) {
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	store := NewPendingPaymentStore(client)
	ctx := context.Background()

	accountID := uuid.New()
	pending := domain.PendingPayment{
		AccountID: accountID,
		Stars:     500,
		USDAmount: decimal.RequireFromString("10.00"),
	}

	require.NoError(t, store.Put(ctx, "topup:abc:1:deadbeef", pending, time.Hour))

	got, err := store.Get(ctx, "topup:abc:1:deadbeef")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, accountID, got.AccountID)
	assert.Equal(t, int64(500), got.Stars)
	assert.True(t, got.USDAmount.Equal(pending.USDAmount))
}

func TestPendingPaymentStore_Miss(t *testing.T) {
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	store := NewPendingPaymentStore(client)

	got, err := store.Get(context.Background(), "topup:missing")
	require.NoError(t, err)
	assert.Nil(t, got, "miss should be nil, nil")
}

func TestPendingPaymentStore_Expiry(t *testing.T) {
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	store := NewPendingPaymentStore(client)
	ctx := context.Background()

	pending := domain.PendingPayment{AccountID: uuid.New(), Stars: 250, USDAmount: decimal.RequireFromString("5")}
	require.NoError(t, store.Put(ctx, "topup:ttl", pending, time.Hour))

	s.FastForward(time.Hour + time.Minute)

	got, err := store.Get(ctx, "topup:ttl")
	require.NoError(t, err)
	assert.Nil(t, got, "expired entry should be a miss")
}

func TestPendingPaymentStore_Delete(t *testing.T) {
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	store := NewPendingPaymentStore(client)
	ctx := context.Background()

	pending := domain.PendingPayment{AccountID: uuid.New(), Stars: 100, USDAmount: decimal.RequireFromString("2")}
	require.NoError(t, store.Put(ctx, "topup:gone", pending, time.Hour))
	require.NoError(t, store.Delete(ctx, "topup:gone"))

	got, err := store.Get(ctx, "topup:gone")
	require.NoError(t, err)
	assert.Nil(t, got)
}
