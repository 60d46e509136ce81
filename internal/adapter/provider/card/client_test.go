package card

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"billing-core/internal/core/domain"
	"billing-core/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(baseURL string) *Client {
	c := NewClient("sk_test", "sandbox", baseURL, 5*time.Second,
		metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	// Tight schedule to keep tests quick.
	c.policy.BaseDelay = 5 * time.Millisecond
	c.policy.MaxDelay = 20 * time.Millisecond
	return c
}

func TestClient_RetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data":{"id":"txn_1"}}`)) //nolint:errcheck
	}))
	defer server.Close()

	body, err := newTestClient(server.URL).Get(context.Background(), "/transactions/txn_1")
	require.NoError(t, err)
	assert.Contains(t, string(body), "txn_1")
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_ExhaustionSurfacesMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Get(context.Background(), "/transactions/txn_1")
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load(), "attempt budget is 3")

	var provErr *domain.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, domain.ProviderErrMaxRetries, provErr.Code)
}

func TestClient_ClientErrorIsTerminal(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Post(context.Background(), "/transactions", "", map[string]string{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")

	var provErr *domain.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, domain.ProviderErrClient, provErr.Code)
}

func TestClient_PostSendsIdempotencyKeyOnEveryAttempt(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "topup_abc", r.Header.Get("Idempotency-Key"))
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data":{"id":"txn_1"}}`)) //nolint:errcheck
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Post(context.Background(), "/transactions", "topup_abc", map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "the retried attempt carries the same key")
}

func TestClient_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Get(context.Background(), "/transactions/missing")
	require.Error(t, err)

	var provErr *domain.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, domain.ProviderErrNotFound, provErr.Code)
}

func TestClient_RateLimitHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	start := time.Now()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"data":{}}`)) //nolint:errcheck
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Get(context.Background(), "/transactions/txn_1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "provider-suggested delay overrides the schedule")
}

func TestClient_EnvSelectsBase(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	sandbox := NewClient("k", "sandbox", "", time.Second, m, zerolog.Nop())
	live := NewClient("k", "live", "", time.Second, m, zerolog.Nop())

	assert.Equal(t, sandboxAPIBase, sandbox.baseURL)
	assert.Equal(t, liveAPIBase, live.baseURL)
}
