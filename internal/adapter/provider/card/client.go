// Package card integrates the hosted card-checkout provider: checkout
// creation and status probes over its REST API, plus webhook verification
// and settlement of its callbacks into the ledger.
package card

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"billing-core/internal/core/domain"
	"billing-core/internal/metrics"
	"billing-core/pkg/backoff"
	"billing-core/pkg/logger"

	"github.com/rs/zerolog"
)

const (
	sandboxAPIBase = "https://sandbox-api.paddle.com"
	liveAPIBase    = "https://api.paddle.com"
)

// Client is the retrying HTTP client for the provider API. Network errors,
// 5xx and 429 are transient; a 429 Retry-After overrides the computed
// delay. 4xx is terminal.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	policy  backoff.Policy
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewClient builds a Client. env selects the provider environment; baseURL
// overrides it when non-empty (tests point this at a local server).
func NewClient(apiKey, env, baseURL string, timeout time.Duration, m *metrics.Metrics, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = sandboxAPIBase
		if env == "live" {
			baseURL = liveAPIBase
		}
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		policy:  backoff.Default(),
		metrics: m,
		log:     log,
	}
}

// Post sends a JSON request and returns the response body. A non-empty
// idempotencyKey is forwarded as a header so the retries below collapse
// into a single provider-side operation.
func (c *Client) Post(ctx context.Context, path, idempotencyKey string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.NewProviderError(providerName, domain.ProviderErrClient, "marshal request", err)
	}
	return c.do(ctx, http.MethodPost, path, idempotencyKey, body)
}

// Get fetches a resource.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, "", nil)
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, body []byte) ([]byte, error) {
	var respBody []byte

	attempt := 0
	err := backoff.Retry(ctx, c.policy, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			c.metrics.ObserveRetry(providerName)
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return backoff.Retryable(fmt.Errorf("%s %s: %s", method, path, logger.RedactSecret(err.Error(), c.apiKey)))
		}
		defer resp.Body.Close() //nolint:errcheck

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Retryable(fmt.Errorf("read response: %w", err))
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			err := fmt.Errorf("%s %s: status 429", method, path)
			if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
				return backoff.RetryableAfter(err, after)
			}
			return backoff.Retryable(err)
		case resp.StatusCode >= 500:
			return backoff.Retryable(fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode))
		case resp.StatusCode == http.StatusNotFound:
			return domain.NewProviderError(providerName, domain.ProviderErrNotFound,
				fmt.Sprintf("%s %s: status 404", method, path), nil)
		case resp.StatusCode >= 400:
			return domain.NewProviderError(providerName, domain.ProviderErrClient,
				fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode), nil)
		}

		respBody = data
		return nil
	})
	if err != nil {
		var exhausted *backoff.ExhaustedError
		switch {
		case errors.As(err, &exhausted):
			return nil, domain.NewProviderError(providerName, domain.ProviderErrMaxRetries,
				fmt.Sprintf("gave up after %d attempts", exhausted.Attempts), exhausted.Last)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, domain.NewProviderError(providerName, domain.ProviderErrTimeout, "request deadline exceeded", err)
		}
		var provErr *domain.ProviderError
		if errors.As(err, &provErr) {
			return nil, provErr
		}
		return nil, domain.NewProviderError(providerName, domain.ProviderErrServer, "provider call failed", err)
	}
	return respBody, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
