// Package upstream is the metered pass-through collaborator behind the
// proxy endpoint: it forwards a request body to the configured product
// backend and reports the unit count the backend says it consumed.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"billing-core/internal/core/ports"

	"github.com/rs/zerolog"
)

// HeaderUnitsUsed is the response header the backend uses to report
// consumed units. A JSON body field "units" is the fallback.
const HeaderUnitsUsed = "X-Units-Used"

// Client implements ports.Upstream over HTTP. Requests go to
// <baseURL>/<productID>.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates an upstream Client. client may be nil for a default with
// the given timeout.
func NewClient(baseURL string, timeout time.Duration, client *http.Client, log zerolog.Logger) *Client {
	if client == nil {
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
		log:     log,
	}
}

// Invoke implements ports.Upstream. A 5xx response or a response without a
// unit count is an error; the caller refunds the provisional charge. 4xx
// responses pass through, since the backend may have consumed units
// producing them.
func (c *Client) Invoke(ctx context.Context, productID string, payload []byte) (*ports.UpstreamResult, error) {
	url := c.baseURL + "/" + productID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke upstream %s: %w", productID, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		c.log.Warn().
			Str("product_id", productID).
			Int("status", resp.StatusCode).
			Msg("upstream returned server error")
		return nil, fmt.Errorf("upstream %s returned status %d", productID, resp.StatusCode)
	}

	units, err := unitsFrom(resp, body)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", productID, err)
	}

	return &ports.UpstreamResult{
		Body:       body,
		Units:      units,
		StatusCode: resp.StatusCode,
	}, nil
}

// unitsFrom reads the consumed unit count, preferring the header over the
// body field.
func unitsFrom(resp *http.Response, body []byte) (int64, error) {
	if raw := resp.Header.Get(HeaderUnitsUsed); raw != "" {
		units, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || units < 0 {
			return 0, fmt.Errorf("invalid %s header %q", HeaderUnitsUsed, raw)
		}
		return units, nil
	}

	var envelope struct {
		Units *int64 `json:"units"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Units != nil && *envelope.Units >= 0 {
		return *envelope.Units, nil
	}

	return 0, fmt.Errorf("response carries no unit count")
}
