package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"billing-core/internal/core/domain"
	"billing-core/pkg/backoff"
	"billing-core/pkg/logger"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	defaultBotAPIBase = "https://api.telegram.org"
	notifyTimeout     = 10 * time.Second
)

// BotNotifier implements ports.Notifier by pushing chat messages through
// the platform bot API. Delivery is fire-and-forget on a detached context:
// a slow or dead bot API never blocks or fails a balance mutation. With no
// bot token configured every notification is a silent no-op.
type BotNotifier struct {
	botToken string
	apiBase  string
	client   *http.Client
	policy   backoff.Policy
	log      zerolog.Logger
}

// NewBotNotifier creates a BotNotifier. apiBase and client may be empty/nil
// for the defaults.
func NewBotNotifier(botToken, apiBase string, client *http.Client, log zerolog.Logger) *BotNotifier {
	if apiBase == "" {
		apiBase = defaultBotAPIBase
	}
	if client == nil {
		client = &http.Client{Timeout: notifyTimeout}
	}
	return &BotNotifier{
		botToken: botToken,
		apiBase:  apiBase,
		client:   client,
		// Notifications are worth one quick retry, not a full provider
		// schedule.
		policy: backoff.Policy{
			BaseDelay:   500 * time.Millisecond,
			Factor:      2,
			Jitter:      0.25,
			MaxDelay:    2 * time.Second,
			MaxAttempts: 2,
		},
		log: log,
	}
}

// NotifySuccess reports a completed top-up.
func (n *BotNotifier) NotifySuccess(rc domain.RequestContext, account *domain.Account, amount, newBalance decimal.Decimal) {
	n.dispatch(rc, account, fmt.Sprintf("Payment received: $%s. New balance: $%s.",
		amount.StringFixed(2), newBalance.StringFixed(2)))
}

// NotifyFailure reports a failed payment. The reason is provider-facing
// text and never carries credentials.
func (n *BotNotifier) NotifyFailure(rc domain.RequestContext, account *domain.Account, reason string) {
	n.dispatch(rc, account, fmt.Sprintf("Payment failed: %s.", reason))
}

// NotifyLowBalance warns that the balance dropped under the threshold.
func (n *BotNotifier) NotifyLowBalance(rc domain.RequestContext, account *domain.Account, current decimal.Decimal) {
	n.dispatch(rc, account, fmt.Sprintf("Low balance: $%s remaining. Top up to avoid interruptions.",
		current.StringFixed(2)))
}

func (n *BotNotifier) dispatch(rc domain.RequestContext, account *domain.Account, text string) {
	if n.botToken == "" {
		return
	}
	if account == nil || account.ExternalID == nil {
		// Accounts without a chat identity have nowhere to deliver to.
		return
	}
	chatID := *account.ExternalID

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := n.send(ctx, chatID, text); err != nil {
			n.log.Warn().Err(err).
				Str("request_id", rc.RequestID).
				Int64("chat_id", chatID).
				Msg("notification delivery failed")
		}
	}()
}

func (n *BotNotifier) send(ctx context.Context, chatID int64, text string) error {
	body, err := json.Marshal(map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.botToken)

	return backoff.Retry(ctx, n.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return backoff.Retryable(fmt.Errorf("send message: %s", logger.RedactSecret(err.Error(), n.botToken)))
		}
		defer resp.Body.Close() //nolint:errcheck

		if resp.StatusCode >= 500 {
			return backoff.Retryable(fmt.Errorf("bot api status %d", resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("bot api status %d", resp.StatusCode)
		}
		return nil
	})
}
