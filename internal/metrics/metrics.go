// Package metrics holds the Prometheus instruments for payment and usage
// flows. Instruments register against an injected registry; there is no
// package-level state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Webhook status label values.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusDuplicate = "duplicate"
	StatusIgnored   = "ignored"
	StatusInvalid   = "invalid_signature"
)

// Metrics bundles the counters recorded by the payment orchestrator, the
// provider adapters and the credential service.
type Metrics struct {
	PaymentRequests *prometheus.CounterVec
	WebhookEvents   *prometheus.CounterVec
	ProviderRetries *prometheus.CounterVec
	UsageCharges    *prometheus.CounterVec
	AuthFailures    prometheus.Counter
}

// New creates and registers all instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		PaymentRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_payment_requests_total",
			Help: "Checkout creations by method and outcome.",
		}, []string{"method", "status"}),
		WebhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Provider webhook events by provider, event type and outcome.",
		}, []string{"provider", "event_type", "status"}),
		ProviderRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_provider_retries_total",
			Help: "Retried provider HTTP attempts by provider.",
		}, []string{"provider"}),
		UsageCharges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_usage_charges_total",
			Help: "Metered usage charges by product and outcome.",
		}, []string{"product", "status"}),
		AuthFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "billing_auth_failures_total",
			Help: "Failed API key or token authentications.",
		}),
	}
}

// ObservePayment records one checkout creation outcome.
func (m *Metrics) ObservePayment(method, status string) {
	m.PaymentRequests.WithLabelValues(method, status).Inc()
}

// ObserveWebhook records one webhook event outcome.
func (m *Metrics) ObserveWebhook(provider, eventType, status string) {
	m.WebhookEvents.WithLabelValues(provider, eventType, status).Inc()
}

// ObserveRetry records one retried provider attempt.
func (m *Metrics) ObserveRetry(provider string) {
	m.ProviderRetries.WithLabelValues(provider).Inc()
}

// ObserveUsage records one usage charge outcome.
func (m *Metrics) ObserveUsage(product, status string) {
	m.UsageCharges.WithLabelValues(product, status).Inc()
}

// ObserveAuthFailure records one failed authentication.
func (m *Metrics) ObserveAuthFailure() {
	m.AuthFailures.Inc()
}
