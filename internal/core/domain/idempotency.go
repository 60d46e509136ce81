package domain

// Idempotency keys for the settlement flow are all derived from one
// client-supplied request id, so a retry of any step lands on the same keys.
// The tracker never generates settlement keys internally.

// UsageIdempotencyKey is the key for the initial (or provisional) charge.
func UsageIdempotencyKey(requestID string) string {
	return "usage_" + requestID
}

// AdjustmentIdempotencyKey is the key for the actual-vs-estimate adjustment.
func AdjustmentIdempotencyKey(requestID string) string {
	return "adjust_" + requestID
}

// RefundIdempotencyKey is the key for refunding a provisional charge after
// an upstream failure.
func RefundIdempotencyKey(requestID string) string {
	return "refund_" + requestID
}

// EventIdempotencyKey is the fallback key for provider webhook events that
// carry no custom idempotency key.
func EventIdempotencyKey(eventID string) string {
	return "evt_" + eventID
}

// RefundEventIdempotencyKey is the key for provider-initiated refunds.
func RefundEventIdempotencyKey(eventID string) string {
	return "refund_" + eventID
}
