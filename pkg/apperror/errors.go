package apperror

import (
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// ---- Payment & Ledger (PAY) ----

// ErrInsufficientBalance reports a debit that would take the balance below
// zero. Current and required are rendered as plain decimal strings.
func ErrInsufficientBalance(current, required string) *AppError {
	return New("PAY_001",
		fmt.Sprintf("Insufficient balance: have %s, need %s", current, required),
		http.StatusPaymentRequired)
}

func ErrValidation(message string) *AppError {
	return New("PAY_002", message, http.StatusBadRequest)
}

// ErrDuplicatePayment reports an idempotency-key collision. Webhook handlers
// translate this to a 200 so providers stop retrying.
func ErrDuplicatePayment(key string) *AppError {
	return New("PAY_003",
		fmt.Sprintf("Duplicate payment for idempotency key %q", key),
		http.StatusConflict)
}

func ErrNotFound(entity string) *AppError {
	return New("PAY_004", fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

func ErrProviderUnavailable(provider string, err error) *AppError {
	return Wrap("PAY_005",
		fmt.Sprintf("Payment provider %s unavailable", provider),
		http.StatusBadGateway, err)
}

func ErrProviderTimeout(provider string, err error) *AppError {
	return Wrap("PAY_006",
		fmt.Sprintf("Payment provider %s timed out", provider),
		http.StatusGatewayTimeout, err)
}

func ErrAmountOutOfRange(min, max string) *AppError {
	return New("PAY_007",
		fmt.Sprintf("Amount must be between %s and %s USD", min, max),
		http.StatusBadRequest)
}

// ---- Webhook Security (SEC) ----

// ErrInvalidSignature is surfaced to webhook callers as HTTP 200 with an
// error body; the 401 status applies only when it leaks to a user API path.
func ErrInvalidSignature() *AppError {
	return New("SEC_001", "Invalid signature", http.StatusUnauthorized)
}

func ErrReplayedWebhook() *AppError {
	return New("SEC_002", "Webhook timestamp outside replay window", http.StatusUnauthorized)
}

// ---- Authentication & Authorization (AUTH) ----

func ErrUnauthorized() *AppError {
	return New("AUTH_001", "Missing or invalid credentials", http.StatusUnauthorized)
}

func ErrForbidden(scope string) *AppError {
	return New("AUTH_002",
		fmt.Sprintf("Missing required scope %q", scope),
		http.StatusForbidden)
}

func ErrInvalidToken() *AppError {
	return New("AUTH_003", "Invalid or expired token", http.StatusUnauthorized)
}

// ---- Rate Limiting (RATE) ----

func ErrTooManyAuthFailures(retryAfterSeconds int) *AppError {
	return New("RATE_001",
		fmt.Sprintf("Too many failed attempts, retry after %d seconds", retryAfterSeconds),
		http.StatusTooManyRequests)
}

// ---- System & Infrastructure (SYS) ----

func ErrDatabaseError(err error) *AppError {
	return Wrap("SYS_001", "Internal database error", http.StatusInternalServerError, err)
}

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap("SYS_001", "Internal server error", http.StatusInternalServerError, err)
}

func ErrCacheUnavailable(err error) *AppError {
	return Wrap("SYS_002", "Cache unavailable", http.StatusServiceUnavailable, err)
}
