package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appErr   *AppError
		expected string
	}{
		{
			name:     "without wrapped error",
			appErr:   New("PAY_001", "Insufficient balance", http.StatusPaymentRequired),
			expected: "[PAY_001] Insufficient balance",
		},
		{
			name:     "with wrapped error",
			appErr:   Wrap("SYS_001", "DB error", http.StatusInternalServerError, fmt.Errorf("connection refused")),
			expected: "[SYS_001] DB error: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.appErr.Error())
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("inner error")
	appErr := Wrap("SYS_001", "wrapped", http.StatusInternalServerError, inner)

	assert.True(t, errors.Is(appErr, inner))
}

func TestAppError_IsNilUnwrap(t *testing.T) {
	appErr := New("PAY_001", "test", http.StatusBadRequest)
	assert.Nil(t, appErr.Unwrap())
}

func TestPaymentErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		code       string
		httpStatus int
	}{
		{"InsufficientBalance", ErrInsufficientBalance("0.02", "0.08"), "PAY_001", 402},
		{"Validation", ErrValidation("amount_usd is required"), "PAY_002", 400},
		{"DuplicatePayment", ErrDuplicatePayment("k1"), "PAY_003", 409},
		{"NotFound", ErrNotFound("Account"), "PAY_004", 404},
		{"ProviderUnavailable", ErrProviderUnavailable("card", fmt.Errorf("boom")), "PAY_005", 502},
		{"ProviderTimeout", ErrProviderTimeout("card", fmt.Errorf("deadline")), "PAY_006", 504},
		{"AmountOutOfRange", ErrAmountOutOfRange("5", "1000"), "PAY_007", 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.httpStatus, tt.err.HTTPStatus)
		})
	}
}

func TestInsufficientBalanceMessage(t *testing.T) {
	err := ErrInsufficientBalance("0.02", "0.08")
	assert.Contains(t, err.Message, "0.02")
	assert.Contains(t, err.Message, "0.08")
}

func TestDuplicatePaymentMessage(t *testing.T) {
	err := ErrDuplicatePayment("evt_42")
	assert.Contains(t, err.Message, "evt_42")
}

func TestWebhookSecurityErrors(t *testing.T) {
	sig := ErrInvalidSignature()
	assert.Equal(t, "SEC_001", sig.Code)
	assert.Equal(t, 401, sig.HTTPStatus)
	assert.Equal(t, "Invalid signature", sig.Message)

	replay := ErrReplayedWebhook()
	assert.Equal(t, "SEC_002", replay.Code)
	assert.Equal(t, 401, replay.HTTPStatus)
}

func TestAuthErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		code       string
		httpStatus int
	}{
		{"Unauthorized", ErrUnauthorized(), "AUTH_001", 401},
		{"Forbidden", ErrForbidden("admin"), "AUTH_002", 403},
		{"InvalidToken", ErrInvalidToken(), "AUTH_003", 401},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.httpStatus, tt.err.HTTPStatus)
		})
	}
}

func TestForbiddenNamesScope(t *testing.T) {
	err := ErrForbidden("usage")
	assert.Contains(t, err.Message, "usage")
}

func TestSystemErrors(t *testing.T) {
	inner := fmt.Errorf("pg: connection closed")
	dbErr := ErrDatabaseError(inner)
	assert.Equal(t, "SYS_001", dbErr.Code)
	assert.Equal(t, 500, dbErr.HTTPStatus)
	assert.True(t, errors.Is(dbErr, inner))

	cacheErr := ErrCacheUnavailable(inner)
	assert.Equal(t, "SYS_002", cacheErr.Code)
	assert.Equal(t, 503, cacheErr.HTTPStatus)
}

func TestRateLimitError(t *testing.T) {
	err := ErrTooManyAuthFailures(900)
	assert.Equal(t, "RATE_001", err.Code)
	assert.Equal(t, 429, err.HTTPStatus)
	assert.Contains(t, err.Message, "900")
}
