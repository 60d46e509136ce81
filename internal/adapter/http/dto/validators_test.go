package dto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// --- SanitizeStruct tests ---

func TestSanitizeStruct_TrimsWhitespace(t *testing.T) {
	req := CreateKeyRequest{
		Label: "  production worker  ",
	}
	SanitizeStruct(&req)

	assert.Equal(t, "production worker", req.Label)
}

func TestSanitizeStruct_EscapesHTML(t *testing.T) {
	req := CreateKeyRequest{
		Label: "key <script>alert('x')</script> name",
	}
	SanitizeStruct(&req)

	assert.Contains(t, req.Label, "&lt;script&gt;")
	assert.NotContains(t, req.Label, "<script>")
}

func TestSanitizeStruct_HandlesPointerString(t *testing.T) {
	url := "  https://example.com/return  "
	req := TopupRequest{
		AmountUSD:  "10",
		Method:     "card",
		SuccessURL: &url,
	}
	SanitizeStruct(&req)

	assert.Equal(t, "https://example.com/return", *req.SuccessURL)
}

func TestSanitizeStruct_NilPointerIsNoOp(t *testing.T) {
	req := TopupRequest{
		AmountUSD: "10",
		Method:    "wallet",
	}
	SanitizeStruct(&req)
	assert.Nil(t, req.SuccessURL)
}

func TestSanitizeStruct_NonPointerIsNoOp(t *testing.T) {
	s := "hello"
	SanitizeStruct(s) // should not panic
}

// --- Custom Validator tests ---

func TestSafeID_Valid(t *testing.T) {
	cases := []string{
		"req-001",
		"REQ_002",
		"a.b.c",
		"simple123",
		"ABC-def_GHI.123",
	}
	for _, tc := range cases {
		assert.True(t, safeStringRe.MatchString(tc), "expected valid: %s", tc)
	}
}

func TestSafeID_Invalid(t *testing.T) {
	cases := []string{
		"req 001",     // space
		"req<001>",    // angle brackets
		"req;DROP",    // semicolon
		"",            // empty
		"hello world", // space
		"req\n001",    // newline
	}
	for _, tc := range cases {
		assert.False(t, safeStringRe.MatchString(tc), "expected invalid: %s", tc)
	}
}
