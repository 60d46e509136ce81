package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvoke_ReportsUnitsFromHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set(HeaderUnitsUsed, "140")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"answer":"hello"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Second, server.Client(), zerolog.Nop())
	result, err := c.Invoke(context.Background(), "chat", []byte(`{"prompt":"hi"}`))
	require.NoError(t, err)

	assert.Equal(t, int64(140), result.Units)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.JSONEq(t, `{"answer":"hello"}`, string(result.Body))
}

func TestInvoke_FallsBackToBodyUnits(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"answer":"hello","units":95}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Second, server.Client(), zerolog.Nop())
	result, err := c.Invoke(context.Background(), "chat", []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, int64(95), result.Units)
}

func TestInvoke_MissingUnitCountIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"answer":"hello"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Second, server.Client(), zerolog.Nop())
	_, err := c.Invoke(context.Background(), "chat", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unit count")
}

func TestInvoke_ServerErrorFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Second, server.Client(), zerolog.Nop())
	_, err := c.Invoke(context.Background(), "chat", []byte(`{}`))
	require.Error(t, err)
}

func TestInvoke_ClientErrorPassesThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderUnitsUsed, "3")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"prompt too long"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Second, server.Client(), zerolog.Nop())
	result, err := c.Invoke(context.Background(), "chat", []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnprocessableEntity, result.StatusCode)
	assert.Equal(t, int64(3), result.Units)
}
