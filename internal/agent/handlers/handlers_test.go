package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-manager/internal/agent"
)

func TestRegisterBuiltins(t *testing.T) {
	registry := agent.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	RegisterBuiltins(registry)

	caps := registry.List()
	require.Contains(t, caps, "wait")
	require.Contains(t, caps, "url_http_status")
	assert.Equal(t, 1, caps["wait"].Version)
	assert.Equal(t, 1, caps["url_http_status"].Version)
}

func TestWait(t *testing.T) {
	result, err := Wait(map[string]any{"time": 0.0})
	require.NoError(t, err)

	waited, ok := result["time"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, waited, 0.0)
	assert.Less(t, waited, 1.0)
}

func TestWait_MissingParameter(t *testing.T) {
	_, err := Wait(map[string]any{})
	assert.ErrorContains(t, err, "time")

	_, err = Wait(map[string]any{"time": "5"})
	assert.ErrorContains(t, err, "time")
}

func TestURLHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	result, err := URLHTTPStatus(map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": http.StatusTeapot}, result)
}

func TestURLHTTPStatus_MissingParameter(t *testing.T) {
	_, err := URLHTTPStatus(map[string]any{})
	assert.ErrorContains(t, err, "url")
}

func TestURLHTTPStatus_Unreachable(t *testing.T) {
	_, err := URLHTTPStatus(map[string]any{"url": "http://127.0.0.1:1/"})
	assert.Error(t, err)
}
