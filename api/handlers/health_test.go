package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleHealth(t *testing.T) {
	h := NewHealthHandler(nil)

	rec := httptest.NewRecorder()
	h.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
}

func TestHandleReady(t *testing.T) {
	t.Run("all checks pass", func(t *testing.T) {
		h := NewHealthHandler(nil)
		h.RegisterCheck(NewPingHealthCheck("database", func(context.Context) error { return nil }))

		rec := httptest.NewRecorder()
		h.HandleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var status HealthStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, "pass", status.Checks["database"].Status)
	})

	t.Run("failing check reports 503", func(t *testing.T) {
		h := NewHealthHandler(nil)
		h.RegisterCheck(NewPingHealthCheck("database", func(context.Context) error { return nil }))
		h.RegisterCheck(NewPingHealthCheck("redis", func(context.Context) error {
			return errors.New("connection refused")
		}))

		rec := httptest.NewRecorder()
		h.HandleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var status HealthStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
		assert.Equal(t, "unhealthy", status.Status)
		assert.Equal(t, "pass", status.Checks["database"].Status)
		assert.Equal(t, "fail", status.Checks["redis"].Status)
	})
}
