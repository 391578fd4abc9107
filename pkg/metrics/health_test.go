package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetHealthAggregatesComponents(t *testing.T) {
	RegisterComponent("storage", true, "")
	RegisterComponent("orchestrator", true, "")

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)

	UpdateComponent("storage", false, "db closed")
	health = GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Contains(t, health.Components["storage"], "db closed")

	UpdateComponent("storage", true, "")
}

func TestReadinessRequiresCriticalComponents(t *testing.T) {
	RegisterComponent("storage", true, "")
	RegisterComponent("orchestrator", true, "")
	RegisterComponent("api", true, "")

	readiness := GetReadiness()
	assert.Equal(t, "ready", readiness.Status)

	UpdateComponent("api", false, "listener closed")
	readiness = GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)

	UpdateComponent("api", true, "")
}

func TestHealthHandler(t *testing.T) {
	RegisterComponent("storage", true, "")
	RegisterComponent("orchestrator", true, "")
	RegisterComponent("api", true, "")

	rec := httptest.NewRecorder()
	HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.NotEmpty(t, health.Uptime)
}

func TestHealthHandlerUnhealthy(t *testing.T) {
	RegisterComponent("storage", false, "closed")
	defer UpdateComponent("storage", true, "")

	rec := httptest.NewRecorder()
	HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
