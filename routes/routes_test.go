package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/elizaOS/milaidy-sub002/app"
	"github.com/elizaOS/milaidy-sub002/config"
	appmiddleware "github.com/elizaOS/milaidy-sub002/middleware"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(ownerID uuid.UUID) *config.Config {
	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Pipeline: config.PipelineConfig{
			MaxQueued:           10,
			Workers:             1,
			PollInterval:        5 * time.Millisecond,
			ConfirmationTimeout: time.Minute,
			ReaperInterval:      time.Second,
			QuotaBackend:        config.QuotaBackendMemory,
		},
		Tenants: config.TenantsConfig{
			CacheSize:            100,
			CacheTTL:             time.Minute,
			CacheCleanupInterval: time.Minute,
		},
		Tools: config.ToolsConfig{
			BreakerConsecutiveFailures: 5,
			BreakerTimeout:             time.Second,
			RateLimitQPS:               100,
			RateLimitBurst:             10,
			CallTimeout:                time.Second,
		},
		Observability: config.ObservabilityConfig{
			LogLevel:       "error",
			LogFormat:      "json",
			MetricsEnabled: true,
		},
		Bootstrap: config.BootstrapConfig{
			OwnerID:    ownerID.String(),
			OwnerEmail: "owner@example.com",
		},
	}
}

func setupServer(t *testing.T) (*httptest.Server, *app.Dependencies, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	ownerID := uuid.New()

	deps, err := app.NewDependencies(ctx, testConfig(ownerID), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.Close(ctx) })

	ts := httptest.NewServer(SetupRoutes(deps))
	t.Cleanup(ts.Close)
	return ts, deps, ownerID
}

func doRequest(t *testing.T, method, url string, caller uuid.UUID, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if caller != uuid.Nil {
		req.Header.Set(appmiddleware.UserIDHeader, caller.String())
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]interface{}
	if len(bytes.TrimSpace(raw)) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func TestHealthEndpoints(t *testing.T) {
	ts, _, _ := setupServer(t)

	t.Run("liveness", func(t *testing.T) {
		resp, body := doRequest(t, http.MethodGet, ts.URL+"/healthz", uuid.Nil, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		assert.Equal(t, "healthy", body["data"].(map[string]interface{})["status"])
	})

	t.Run("readiness reports queue depth", func(t *testing.T) {
		resp, body := doRequest(t, http.MethodGet, ts.URL+"/readyz", uuid.Nil, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		data := body["data"].(map[string]interface{})
		assert.Equal(t, "healthy", data["status"])
		assert.EqualValues(t, 0, data["queue_depth"])
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		raw, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(raw), "go_goroutines")
	})
}

func TestAPIRequiresIdentity(t *testing.T) {
	ts, _, _ := setupServer(t)

	testCases := []struct {
		name   string
		method string
		path   string
	}{
		{"submit", http.MethodPost, "/api/v1/submissions"},
		{"get job", http.MethodGet, "/api/v1/jobs/" + uuid.NewString()},
		{"confirm", http.MethodPost, "/api/v1/jobs/" + uuid.NewString() + "/confirm"},
		{"audit", http.MethodGet, "/api/v1/audit"},
		{"create user", http.MethodPost, "/api/v1/users"},
		{"settings", http.MethodGet, "/api/v1/users/" + uuid.NewString() + "/settings"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := doRequest(t, tc.method, ts.URL+tc.path, uuid.Nil, "")
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "endpoint: %s %s", tc.method, tc.path)
			assert.Equal(t, "unauthorized", body["error"])
		})
	}
}

func TestNotFound(t *testing.T) {
	ts, _, _ := setupServer(t)

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/nonexistent", uuid.Nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "endpoint not found", body["message"])
}

func TestCORSPreflight(t *testing.T) {
	ts, _, _ := setupServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/submissions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", appmiddleware.UserIDHeader)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestSubmissionLifecycle(t *testing.T) {
	ts, deps, ownerID := setupServer(t)

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/v1/users", ownerID,
		`{"email":"member@example.com","role":"member"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	memberID := body["data"].(map[string]interface{})["id"].(string)

	resp, body = doRequest(t, http.MethodPost, ts.URL+"/api/v1/submissions", ownerID,
		`{"session_id":"s-1","tool_name":"echo","input":{"ping":true}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	result := body["data"].(map[string]interface{})
	assert.Equal(t, true, result["accepted"])
	assert.Equal(t, "queued", result["status"])
	jobID := result["job_id"].(string)
	assert.Equal(t, 1, deps.Coordinator.QueueDepth())

	t.Run("submitter sees the job", func(t *testing.T) {
		resp, body := doRequest(t, http.MethodGet, ts.URL+"/api/v1/jobs/"+jobID, ownerID, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, jobID, body["data"].(map[string]interface{})["id"])
	})

	t.Run("other member gets 404", func(t *testing.T) {
		resp, _ := doRequest(t, http.MethodGet, ts.URL+"/api/v1/jobs/"+jobID, uuid.MustParse(memberID), "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("duplicate dedupe key is rejected", func(t *testing.T) {
		payload := `{"tool_name":"echo","input":{},"dedupe_key":"k-1"}`
		resp, _ := doRequest(t, http.MethodPost, ts.URL+"/api/v1/submissions", ownerID, payload)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/v1/submissions", ownerID, payload)
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.Equal(t, "duplicate_submission", body["details"].(map[string]interface{})["reason"])
	})

	t.Run("cancel then cancel again", func(t *testing.T) {
		resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/v1/jobs/"+jobID+"/cancel", ownerID, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "cancelled", body["data"].(map[string]interface{})["status"])

		resp, _ = doRequest(t, http.MethodPost, ts.URL+"/api/v1/jobs/"+jobID+"/cancel", ownerID, "")
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("owner queries the audit log", func(t *testing.T) {
		resp, body := doRequest(t, http.MethodGet, ts.URL+"/api/v1/audit?action=tool_call_attempt", ownerID, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		data := body["data"].(map[string]interface{})
		assert.GreaterOrEqual(t, data["count"], float64(2))
	})

	t.Run("member cannot read owner audit rows", func(t *testing.T) {
		resp, _ := doRequest(t, http.MethodGet, ts.URL+"/api/v1/audit?target="+ownerID.String(), uuid.MustParse(memberID), "")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

func TestDisabledUserIsBlocked(t *testing.T) {
	ts, _, ownerID := setupServer(t)

	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/v1/users", ownerID,
		`{"email":"member@example.com","role":"member"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	memberID := uuid.MustParse(body["data"].(map[string]interface{})["id"].(string))

	resp, _ = doRequest(t, http.MethodPut, ts.URL+"/api/v1/users/"+memberID.String()+"/enabled", ownerID, `{"enabled":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doRequest(t, http.MethodPost, ts.URL+"/api/v1/submissions", memberID, `{"tool_name":"echo","input":{}}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "blocked", body["error"])
	assert.Equal(t, "user_disabled", body["details"].(map[string]interface{})["reason"])

	resp, body = doRequest(t, http.MethodGet, ts.URL+"/api/v1/audit?action=tool_call_blocked&target="+memberID.String(), ownerID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["data"].(map[string]interface{})["count"])
}

func TestUnknownToolReturnsNotFound(t *testing.T) {
	ts, _, ownerID := setupServer(t)

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/api/v1/submissions", ownerID, `{"tool_name":"no.such.tool","input":{}}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
