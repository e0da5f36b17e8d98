package daemon

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apcdev/apc/internal/common/config"
	"github.com/apcdev/apc/internal/common/logger"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := &config.Config{
		WorkspaceRoot:       t.TempDir(),
		WorkingDirectory:    config.DefaultWorkingDirectory,
		AgentPoolSize:       3,
		DefaultBackend:      "cursor",
		StateUpdateInterval: config.DefaultStateUpdateInterval,
		Port:                config.DefaultPort,
		LogLevel:            "error",
	}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	d, err := New(cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { d.busClose() })
	return d
}

func doJSON(t *testing.T, srv *httptest.Server, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthEndpoint(t *testing.T) {
	d := newTestDaemon(t)
	srv := httptest.NewServer(d.router())
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "cursor", body["backend"])
}

func TestUnknownSessionMapsTo404(t *testing.T) {
	d := newTestDaemon(t)
	srv := httptest.NewServer(d.router())
	defer srv.Close()

	for _, path := range []string{
		"/api/v1/sessions/PS_999999",
		"/api/v1/sessions/PS_999999/plan",
	} {
		resp, _ := doJSON(t, srv, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "GET %s", path)
	}

	// History of an unseen session is just empty, not an error.
	resp, _ := doJSON(t, srv, http.MethodGet, "/api/v1/sessions/PS_999999/history", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/PS_999999/approve", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/PS_999999/complete", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartSessionAcceptsPlanningOptions(t *testing.T) {
	d := newTestDaemon(t)
	srv := httptest.NewServer(d.router())
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodPost, "/api/v1/sessions", map[string]any{
		"requirement": "add a health endpoint",
		"docs":        []string{"docs/arch.md"},
		"complexity":  "low",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %v", body)
	assert.EqualValues(t, 2, body["recommendedAgents"])
	assert.Equal(t, "low", body["complexity"])
	assert.Len(t, body["supportingDocs"], 1)
}

func TestMissingRequestFieldsMapTo400(t *testing.T) {
	d := newTestDaemon(t)
	srv := httptest.NewServer(d.router())
	defer srv.Close()

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/v1/sessions", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "empty requirement")

	resp, _ = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/PS_000001/revise", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "empty feedback")

	resp, _ = doJSON(t, srv, http.MethodPost, "/api/v1/tasks/PS_000001_T1/answer", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "empty answer")
}

func TestMalformedTaskIDMapsTo400(t *testing.T) {
	d := newTestDaemon(t)
	srv := httptest.NewServer(d.router())
	defer srv.Close()

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/v1/tasks/bogus-id/answer",
		map[string]any{"answer": "yes"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPoolEndpoints(t *testing.T) {
	d := newTestDaemon(t)
	srv := httptest.NewServer(d.router())
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodGet, "/api/v1/pool", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["agents"], 3)

	resp, body = doJSON(t, srv, http.MethodPost, "/api/v1/pool/resize", map[string]any{"size": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode, "resize body: %v", body)

	resp, body = doJSON(t, srv, http.MethodGet, "/api/v1/pool", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["agents"], 5)
}

func TestStatusEndpoint(t *testing.T) {
	d := newTestDaemon(t)
	srv := httptest.NewServer(d.router())
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "pool")
	assert.Contains(t, body, "sessions")
	assert.EqualValues(t, 0, body["wsClients"])
}

func TestListSessionsEmptyWorkspace(t *testing.T) {
	d := newTestDaemon(t)
	srv := httptest.NewServer(d.router())
	defer srv.Close()

	resp, body := doJSON(t, srv, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["sessions"])
}
