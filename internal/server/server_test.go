package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminus-os/backend/internal/config"
)

// Prometheus collectors register globally, so the whole test binary
// shares one server instance.
var (
	testSrv  *Server
	testOnce sync.Once
)

func testServer(t *testing.T) *Server {
	t.Helper()
	testOnce.Do(func() {
		cfg := config.Default()
		cfg.RateLimit.Enabled = false
		srv, err := New(cfg)
		if err != nil {
			t.Fatalf("server init failed: %v", err)
		}
		testSrv = srv
	})
	return testSrv
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t)

	w := doJSON(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.NotNil(t, body["services"])
}

func TestRootEndpoint(t *testing.T) {
	srv := testServer(t)

	w := doJSON(t, srv, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "running", decode(t, w)["status"])
}

func TestListServicesEndpoint(t *testing.T) {
	srv := testServer(t)

	w := doJSON(t, srv, http.MethodGet, "/services", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, float64(3), body["count"])

	w = doJSON(t, srv, http.MethodGet, "/services?category=terminal", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])
}

func TestDiscoverEndpoint(t *testing.T) {
	srv := testServer(t)

	w := doJSON(t, srv, http.MethodPost, "/services/discover", map[string]interface{}{
		"intent": "run a shell command",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.GreaterOrEqual(t, body["count"].(float64), float64(1))

	w = doJSON(t, srv, http.MethodPost, "/services/discover", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteEndpoint(t *testing.T) {
	srv := testServer(t)

	w := doJSON(t, srv, http.MethodPost, "/services/execute", map[string]interface{}{
		"tool_id": "terminal.execute",
		"params":  map[string]interface{}{"command": "echo http-roundtrip"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.NotEmpty(t, body["request_id"])
	result := body["result"].(map[string]interface{})
	require.Equal(t, true, result["success"])
	data := result["data"].(map[string]interface{})
	assert.Equal(t, "http-roundtrip\n", data["stdout"])
	assert.Equal(t, float64(0), data["exit_code"])
}

func TestExecuteEndpointUnknownService(t *testing.T) {
	srv := testServer(t)

	w := doJSON(t, srv, http.MethodPost, "/services/execute", map[string]interface{}{
		"tool_id": "ghost.run",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExecuteEndpointMalformedToolID(t *testing.T) {
	srv := testServer(t)

	// No service.tool separator: the caller's formatting mistake.
	w := doJSON(t, srv, http.MethodPost, "/services/execute", map[string]interface{}{
		"tool_id": "no-dot-here",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteEndpointBadRequest(t *testing.T) {
	srv := testServer(t)

	w := doJSON(t, srv, http.MethodPost, "/services/execute", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := testServer(t)

	w := doJSON(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
