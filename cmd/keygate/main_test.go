package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"keygate/internal/config"
	"keygate/internal/lifecycle"
	"keygate/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func loadTestConfig(t *testing.T, content string) *config.Config {
	t.Helper()
	cfg, _, err := config.LoadConfig(writeConfig(t, content))
	require.NoError(t, err)
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) (*app, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	a, err := newApp(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(a.close)
	router, err := setupRouter(a)
	require.NoError(t, err)
	return a, router
}

func serve(router http.Handler, method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rr := &closeNotifierRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}
	router.ServeHTTP(rr, req)
	return rr.ResponseRecorder
}

// closeNotifierRecorder is a ResponseRecorder that implements http.CloseNotifier,
// which gin's response writer requires when proxying.
type closeNotifierRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *closeNotifierRecorder) CloseNotify() <-chan bool {
	return r.closed
}

func TestGatewayEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"path":"`+r.URL.Path+`","tier":"`+r.Header.Get("X-Keygate-Tier")+`"}`)
	}))
	defer upstream.Close()

	cfg := loadTestConfig(t, `
store:
  type: memory
free_tier:
  limit: 2
admin:
  password: admin-secret
upstreams:
  - prefix: /v1/tools
    targets: ["`+upstream.URL+`"]
`)
	a, router := newTestApp(t, cfg)

	rr := serve(router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = serve(router, http.MethodGet, "/v1/tools/echo", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.JSONEq(t, `{"error":"Unauthorized: Missing API Key"}`, rr.Body.String())

	rr = serve(router, http.MethodGet, "/v1/tools/echo", "Bearer free_nope")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = serve(router, http.MethodGet, "/api/free-key", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var issued lifecycle.IssueResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &issued))
	assert.Equal(t, int64(2), issued.Limit)
	bearer := "Bearer " + issued.APIKey

	rr = serve(router, http.MethodGet, "/v1/tools/echo", bearer)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"path":"/echo","tier":"free"}`, rr.Body.String())
	assert.Equal(t, "2", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rr.Header().Get("X-RateLimit-Remaining"))

	rr = serve(router, http.MethodGet, "/v1/tools/echo", bearer)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = serve(router, http.MethodGet, "/v1/tools/echo", bearer)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

	k, err := a.store.FindByValue(context.Background(), issued.APIKey)
	require.NoError(t, err)
	assert.Equal(t, int64(2), k.Usage)

	// Revoked keys are invalid, not rate limited.
	req := httptest.NewRequest(http.MethodDelete, "/api/admin/keys/"+k.ID, nil)
	req.SetBasicAuth("admin", "admin-secret")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = serve(router, http.MethodGet, "/v1/tools/echo", bearer)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// Flush the recorder so its metrics are visible.
	a.recorder.Close()
	rr = serve(router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `keygate_gate_decisions_total{result="admitted"} 2`)
	assert.Contains(t, body, `keygate_gate_decisions_total{result="rate_limited"} 1`)
	assert.Contains(t, body, `keygate_ledger_appends_total{result="ok",sink="memory"} 2`)
	assert.Contains(t, body, `keygate_keys_issued_total{tier="free"} 1`)
}

func TestUpstreamNearExemptPathIsGated(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "upstream reached")
	}))
	defer upstream.Close()

	cfg := loadTestConfig(t, `
upstreams:
  - prefix: /api/keysmith
    targets: ["`+upstream.URL+`"]
`)
	_, router := newTestApp(t, cfg)

	rr := serve(router, http.MethodGet, "/api/keysmith/chat", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.NotContains(t, rr.Body.String(), "upstream reached")
}

func TestMaintenanceMode(t *testing.T) {
	cfg := loadTestConfig(t, `
maintenance:
  enabled: true
  message: Down for upgrades
`)
	_, router := newTestApp(t, cfg)

	rr := serve(router, http.MethodGet, "/api/free-key", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"status":false,"message":"Down for upgrades"}`, rr.Body.String())

	rr = serve(router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = serve(router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestPerimeterLimiter(t *testing.T) {
	cfg := loadTestConfig(t, `
perimeter:
  enabled: true
  rps: 1
  burst: 1
`)
	_, router := newTestApp(t, cfg)

	rr := serve(router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	rr = serve(router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestCustomRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(customRecovery(discardLogger()))
	router.GET("/panic", func(c *gin.Context) { panic("boom") })
	router.GET("/abort", func(c *gin.Context) { panic(http.ErrAbortHandler) })

	rr := serve(router, http.MethodGet, "/panic", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	assert.NotPanics(t, func() { serve(router, http.MethodGet, "/abort", "") })
}

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestKeysCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, `
store:
  type: file
  file_path: `+filepath.Join(dir, "keys.json")+`
`)

	out := runCLI(t, "--config", cfgPath, "keys", "issue", "--tier", "enterprise", "--limit", "50", "--duration", "3h", "--owner", "acme")
	var issued lifecycle.IssueResponse
	require.NoError(t, json.Unmarshal([]byte(out), &issued))
	assert.True(t, strings.HasPrefix(issued.APIKey, "ent_"))
	assert.Equal(t, "3h", issued.ExpiresIn)
	assert.Equal(t, "acme", issued.Owner)

	out = runCLI(t, "--config", cfgPath, "keys", "list", "--owner", "acme")
	var keys []model.APIKey
	require.NoError(t, json.Unmarshal([]byte(out), &keys))
	require.Len(t, keys, 1)
	assert.Equal(t, issued.APIKey, keys[0].Value)

	out = runCLI(t, "--config", cfgPath, "keys", "revoke", keys[0].ID)
	var revoked model.APIKey
	require.NoError(t, json.Unmarshal([]byte(out), &revoked))
	assert.NotNil(t, revoked.RevokedAt)

	out = runCLI(t, "--config", cfgPath, "keys", "list", "--owner", "acme")
	assert.JSONEq(t, `[]`, out)

	out = runCLI(t, "--config", cfgPath, "keys", "list")
	require.NoError(t, json.Unmarshal([]byte(out), &keys))
	assert.Len(t, keys, 1)
}

func TestKeysIssue_InvalidTier(t *testing.T) {
	cfgPath := writeConfig(t, "store:\n  type: memory\n")
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--config", cfgPath, "keys", "issue", "--tier", "gold", "--limit", "5"})
	err := cmd.Execute()
	assert.ErrorIs(t, err, model.ErrInvalidTier)
}
