package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"keygate/internal/keystore"
	"keygate/internal/lifecycle"
	"keygate/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testPassword = "test-password"

type mockLifecycle struct {
	mock.Mock
}

func (m *mockLifecycle) Issue(ctx context.Context, tier model.Tier, limit int64, duration time.Duration, owner string) (*model.APIKey, error) {
	args := m.Called(ctx, tier, limit, duration, owner)
	k, _ := args.Get(0).(*model.APIKey)
	return k, args.Error(1)
}

func (m *mockLifecycle) Revoke(ctx context.Context, id string) (*model.APIKey, error) {
	args := m.Called(ctx, id)
	k, _ := args.Get(0).(*model.APIKey)
	return k, args.Error(1)
}

func (m *mockLifecycle) ListForOwner(ctx context.Context, owner string) ([]model.APIKey, error) {
	args := m.Called(ctx, owner)
	keys, _ := args.Get(0).([]model.APIKey)
	return keys, args.Error(1)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestRouter(keys Lifecycle) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	SetupRoutes(router, NewHandler(keys, discardLogger()), testPassword)
	return router
}

func setupRealManager() (*lifecycle.Manager, *keystore.MemoryStore) {
	store := keystore.NewMemoryStore()
	free := lifecycle.FreePolicy{Limit: 500, Duration: 2 * time.Hour, Owner: "xapis-LLC"}
	return lifecycle.NewManager(store, free, nil, discardLogger()), store
}

func request(router http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.SetBasicAuth("admin", testPassword)
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestAdminRequiresAuth(t *testing.T) {
	manager, _ := setupRealManager()
	router := setupTestRouter(manager)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/admin/create-key"},
		{http.MethodGet, "/api/admin/keys?owner=acme"},
		{http.MethodDelete, "/api/admin/keys/some-id"},
	} {
		resp := request(router, tc.method, tc.path, "", false)
		assert.Equal(t, http.StatusUnauthorized, resp.Code, tc.path)
	}
}

func TestCreateKeyHandler(t *testing.T) {
	manager, store := setupRealManager()
	router := setupTestRouter(manager)

	resp := request(router, http.MethodPost, "/api/admin/create-key",
		`{"tier":"pro","limit":1000,"duration":86400000,"owner":"acme"}`, true)
	require.Equal(t, http.StatusOK, resp.Code)

	var body lifecycle.IssueResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.True(t, body.Status)
	assert.True(t, strings.HasPrefix(body.APIKey, "pro_"))
	assert.Equal(t, model.TierPro, body.Tier)
	assert.Equal(t, int64(1000), body.Limit)
	assert.Equal(t, "acme", body.Owner)
	assert.Equal(t, "24h", body.ExpiresIn)

	stored, err := store.FindByValue(context.Background(), body.APIKey)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, stored.Duration())
	assert.Equal(t, int64(0), stored.Usage)
}

func TestCreateKeyHandler_Validation(t *testing.T) {
	manager, store := setupRealManager()
	router := setupTestRouter(manager)

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"malformed", `{"tier":`, "Invalid request body"},
		{"missing tier", `{"limit":10,"duration":1000}`, "Missing required fields"},
		{"missing limit", `{"tier":"pro","duration":1000}`, "Missing required fields"},
		{"missing duration", `{"tier":"pro","limit":10}`, "Missing required fields"},
		{"free tier", `{"tier":"free","limit":10,"duration":1000}`, "Invalid tier"},
		{"unknown tier", `{"tier":"gold","limit":10,"duration":1000}`, "Invalid tier"},
		{"negative limit", `{"tier":"pro","limit":-1,"duration":1000}`, model.ErrInvalidLimit.Error()},
		{"negative duration", `{"tier":"enterprise","limit":5,"duration":-1}`, model.ErrInvalidDuration.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := request(router, http.MethodPost, "/api/admin/create-key", tt.body, true)
			assert.Equal(t, http.StatusBadRequest, resp.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
			assert.Equal(t, false, body["status"])
			assert.Contains(t, body["message"], tt.message)
		})
	}

	keys, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys, "rejected requests must not create keys")
}

func TestCreateKeyHandler_StoreUnavailable(t *testing.T) {
	keys := new(mockLifecycle)
	keys.On("Issue", mock.Anything, model.TierEnterprise, int64(5), time.Second, "acme").
		Return(nil, model.Unavailable("insert api key", io.ErrUnexpectedEOF))
	router := setupTestRouter(keys)

	resp := request(router, http.MethodPost, "/api/admin/create-key",
		`{"tier":"enterprise","limit":5,"duration":1000,"owner":"acme"}`, true)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	keys.AssertExpectations(t)
}

func TestRevokeKeyHandler(t *testing.T) {
	manager, store := setupRealManager()
	router := setupTestRouter(manager)

	k, err := manager.Issue(context.Background(), model.TierPro, 10, time.Hour, "acme")
	require.NoError(t, err)

	resp := request(router, http.MethodDelete, "/api/admin/keys/"+k.ID, "", true)
	require.Equal(t, http.StatusOK, resp.Code)
	var revoked model.APIKey
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &revoked))
	assert.Equal(t, k.ID, revoked.ID)
	require.NotNil(t, revoked.RevokedAt)

	_, err = store.FindByValue(context.Background(), k.Value)
	assert.ErrorIs(t, err, model.ErrNotFound)

	// Revoking again is not an error.
	resp = request(router, http.MethodDelete, "/api/admin/keys/"+k.ID, "", true)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = request(router, http.MethodDelete, "/api/admin/keys/unknown", "", true)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestListKeysHandler(t *testing.T) {
	manager, _ := setupRealManager()
	router := setupTestRouter(manager)
	ctx := context.Background()

	_, err := manager.Issue(ctx, model.TierPro, 10, time.Hour, "acme")
	require.NoError(t, err)
	_, err = manager.Issue(ctx, model.TierEnterprise, 10, time.Hour, "acme")
	require.NoError(t, err)
	_, err = manager.Issue(ctx, model.TierPro, 10, time.Hour, "globex")
	require.NoError(t, err)

	resp := request(router, http.MethodGet, "/api/admin/keys?owner=acme", "", true)
	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		Keys []model.APIKey `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Len(t, body.Keys, 2)

	resp = request(router, http.MethodGet, "/api/admin/keys", "", true)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}
