package proxy

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"keygate/internal/config"
	"keygate/internal/gate"
	"keygate/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closeNotifierRecorder is a ResponseRecorder that implements http.CloseNotifier.
type closeNotifierRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func newCloseNotifierRecorder() *closeNotifierRecorder {
	return &closeNotifierRecorder{
		ResponseRecorder: httptest.NewRecorder(),
		closed:           make(chan bool, 1),
	}
}

func (r *closeNotifierRecorder) CloseNotify() <-chan bool {
	return r.closed
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type seenRequest struct {
	path, auth, tier, owner string
}

func newUpstreamServer(t *testing.T, name string, seen chan<- seenRequest) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- seenRequest{
			path:  r.URL.Path,
			auth:  r.Header.Get("Authorization"),
			tier:  r.Header.Get(TierHeader),
			owner: r.Header.Get(OwnerHeader),
		}
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, name)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// admitted stands in for the gate middleware.
func admitted(c *gin.Context) {
	adm := &gate.Admission{KeyID: "key-1", Tier: model.TierPro, Owner: "acme", Limit: 10, Remaining: 9}
	c.Request = c.Request.WithContext(gate.NewContext(c.Request.Context(), adm))
	c.Next()
}

func TestUpstream_ForwardsAdmission(t *testing.T) {
	gin.SetMode(gin.TestMode)
	seen := make(chan seenRequest, 1)
	srv := newUpstreamServer(t, "a", seen)

	router := gin.New()
	router.Use(admitted)
	_, err := Mount(router, []config.UpstreamConfig{{Prefix: "/v1/ai", Targets: []string{srv.URL + "/api"}}}, discardLogger())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/ai/chat", nil)
	req.Header.Set("Authorization", "Bearer pro_client")
	req.Header.Set(OwnerHeader, "spoofed")
	rr := newCloseNotifierRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "a", rr.Body.String())
	got := <-seen
	assert.Equal(t, "/api/chat", got.path)
	assert.Empty(t, got.auth, "client credential must not reach the upstream")
	assert.Equal(t, "pro", got.tier)
	assert.Equal(t, "acme", got.owner)
}

func TestUpstream_RoundRobin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	seen := make(chan seenRequest, 4)
	a := newUpstreamServer(t, "a", seen)
	b := newUpstreamServer(t, "b", seen)

	router := gin.New()
	_, err := Mount(router, []config.UpstreamConfig{{Prefix: "/v1/tools", Targets: []string{a.URL, b.URL}}}, discardLogger())
	require.NoError(t, err)

	var bodies []string
	for i := 0; i < 4; i++ {
		rr := newCloseNotifierRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/tools/x", nil))
		require.Equal(t, http.StatusOK, rr.Code)
		bodies = append(bodies, rr.Body.String())
		assert.Equal(t, "/x", (<-seen).path)
	}
	assert.Equal(t, []string{"a", "b", "a", "b"}, bodies)
}

func TestUpstream_BadGateway(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := httptest.NewServer(http.NotFoundHandler())
	deadURL := srv.URL
	srv.Close()

	router := gin.New()
	_, err := Mount(router, []config.UpstreamConfig{{Prefix: "/v1", Targets: []string{deadURL}}}, discardLogger())
	require.NoError(t, err)

	rr := newCloseNotifierRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/anything", nil))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.JSONEq(t, `{"error":"Bad gateway"}`, rr.Body.String())
}

func TestUpstream_Offline(t *testing.T) {
	gin.SetMode(gin.TestMode)
	seen := make(chan seenRequest, 1)
	srv := newUpstreamServer(t, "a", seen)

	router := gin.New()
	router.Use(admitted)
	_, err := Mount(router, []config.UpstreamConfig{{Prefix: "/v2/ai/hydromind", Targets: []string{srv.URL}, Offline: true}}, discardLogger())
	require.NoError(t, err)

	rr := newCloseNotifierRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v2/ai/hydromind/chat", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{
		"status": false,
		"error": "This API endpoint is currently offline and unavailable. Please try again later.",
		"endpoint": "/v2/ai/hydromind",
		"apiStatus": "offline"
	}`, rr.Body.String())
	assert.Empty(t, seen, "offline upstream must not be contacted")
}

func TestNew_InvalidTargets(t *testing.T) {
	_, err := New(config.UpstreamConfig{Prefix: "/v1"}, discardLogger())
	assert.Error(t, err)

	// A control character forces a parse error.
	_, err = New(config.UpstreamConfig{Prefix: "/v1", Targets: []string{"http://\x7f.com"}}, discardLogger())
	assert.Error(t, err)

	_, err = New(config.UpstreamConfig{Prefix: "/v1", Targets: []string{"relative/path"}}, discardLogger())
	assert.Error(t, err)
}

func TestNextTarget_Concurrent(t *testing.T) {
	up, err := New(config.UpstreamConfig{Prefix: "/v1", Targets: []string{"http://a", "http://b"}}, discardLogger())
	require.NoError(t, err)

	var mu sync.Mutex
	counts := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			host := up.nextTarget().Host
			mu.Lock()
			counts[host]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, map[string]int{"a": 50, "b": 50}, counts)
}
