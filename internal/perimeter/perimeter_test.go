package perimeter

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestLimiter(rps float64, burst int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	l := New(rps, burst, nil)
	l.now = clock.now
	return l, clock
}

func TestAllow_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(1, 2)

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))

	// Buckets are per IP.
	assert.True(t, l.Allow("10.0.0.2"))

	clock.t = clock.t.Add(time.Second)
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
}

func TestSweep(t *testing.T) {
	l, clock := newTestLimiter(1, 1)
	l.Allow("10.0.0.1")
	clock.t = clock.t.Add(5 * time.Minute)
	l.Allow("10.0.0.2")

	assert.Equal(t, 2, l.Len())
	assert.Equal(t, 1, l.Sweep(time.Minute))
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 0, l.Sweep(time.Minute))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(1, 1)

	router := gin.New()
	router.Use(l.Middleware())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"Too many requests"}`, rr.Body.String())
}
