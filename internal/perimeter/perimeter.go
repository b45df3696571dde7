// Package perimeter is an optional per-client-IP token bucket that runs in
// front of the gate. It is independent of per-key quota.
package perimeter

import (
	"net/http"
	"sync"
	"time"

	"keygate/internal/metrics"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one token bucket per client IP.
type Limiter struct {
	rps     rate.Limit
	burst   int
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

// New creates a Limiter allowing rps requests per second per IP with the
// given burst.
func New(rps float64, burst int, m *metrics.Metrics) *Limiter {
	return &Limiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		metrics:  m,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Allow takes one token from ip's bucket.
func (l *Limiter) Allow(ip string) bool {
	now := l.now()

	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	l.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// Sweep forgets clients not seen for idle and returns how many were removed.
func (l *Limiter) Sweep(idle time.Duration) int {
	cutoff := l.now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, ip)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// Middleware rejects requests over the per-IP rate with 429.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			l.metrics.RecordPerimeterRejection()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			return
		}
		c.Next()
	}
}
