// Package gate is the per-request entry point: it extracts the bearer
// credential, runs the quota engine and records usage for admitted requests.
package gate

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"keygate/internal/config"
	"keygate/internal/metrics"
	"keygate/internal/model"
	"keygate/internal/quota"

	"github.com/gin-gonic/gin"
)

// Admitter decides admission for one credential value.
type Admitter interface {
	Admit(ctx context.Context, value string) (*quota.Decision, error)
}

// UsageRecorder is notified of admitted requests. Implementations must not block.
type UsageRecorder interface {
	Record(ctx context.Context, keyID, method, endpoint string)
}

// Admission is the success signal handed to downstream handlers.
type Admission struct {
	KeyID     string     `json:"-"`
	Tier      model.Tier `json:"tier"`
	Owner     string     `json:"owner"`
	Remaining int64      `json:"remaining"`
	Limit     int64      `json:"limit"`
	ResetAt   time.Time  `json:"-"`
}

// Gate is stateless apart from its collaborators.
type Gate struct {
	engine   Admitter
	recorder UsageRecorder
	exempt   []string
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Gate. Requests whose path lies under one of exemptPaths
// (see config.MatchPathPrefix) pass the middleware without a credential check.
func New(engine Admitter, recorder UsageRecorder, exemptPaths []string, m *metrics.Metrics, logger *slog.Logger) *Gate {
	return &Gate{
		engine:   engine,
		recorder: recorder,
		exempt:   exemptPaths,
		metrics:  m,
		logger:   logger.With("component", "gate"),
	}
}

// ExtractCredential returns the value of an "Authorization: Bearer <value>"
// header. Anything else is a missing credential.
func ExtractCredential(header string) (string, error) {
	value, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", model.ErrMissingCredential
	}
	value = strings.TrimSpace(value)
	if value == "" || strings.ContainsAny(value, " \t") {
		return "", model.ErrMissingCredential
	}
	return value, nil
}

// Exempt reports whether path skips the credential check.
func (g *Gate) Exempt(path string) bool {
	for _, prefix := range g.exempt {
		if config.MatchPathPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Admit runs the admission check for one credential value and, on success,
// queues a usage entry for method and endpoint. On quota denial the returned
// Admission still carries limit and reset for the response headers.
func (g *Gate) Admit(ctx context.Context, value, method, endpoint string) (*Admission, error) {
	if value == "" {
		g.metrics.RecordGateDecision(metrics.ResultMissing)
		return nil, model.ErrMissingCredential
	}

	d, err := g.engine.Admit(ctx, value)
	if err != nil {
		g.metrics.RecordGateDecision(resultFor(err))
		if d != nil && errors.Is(err, model.ErrQuotaExceeded) {
			return admissionFor(d), err
		}
		return nil, err
	}

	g.metrics.RecordGateDecision(metrics.ResultAdmitted)
	adm := admissionFor(d)
	if g.recorder != nil {
		g.recorder.Record(ctx, adm.KeyID, method, endpoint)
	}
	return adm, nil
}

func admissionFor(d *quota.Decision) *Admission {
	return &Admission{
		KeyID:     d.Key.ID,
		Tier:      d.Key.Tier,
		Owner:     d.Key.Owner,
		Remaining: d.Remaining,
		Limit:     d.Limit,
		ResetAt:   d.ResetAt,
	}
}

// Middleware enforces the gate on every non-exempt request.
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if g.Exempt(path) {
			c.Next()
			return
		}

		value, err := ExtractCredential(c.GetHeader("Authorization"))
		if err != nil {
			g.metrics.RecordGateDecision(metrics.ResultMissing)
			Abort(c, err)
			return
		}

		adm, err := g.Admit(c.Request.Context(), value, c.Request.Method, path)
		if adm != nil {
			SetRateLimitHeaders(c.Writer.Header(), adm)
		}
		if err != nil {
			if errors.Is(err, model.ErrStoreUnavailable) {
				g.logger.Error("Denying request: key store unavailable", "path", path, "error", err)
			}
			Abort(c, err)
			return
		}

		c.Request = c.Request.WithContext(NewContext(c.Request.Context(), adm))
		c.Next()
	}
}

// SetRateLimitHeaders writes the informational X-RateLimit-* headers.
func SetRateLimitHeaders(h http.Header, adm *Admission) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(adm.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(adm.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(adm.ResetAt.Unix(), 10))
}

// Abort ends the request with the status and message for err.
func Abort(c *gin.Context, err error) {
	status, message := StatusFor(err)
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

// StatusFor maps an admission error onto an HTTP status and a client-safe
// message. Store failures fail closed with 503.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrMissingCredential):
		return http.StatusUnauthorized, "Unauthorized: Missing API Key"
	case errors.Is(err, model.ErrInvalidCredential):
		return http.StatusUnauthorized, "Unauthorized: Invalid API Key"
	case errors.Is(err, model.ErrQuotaExceeded):
		return http.StatusTooManyRequests, "Rate limit exceeded"
	case errors.Is(err, model.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "Service temporarily unavailable"
	}
	return http.StatusInternalServerError, "Internal server error"
}

func resultFor(err error) string {
	switch {
	case errors.Is(err, model.ErrMissingCredential):
		return metrics.ResultMissing
	case errors.Is(err, model.ErrInvalidCredential):
		return metrics.ResultInvalid
	case errors.Is(err, model.ErrQuotaExceeded):
		return metrics.ResultRateLimited
	case errors.Is(err, model.ErrStoreUnavailable):
		return metrics.ResultUnavailable
	}
	return metrics.ResultError
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying adm.
func NewContext(ctx context.Context, adm *Admission) context.Context {
	return context.WithValue(ctx, contextKey{}, adm)
}

// FromContext returns the admission stored by the middleware, if any.
func FromContext(ctx context.Context) (*Admission, bool) {
	adm, ok := ctx.Value(contextKey{}).(*Admission)
	return adm, ok
}
