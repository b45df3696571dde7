// Package portal serves the self-service and dashboard API: free keys,
// registration, login, per-user keys, analytics and key validation.
package portal

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"keygate/internal/auth"
	"keygate/internal/gate"
	"keygate/internal/keystore"
	"keygate/internal/ledger"
	"keygate/internal/lifecycle"
	"keygate/internal/model"

	"github.com/gin-gonic/gin"
)

// Keys is the lifecycle surface the portal uses.
type Keys interface {
	IssueFree(ctx context.Context) (*model.APIKey, error)
	IssueForUser(ctx context.Context, user *model.User) (*model.APIKey, error)
	Revoke(ctx context.Context, id string) (*model.APIKey, error)
	ListForOwner(ctx context.Context, owner string) ([]model.APIKey, error)
}

// Validator runs the request gate for an explicit credential value.
type Validator interface {
	Admit(ctx context.Context, value, method, endpoint string) (*gate.Admission, error)
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type revokeRequest struct {
	KeyID string `json:"keyId"`
}

type validateRequest struct {
	APIKey string `json:"apiKey"`
}

// userResponse never carries the password hash.
type userResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

func newUserResponse(u *model.User) userResponse {
	return userResponse{ID: u.ID, Email: u.Email, CreatedAt: u.CreatedAt}
}

type Handler struct {
	keys      Keys
	users     keystore.UserStore
	usage     ledger.Reader
	validator Validator
	sessions  *auth.Sessions
	logger    *slog.Logger
}

func NewHandler(keys Keys, users keystore.UserStore, usage ledger.Reader, validator Validator, sessions *auth.Sessions, logger *slog.Logger) *Handler {
	return &Handler{
		keys:      keys,
		users:     users,
		usage:     usage,
		validator: validator,
		sessions:  sessions,
		logger:    logger.With("component", "portal"),
	}
}

func (h *Handler) FreeKeyHandler(c *gin.Context) {
	key, err := h.keys.IssueFree(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to issue free key", "error", err)
		c.JSON(statusFor(err), gin.H{"status": false, "message": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, lifecycle.NewIssueResponse(key, false))
}

func (h *Handler) RegisterHandler(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Email) == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email and password are required"})
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := h.users.CreateUser(c.Request.Context(), req.Email, hash)
	if err != nil {
		h.logger.Error("Failed to register user", "error", err)
		c.JSON(statusFor(err), gin.H{"error": "Failed to register user"})
		return
	}
	c.JSON(http.StatusOK, newUserResponse(user))
}

func (h *Handler) LoginHandler(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email and password are required"})
		return
	}

	user, err := h.users.FindUserByEmail(c.Request.Context(), req.Email)
	if errors.Is(err, model.ErrNotFound) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to load user", "error", err)
		c.JSON(statusFor(err), gin.H{"error": "Internal server error"})
		return
	}
	if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
		return
	}

	if err := h.sessions.Login(c, user.ID); err != nil {
		h.logger.Error("Failed to save session", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, newUserResponse(user))
}

func (h *Handler) LogoutHandler(c *gin.Context) {
	if err := h.sessions.Logout(c); err != nil {
		h.logger.Error("Failed to clear session", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

func (h *Handler) ListKeysHandler(c *gin.Context) {
	keys, err := h.keys.ListForOwner(c.Request.Context(), auth.CurrentUserID(c))
	if err != nil {
		h.logger.Error("Failed to list keys", "error", err)
		c.JSON(statusFor(err), gin.H{"error": "Failed to list keys"})
		return
	}
	c.JSON(http.StatusOK, keys)
}

func (h *Handler) CreateKeyHandler(c *gin.Context) {
	user, err := h.users.FindUserByID(c.Request.Context(), auth.CurrentUserID(c))
	if errors.Is(err, model.ErrNotFound) {
		// The session outlived the account.
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to load user", "error", err)
		c.JSON(statusFor(err), gin.H{"error": "Internal server error"})
		return
	}

	key, err := h.keys.IssueForUser(c.Request.Context(), user)
	if err != nil {
		h.logger.Error("Failed to issue dashboard key", "user_id", user.ID, "error", err)
		c.JSON(statusFor(err), gin.H{"error": "Failed to create key"})
		return
	}
	c.JSON(http.StatusOK, key)
}

func (h *Handler) RevokeKeyHandler(c *gin.Context) {
	var req revokeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.KeyID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Key ID is required"})
		return
	}

	ctx := c.Request.Context()
	owned, err := h.keys.ListForOwner(ctx, auth.CurrentUserID(c))
	if err != nil {
		h.logger.Error("Failed to list keys", "error", err)
		c.JSON(statusFor(err), gin.H{"error": "Internal server error"})
		return
	}
	if !containsKey(owned, req.KeyID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Key not found or permission denied"})
		return
	}

	key, err := h.keys.Revoke(ctx, req.KeyID)
	if errors.Is(err, model.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Key not found or permission denied"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to revoke key", "key_id", req.KeyID, "error", err)
		c.JSON(statusFor(err), gin.H{"error": "Failed to revoke key"})
		return
	}
	c.JSON(http.StatusOK, key)
}

func (h *Handler) AnalyticsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	keys, err := h.keys.ListForOwner(ctx, auth.CurrentUserID(c))
	if err != nil {
		h.logger.Error("Failed to list keys", "error", err)
		c.JSON(statusFor(err), gin.H{"error": "Internal server error"})
		return
	}

	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.ID)
	}
	entries, err := h.usage.ListByKeyIDs(ctx, ids)
	if err != nil {
		h.logger.Error("Failed to read usage", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load analytics"})
		return
	}
	c.JSON(http.StatusOK, ledger.Summarize(entries))
}

func (h *Handler) ValidateKeyHandler(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.APIKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "API key is required"})
		return
	}

	adm, err := h.validator.Admit(c.Request.Context(), req.APIKey, c.Request.Method, c.Request.URL.Path)
	if adm != nil {
		gate.SetRateLimitHeaders(c.Writer.Header(), adm)
	}
	if err != nil {
		status, message := gate.StatusFor(err)
		c.JSON(status, gin.H{"error": message})
		return
	}
	c.JSON(http.StatusOK, adm)
}

func containsKey(keys []model.APIKey, id string) bool {
	for _, k := range keys {
		if k.ID == id {
			return true
		}
	}
	return false
}

func statusFor(err error) int {
	if errors.Is(err, model.ErrStoreUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
