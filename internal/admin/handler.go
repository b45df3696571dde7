package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"keygate/internal/lifecycle"
	"keygate/internal/model"

	"github.com/gin-gonic/gin"
)

// Lifecycle is what the admin API needs from the lifecycle manager.
type Lifecycle interface {
	Issue(ctx context.Context, tier model.Tier, limit int64, duration time.Duration, owner string) (*model.APIKey, error)
	Revoke(ctx context.Context, id string) (*model.APIKey, error)
	ListForOwner(ctx context.Context, owner string) ([]model.APIKey, error)
}

// CreateKeyRequest is the body of POST /api/admin/create-key. Duration is
// the window length in milliseconds.
type CreateKeyRequest struct {
	Tier     string `json:"tier"`
	Limit    int64  `json:"limit"`
	Duration int64  `json:"duration"`
	Owner    string `json:"owner"`
}

type Handler struct {
	keys   Lifecycle
	logger *slog.Logger
}

func NewHandler(keys Lifecycle, logger *slog.Logger) *Handler {
	return &Handler{keys: keys, logger: logger.With("component", "admin")}
}

func (h *Handler) CreateKeyHandler(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": false, "message": "Invalid request body"})
		return
	}
	if req.Tier == "" || req.Limit == 0 || req.Duration == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"status": false, "message": "Missing required fields"})
		return
	}

	// Free keys are self-service only.
	tier := model.Tier(req.Tier)
	if tier != model.TierPro && tier != model.TierEnterprise {
		c.JSON(http.StatusBadRequest, gin.H{"status": false, "message": "Invalid tier"})
		return
	}

	key, err := h.keys.Issue(c.Request.Context(), tier, req.Limit, time.Duration(req.Duration)*time.Millisecond, req.Owner)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, lifecycle.NewIssueResponse(key, true))
	case errors.Is(err, model.ErrInvalidLimit), errors.Is(err, model.ErrInvalidDuration), errors.Is(err, model.ErrInvalidTier):
		c.JSON(http.StatusBadRequest, gin.H{"status": false, "message": err.Error()})
	default:
		h.logger.Error("Failed to issue key", "tier", tier, "owner", req.Owner, "error", err)
		c.JSON(statusFor(err), gin.H{"status": false, "message": "Internal server error"})
	}
}

func (h *Handler) RevokeKeyHandler(c *gin.Context) {
	key, err := h.keys.Revoke(c.Request.Context(), c.Param("id"))
	if errors.Is(err, model.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "API key not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to revoke key", "key_id", c.Param("id"), "error", err)
		c.JSON(statusFor(err), gin.H{"error": "Failed to revoke key"})
		return
	}
	c.JSON(http.StatusOK, key)
}

func (h *Handler) ListKeysHandler(c *gin.Context) {
	owner := c.Query("owner")
	if owner == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner query parameter is required"})
		return
	}
	keys, err := h.keys.ListForOwner(c.Request.Context(), owner)
	if err != nil {
		h.logger.Error("Failed to list keys", "owner", owner, "error", err)
		c.JSON(statusFor(err), gin.H{"error": "Failed to list keys"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

func statusFor(err error) int {
	if errors.Is(err, model.ErrStoreUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
