package main

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"keygate/internal/config"

	"github.com/gin-gonic/gin"
)

// customRecovery is a middleware that recovers from panics and handles http.ErrAbortHandler gracefully.
func customRecovery(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					log.Warn("Client connection aborted", "path", c.Request.URL.Path)
					c.Abort()
					return
				}

				log.Error("Panic recovered",
					"error", recovered,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			}
		}()
		c.Next()
	}
}

// maintenance answers 503 for everything but the operational endpoints.
func maintenance(cfg config.MaintenanceConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.URL.Path {
		case metricsPath, healthPath:
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": false, "message": cfg.Message})
	}
}
