package admin

import (
	"keygate/internal/auth"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(router gin.IRouter, handler *Handler, password string) {
	adminGroup := router.Group("/api/admin")
	adminGroup.Use(auth.AdminAuthMiddleware(password))
	{
		adminGroup.POST("/create-key", handler.CreateKeyHandler)

		keysGroup := adminGroup.Group("/keys")
		{
			keysGroup.GET("", handler.ListKeysHandler)
			keysGroup.DELETE("/:id", handler.RevokeKeyHandler)
		}
	}
}
