package portal

import (
	"github.com/gin-gonic/gin"
)

func SetupRoutes(router gin.IRouter, handler *Handler) {
	api := router.Group("/api")
	{
		api.GET("/free-key", handler.FreeKeyHandler)
		api.POST("/register", handler.RegisterHandler)
		api.POST("/auth/login", handler.LoginHandler)
		api.POST("/auth/logout", handler.LogoutHandler)
		api.POST("/internal/validate-key", handler.ValidateKeyHandler)

		dashboard := api.Group("")
		dashboard.Use(handler.sessions.Require())
		{
			dashboard.GET("/keys", handler.ListKeysHandler)
			dashboard.POST("/keys", handler.CreateKeyHandler)
			dashboard.DELETE("/keys", handler.RevokeKeyHandler)
			dashboard.GET("/analytics", handler.AnalyticsHandler)
		}
	}
}
