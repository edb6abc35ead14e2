package handler

import (
	"net/http"
	"time"

	"condo-assistant/internal/config"
	"condo-assistant/internal/service"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the chat API, health and metrics endpoints.
func NewRouter(cfg *config.Config, chatService *service.ChatService) *gin.Engine {
	router := gin.New()

	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           time.Duration(cfg.CORS.MaxAge) * time.Second,
	}
	router.Use(cors.New(corsConfig))

	router.GET("/health", func(c *gin.Context) {
		if err := chatService.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":    "unavailable",
				"error":     err.Error(),
				"timestamp": time.Now().Unix(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"workspaces": chatService.WorkspaceCount(),
			"timestamp":  time.Now().Unix(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	chatHandler := NewChatHandler(chatService)

	api := router.Group("/api")
	{
		api.POST("/chat/stream", chatHandler.StreamChat)
		api.GET("/messages", chatHandler.GetMessages)

		conversations := api.Group("/conversations")
		{
			conversations.GET("", chatHandler.ListConversations)
			conversations.POST("", chatHandler.CreateConversation)
			conversations.POST("/reload", chatHandler.ReloadConversation)
			conversations.PUT("/:conversation_id", chatHandler.RenameConversation)
			conversations.DELETE("/:conversation_id", chatHandler.DeleteConversation)
			conversations.POST("/:conversation_id/select", chatHandler.SelectConversation)
		}
	}

	return router
}
