package api

import (
	"github.com/gin-gonic/gin"

	"github.com/lalith-99/nestchat/internal/middleware"
)

// NewRouter assembles the gateway's HTTP surface. Health is public for
// load-balancer probes; everything under /v1/chats requires a verified
// bearer identity.
func NewRouter(jwtSecret string, chats *ChatHandler, stream *StreamHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.GET("/v1/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtSecret))

	v1.POST("/chats", chats.Create)
	v1.GET("/chats/me", chats.ListMine)
	v1.POST("/chats/messages", chats.SendMessage)
	v1.GET("/chats/messages", chats.History)
	v1.PUT("/chats/update", chats.UpdatePreview)
	v1.GET("/chats/stream", stream.Stream)

	return r
}
