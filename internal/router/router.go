package router

import (
	"github.com/gin-gonic/gin"

	"sudooom.im.chatsync/internal/handler"
	"sudooom.im.chatsync/internal/middleware"
	"sudooom.im.chatsync/pkg/jwt"
)

// SetupRouter 设置路由
func SetupRouter(mode string, verifier *jwt.Verifier, conv *handler.ConversationHandler) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(middleware.Logger())

	v1 := r.Group("/api/v1")
	v1.Use(middleware.JWTAuth(verifier))
	{
		conversations := v1.Group("/conversations/:id")
		{
			conversations.POST("/open", conv.Open)
			conversations.POST("/close", conv.Close)

			conversations.GET("/messages", conv.Messages)
			conversations.POST("/messages", conv.Send)
			conversations.POST("/messages/more", conv.More)

			conversations.GET("/typing", conv.GetTyping)
			conversations.POST("/typing", conv.SetTyping)

			conversations.GET("/read", conv.ReadState)
			conversations.POST("/read", conv.MarkRead)
		}
	}

	return r
}
