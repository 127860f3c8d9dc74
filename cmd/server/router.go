package main

import (
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/thereayou/tapin/internal/handlers"
	"github.com/thereayou/tapin/internal/middleware"
	"github.com/thereayou/tapin/pkg/auth"
)

func APIEndpoints(
	r *gin.Engine,
	authH *handlers.AuthHandler,
	msgH *handlers.HTTPMessageHandler,
	roomH *handlers.RoomHandler,
	wsH *handlers.WebSocketHandler,
	jwtMgr *auth.JWTManager,
	rdb *redis.Client,
) {
	// Auth endpoints
	authGroup := r.Group("/auth")
	{
		authGroup.POST("/register", authH.Register)
		authGroup.POST("/login", authH.Login)
		authGroup.POST("/logout", authH.Logout)
	}

	// WebSocket: аутентификация первым join-кадром внутри сокета
	r.GET("/ws", wsH.HandleWebSocket)

	// API endpoints
	api := r.Group("/api")
	{
		api.GET("/config", roomH.Config)
		api.GET("/messages/:room", msgH.GetRoomMessages)
		api.GET("/rooms/:room", roomH.GetRoom)
		api.GET("/rooms", roomH.FindNearbyRooms)
		api.GET("/users/:id", authH.GetUser)

		authed := api.Group("")
		authed.Use(middleware.AuthMiddleware(jwtMgr, rdb))
		{
			authed.POST("/messages", msgH.SendMessage)
			authed.POST("/rooms/:room/join", roomH.JoinRoom)
			authed.GET("/dm/:conversation/messages", msgH.GetDMMessages)
		}
	}
}
