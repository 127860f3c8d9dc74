package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/thereayou/tapin/internal/broker"
	"github.com/thereayou/tapin/internal/database"
	"github.com/thereayou/tapin/internal/directory"
	"github.com/thereayou/tapin/internal/handlers"
	"github.com/thereayou/tapin/internal/resolver"
	"github.com/thereayou/tapin/pkg/auth"
)

type Server struct {
	Router     *gin.Engine
	DB         *database.Database
	Redis      *redis.Client
	JWTManager *auth.JWTManager
	Directory  *directory.Directory
}

func NewServer() *Server {
	if err := godotenv.Load(".env.local"); err != nil {
		if err := godotenv.Load(); err != nil {
			log.Println(".env not found, using environment variables")
		}
	}

	dbConn := &database.Database{}
	if err := dbConn.Connect(); err != nil {
		log.Fatalf("Postgres connect failed: %v", err)
	}

	redisOpts, err := redis.ParseURL(os.Getenv("REDIS_URL"))
	if err != nil {
		log.Fatalf("invalid REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Redis connect failed: %v", err)
	}

	jwtMgr := auth.NewJWTManager(
		os.Getenv("JWT_SECRET"),
		24*time.Hour,
	)

	dir := directory.New()
	res := resolver.New(dbConn, resolver.Config{
		DefaultSearchRadius: envFloat("DEFAULT_SEARCH_RADIUS", 5000),
		CellResolution:      envInt("CELL_RESOLUTION", 8),
	})
	b := broker.NewRedis(rdb)

	authH := handlers.NewAuthHandler(dbConn, jwtMgr, rdb)
	msgH := handlers.NewHTTPMessageHandler(dbConn)
	roomH := handlers.NewRoomHandler(dbConn, res, dir)
	wsH := handlers.NewWebSocketHandler(dbConn, res, dir, b, jwtMgr)

	router := gin.Default()
	APIEndpoints(router, authH, msgH, roomH, wsH, jwtMgr, rdb)

	return &Server{
		Router:     router,
		DB:         dbConn,
		Redis:      rdb,
		JWTManager: jwtMgr,
		Directory:  dir,
	}
}

func (s *Server) Run() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	log.Printf("Server starting on port %s", port)
	if err := s.Router.Run(":" + port); err != nil {
		log.Fatalf("Server run error: %v", err)
	}
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
		log.Printf("invalid %s, using default %v", key, fallback)
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
		log.Printf("invalid %s, using default %v", key, fallback)
	}
	return fallback
}
