package main

import (
	"log"

	"github.com/gin-gonic/gin"

	"github.com/tullo/realtime/config"
	"github.com/tullo/realtime/internal/auth"
	"github.com/tullo/realtime/internal/cache"
	"github.com/tullo/realtime/internal/devserver"
	"github.com/tullo/realtime/internal/middleware"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to Redis; the gateway runs in-memory without it
	redis, err := cache.NewRedisClient(cfg.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis: %v", err)
		log.Println("Running in-memory - single gateway instance only")
		redis = nil
	} else {
		defer redis.Close()
	}

	// Initialize services
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpiryHours)
	users := devserver.NewUserStore()

	hub := devserver.NewHub(redis)
	go hub.Run()

	handler := devserver.NewHandler(hub, jwtService, users, cfg.CORS.AllowedOrigins, cfg.API.RateLimitFramesPerSec)

	// Initialize rate limiter for the unauthenticated routes
	rateLimiter := middleware.NewRateLimiter(cfg.API.RateLimitAuthPerSec)
	rateLimiter.Cleanup()

	// Setup Gin router
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Middleware
	router.Use(middleware.CORSMiddleware(cfg.CORS.AllowedOrigins))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Public routes
	authRoutes := router.Group("/auth")
	authRoutes.Use(middleware.RateLimitMiddleware(rateLimiter))
	{
		authRoutes.POST("/register", handler.Register)
		authRoutes.POST("/login", handler.Login)
	}

	// WebSocket endpoint
	router.GET("/ws", handler.HandleWebSocket)

	// Protected routes
	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(jwtService))
	{
		api.GET("/online-users", handler.GetOnlineUsers)
		api.GET("/presence/:user_id", handler.GetUserPresence)
		api.GET("/conversations/:conversation_id/typing", handler.GetTypingUsers)
	}

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Starting realtime dev gateway on %s (env: %s)", addr, cfg.Server.Env)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
