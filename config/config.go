package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server ServerConfig
	Client ClientConfig
	Redis  RedisConfig
	JWT    JWTConfig
	API    APIConfig
	CORS   CORSConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

// ClientConfig holds tuning knobs for the realtime sync client. Defaults match
// what the production gateway expects; override via env for testing.
type ClientConfig struct {
	ServerURL            string
	HeartbeatInterval    time.Duration
	TypingTTL            time.Duration
	QueueCapacity        int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret      string
	ExpiryHours int
}

// APIConfig tunes the gateway's rate limits: websocket frames per connection
// and requests per IP on the unauthenticated auth routes.
type APIConfig struct {
	RateLimitFramesPerSec int
	RateLimitAuthPerSec   int
}

type CORSConfig struct {
	AllowedOrigins []string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		redisDB = 0
	}

	jwtExpiry, err := strconv.Atoi(getEnv("JWT_EXPIRY_HOURS", "168"))
	if err != nil {
		jwtExpiry = 168
	}

	queueCap, err := strconv.Atoi(getEnv("RT_QUEUE_CAPACITY", "100"))
	if err != nil {
		queueCap = 100
	}

	maxAttempts, err := strconv.Atoi(getEnv("RT_MAX_RECONNECT_ATTEMPTS", "10"))
	if err != nil {
		maxAttempts = 10
	}

	frameRate, err := strconv.Atoi(getEnv("RATE_LIMIT_FRAMES_PER_SEC", "20"))
	if err != nil {
		frameRate = 20
	}

	authRate, err := strconv.Atoi(getEnv("RATE_LIMIT_AUTH_PER_SEC", "10"))
	if err != nil {
		authRate = 10
	}

	origins := strings.Split(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"), ",")

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Env:  getEnv("ENV", "development"),
		},
		Client: ClientConfig{
			ServerURL:            getEnv("RT_SERVER_URL", "ws://localhost:8080/ws"),
			HeartbeatInterval:    getEnvDuration("RT_HEARTBEAT_INTERVAL", 60*time.Second),
			TypingTTL:            getEnvDuration("RT_TYPING_TTL", 5*time.Second),
			QueueCapacity:        queueCap,
			ReconnectBaseDelay:   getEnvDuration("RT_RECONNECT_BASE_DELAY", time.Second),
			ReconnectMaxDelay:    getEnvDuration("RT_RECONNECT_MAX_DELAY", 5*time.Second),
			MaxReconnectAttempts: maxAttempts,
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-this-secret-key"),
			ExpiryHours: jwtExpiry,
		},
		API: APIConfig{
			RateLimitFramesPerSec: frameRate,
			RateLimitAuthPerSec:   authRate,
		},
		CORS: CORSConfig{
			AllowedOrigins: origins,
		},
	}

	// Validate required fields
	if cfg.JWT.Secret == "change-this-secret-key" && cfg.Server.Env == "production" {
		return nil, fmt.Errorf("JWT_SECRET must be set in production")
	}

	return cfg, nil
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
