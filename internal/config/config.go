// Package config provides environment configuration for the sync agent.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Transport kinds.
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// ErrMissingUserID is returned by Validate when no user id is configured.
var ErrMissingUserID = errors.New("CHATSYNC_USER_ID is required")

// Config holds all configuration for the agent.
type Config struct {
	// Identity
	UserID string

	// Server settings
	ServerPort        string
	ServerReadTimeout time.Duration

	// Transport
	TransportKind string
	WebSocketURL  string

	// NATS settings
	NATSURL           string
	NATSCAFile        string
	NATSCertFile      string
	NATSKeyFile       string
	NATSToken         string
	NATSSubjectPrefix string
	NATSHistory       bool

	// HTTP endpoints
	MessagesURL string
	ProjectsURL string
	APIToken    string
	APITimeout  time.Duration

	// Cache
	CacheBackend  string
	CacheTTL      time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// Object storage
	S3Region    string
	S3Bucket    string
	S3Endpoint  string
	S3PublicURL string

	// Delivery
	SendMaxAttempts   int
	SendRetryInterval time.Duration
	CoalesceWindow    time.Duration

	// JWT settings
	JWTSecret string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. A .env file in the working
// directory is loaded first when present; variables already set take precedence.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		UserID: getEnv("CHATSYNC_USER_ID", ""),

		// Server
		ServerPort:        getEnv("PORT", "8080"),
		ServerReadTimeout: getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),

		// Transport
		TransportKind: getEnv("TRANSPORT", TransportWebSocket),
		WebSocketURL:  getEnv("WEBSOCKET_URL", "ws://localhost:3001/ws"),

		// NATS
		NATSURL:           getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:        getEnv("NATS_CA_FILE", ""),
		NATSCertFile:      getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:       getEnv("NATS_KEY_FILE", ""),
		NATSToken:         getEnv("NATS_TOKEN", ""),
		NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "chatsync"),
		NATSHistory:       getBoolEnv("NATS_HISTORY", false),

		// HTTP endpoints
		MessagesURL: getEnv("MESSAGES_API_URL", "http://localhost:3000"),
		ProjectsURL: getEnv("PROJECTS_API_URL", "http://localhost:3000"),
		APIToken:    getEnv("API_TOKEN", ""),
		APITimeout:  getDurationEnv("API_TIMEOUT", 15*time.Second),

		// Cache
		CacheBackend:  getEnv("CACHE_BACKEND", CacheMemory),
		CacheTTL:      getDurationEnv("CACHE_TTL", time.Hour),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		RedisPrefix:   getEnv("REDIS_PREFIX", "chatsync:"),

		// Object storage
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3Bucket:    getEnv("S3_BUCKET", ""),
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3PublicURL: getEnv("S3_PUBLIC_URL", ""),

		// Delivery
		SendMaxAttempts:   getIntEnv("SEND_MAX_ATTEMPTS", 5),
		SendRetryInterval: getDurationEnv("SEND_RETRY_INTERVAL", time.Second),
		CoalesceWindow:    getDurationEnv("COALESCE_WINDOW", time.Second),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate reports settings the agent cannot start without.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return ErrMissingUserID
	}
	switch c.TransportKind {
	case TransportWebSocket, TransportNATS:
	default:
		return errors.New("TRANSPORT must be websocket or nats")
	}
	switch c.CacheBackend {
	case CacheMemory, CacheRedis:
	default:
		return errors.New("CACHE_BACKEND must be memory or redis")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
