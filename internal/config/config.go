package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration.
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// WhatsApp webhook + Graph API
	WhatsAppVerifyToken string
	WhatsAppAppSecret   string
	WhatsAppAccessToken string
	GraphAPIBaseURL     string
	PhoneNumberID       string

	// Backend booking service
	BackendBaseURL   string
	BackendAPIKey    string
	BackendJWTSecret string
	BackendTimeout   time.Duration

	// NLU provider
	OpenAIAPIKey           string
	NLUModel               string
	NLUTimeout             time.Duration
	NLUConfidenceThreshold float64
	NLUCacheTTL            time.Duration

	// Conversation sessions
	SessionTTL           time.Duration
	SessionSweepInterval time.Duration
	ReplyWindow          time.Duration
	ExpiredWindowTemplate string

	// Retry/backoff shared by backend and outbound sends
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	// Optional Redis backing for sessions, dedupe, and the NLU cache
	RedisAddr     string
	RedisPassword string

	DedupeTTL time.Duration
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		WhatsAppVerifyToken: getEnv("WHATSAPP_VERIFY_TOKEN", ""),
		WhatsAppAppSecret:   getEnv("WHATSAPP_APP_SECRET", ""),
		WhatsAppAccessToken: getEnv("WHATSAPP_ACCESS_TOKEN", ""),
		GraphAPIBaseURL:     getEnv("GRAPH_API_BASE_URL", ""),
		PhoneNumberID:       getEnv("WHATSAPP_PHONE_NUMBER_ID", ""),

		BackendBaseURL:   getEnv("BACKEND_BASE_URL", ""),
		BackendAPIKey:    getEnv("BACKEND_API_KEY", ""),
		BackendJWTSecret: getEnv("BACKEND_JWT_SECRET", ""),
		BackendTimeout:   getEnvAsDuration("BACKEND_TIMEOUT", 10*time.Second),

		OpenAIAPIKey:           getEnv("OPENAI_API_KEY", ""),
		NLUModel:               getEnv("NLU_MODEL", "gpt-4o-mini"),
		NLUTimeout:             getEnvAsDuration("NLU_TIMEOUT", 5*time.Second),
		NLUConfidenceThreshold: getEnvAsFloat("NLU_CONFIDENCE_THRESHOLD", 0.6),
		NLUCacheTTL:            getEnvAsDuration("NLU_CACHE_TTL", 30*time.Second),

		SessionTTL:            getEnvAsDuration("SESSION_TTL", 15*time.Minute),
		SessionSweepInterval:  getEnvAsDuration("SESSION_SWEEP_INTERVAL", time.Minute),
		ReplyWindow:           getEnvAsDuration("REPLY_WINDOW", 24*time.Hour),
		ExpiredWindowTemplate: getEnv("EXPIRED_WINDOW_TEMPLATE", "concierge_followup"),

		RetryMaxAttempts: getEnvAsInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:   getEnvAsDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:    getEnvAsDuration("RETRY_MAX_DELAY", 10*time.Second),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		DedupeTTL: getEnvAsDuration("DEDUPE_TTL", 24*time.Hour),
	}
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value.
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
