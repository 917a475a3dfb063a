// Package config handles the loading and parsing of application
// configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig holds all configuration settings for the application.
type AppConfig struct {
	// --- Core settings ---
	DatabaseURL    string // PostgreSQL connection string.
	ServerHost     string
	ServerPort     string
	MigrationsPath string

	// --- External LLM service ---
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIAPIBase     string
	OpenAIMaxTokens   int
	OpenAITemperature float64

	// --- Media storage ---
	MediaRoot string // Local on-disk root, used when S3 is not configured.
	S3        S3Config

	// --- CORS ---
	CORSAllowedOrigins string
	CORSMaxAge         int

	// --- Admission control & liveness ---
	MaxSending        int
	MaxProcessing     int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// --- Timeouts ---
	HTTPClientTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// S3Config holds the configuration for an S3-compatible media backend.
// Left zero-valued, the Media Port falls back to local disk storage.
type S3Config struct {
	Endpoint string
	Region   string
	KeyID    string
	AppKey   string
	Bucket   string
}

// ServerAddr returns the "host:port" listen address.
func (c *AppConfig) ServerAddr() string {
	return c.ServerHost + ":" + c.ServerPort
}

// Load reads environment variables and populates the AppConfig struct,
// applying sensible defaults for non-critical values.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		ServerHost:     getEnv("SERVER_HOST", "localhost"),
		ServerPort:     getEnv("SERVER_PORT", "8082"),
		MigrationsPath: getEnv("MIGRATIONS_PATH", "migrations"),

		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4"),
		OpenAIAPIBase:     getEnv("OPENAI_API_BASE", "https://api.openai.com/v1"),
		OpenAIMaxTokens:   getEnvAsInt("OPENAI_MAX_TOKENS", 1000),
		OpenAITemperature: getEnvAsFloat("OPENAI_TEMPERATURE", 0.7),

		MediaRoot: getEnv("MEDIA_ROOT", "media"),
		S3: S3Config{
			Endpoint: getEnv("S3_ENDPOINT", ""),
			Region:   getEnv("S3_REGION", ""),
			KeyID:    getEnv("S3_ACCESS_KEY", ""),
			AppKey:   getEnv("S3_SECRET_KEY", ""),
			Bucket:   getEnv("S3_BUCKET_NAME", ""),
		},

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		CORSMaxAge:         getEnvAsInt("CORS_MAX_AGE", 300),

		MaxSending:        getEnvAsInt("MAX_SENDING", 50),
		MaxProcessing:     getEnvAsInt("MAX_PROCESSING", 500),
		HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:  getEnvAsDuration("HEARTBEAT_TIMEOUT", 60*time.Second),

		HTTPClientTimeout: getEnvAsDuration("HTTP_CLIENT_TIMEOUT", 30*time.Second),
		ShutdownTimeout:   getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}

	if err := validateCriticalConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateCriticalConfig checks that essential configuration values are set.
func validateCriticalConfig(cfg *AppConfig) error {
	criticalVars := map[string]string{
		"DATABASE_URL":   cfg.DatabaseURL,
		"OPENAI_API_KEY": cfg.OpenAIAPIKey,
	}
	var missing []string
	for name, value := range criticalVars {
		if value == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing critical environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// --- Helper functions for robust environment variable loading ---

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

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
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	return defaultValue
}
