package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Host           string
	Port           string
	DBPath         string
	AllowedOrigins []string
	LogLevel       string
	SessionTTL     time.Duration
}

// LoadConfig reads a .env file when present, then the environment.
// Variable names match the original deployment (BACKEND_HOST, BACKEND_PORT,
// DB_PATH, ALLOWED_ORIGINS).
func LoadConfig() *Config {
	// Missing .env is fine; the environment still applies.
	_ = godotenv.Load()

	cfg := &Config{
		Host:           getEnv("BACKEND_HOST", "127.0.0.1"),
		Port:           getEnv("BACKEND_PORT", "8000"),
		DBPath:         getEnv("DB_PATH", "database.db"),
		AllowedOrigins: strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:3000"), ","),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		SessionTTL:     24 * time.Hour,
	}

	if ttlStr := os.Getenv("SESSION_TTL_HOURS"); ttlStr != "" {
		if hours, err := strconv.Atoi(ttlStr); err == nil && hours > 0 {
			cfg.SessionTTL = time.Duration(hours) * time.Hour
		}
	}

	return cfg
}

func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
