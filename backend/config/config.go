// Package config loads process configuration from the environment,
// the same unadorned AppConfig-global shape the teacher's main.go
// already calls into.
package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ulule/limiter rate strings, e.g. "20-M" for 20 per minute.
	RateLimitAPI string
	RateLimitWS  string
}

// AppConfig is populated by Load and read by main and its collaborators.
var AppConfig Config

// Load reads .env (if present) into the process environment, then
// populates AppConfig from the environment with defaults. A missing
// .env file is not an error - it's the normal case in production,
// where configuration arrives as real environment variables.
func Load() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️ no .env file found, relying on process environment")
	}

	AppConfig = Config{
		Port:          getEnv("PORT", "8080"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RateLimitAPI:  getEnv("RATE_LIMIT_API", "120-M"),
		RateLimitWS:   getEnv("RATE_LIMIT_WS", "20-M"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
