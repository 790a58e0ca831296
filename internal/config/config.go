package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port         string `env:"PORT"`
	LogLevel     string `env:"LOG_LEVEL"`
	RedisURL     string `env:"REDIS_URL,secret"`
	JWTPublicKey string `env:"JWT_PUBLIC_KEY,secret"`

	// Presence tunables. ReaperLookbackMs defaults to 2x TTLMs when unset.
	TTLMs            int64  `env:"TTL_MS"`
	ReaperIntervalMs int64  `env:"REAPER_INTERVAL_MS"`
	ReaperLookbackMs int64  `env:"REAPER_LOOKBACK_MS"`
	EventName        string `env:"PRESENCE_EVENT_NAME"`
}

// Load loads configuration from environment variables
func Load() *Config {
	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		RedisURL:         getEnv("REDIS_URL", ""),
		JWTPublicKey:     getEnv("JWT_PUBLIC_KEY", ""),
		TTLMs:            getEnvInt64("TTL_MS", 30000),
		ReaperIntervalMs: getEnvInt64("REAPER_INTERVAL_MS", 3000),
		ReaperLookbackMs: getEnvInt64("REAPER_LOOKBACK_MS", 0),
		EventName:        getEnv("PRESENCE_EVENT_NAME", "presence:event"),
	}

	if cfg.ReaperLookbackMs <= 0 {
		cfg.ReaperLookbackMs = 2 * cfg.TTLMs
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}
