package geoprice

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents service configuration.
type Config struct {
	// Listen address of the HTTP API (default: ":8080").
	Addr string

	// TTL applied to every status, result and name record (default: 1 day).
	TTL time.Duration

	// Status store backend: "memory", "badger" or "sqlite" (default: "memory").
	StoreBackend string

	// Path of the on-disk store (default: "./data/tasks").
	// Ignored by the memory backend.
	StorePath string

	// Cleanup periodicity for stores that need explicit expiry (default: 1 hour).
	CleanupInterval time.Duration

	// Number of executor workers (default: 4).
	Workers int

	// Maximum number of queued jobs (default: 100).
	QueueSize int

	// Allowed job submissions per second per client (default: 5).
	SubmitRate float64

	// Submission burst per client (default: 10).
	SubmitBurst int

	// Longest time a result stream stays open (default: 10 minutes, 0 disables the limit).
	StreamTimeout time.Duration

	// Log level: debug, info, warn or error (default: info).
	LogLevel slog.Level
}

// LoadConfig loads configuration from environment variables.
// It reads the following environment variables:
//   - GEOPRICE_ADDR: listen address (default: ":8080")
//   - GEOPRICE_TASK_TTL: record TTL (default: 1 day)
//   - GEOPRICE_STORE: store backend (default: "memory")
//   - GEOPRICE_STORE_PATH: store path (default: "./data/tasks")
//   - GEOPRICE_CLEANUP_INTERVAL: cleanup interval (default: 1 hour)
//   - GEOPRICE_WORKERS: executor workers (default: 4)
//   - GEOPRICE_QUEUE_SIZE: executor queue size (default: 100)
//   - GEOPRICE_SUBMIT_RATE: submissions per second per client (default: 5)
//   - GEOPRICE_SUBMIT_BURST: submission burst per client (default: 10)
//   - GEOPRICE_STREAM_TIMEOUT: result stream limit (default: 10 minutes)
//   - GEOPRICE_LOG_LEVEL: log level (default: info)
//
// Duration values can be specified as:
//   - Integer number of days (e.g., "1" = 1 day)
//   - Duration string (e.g., "24h", "1h30m")
func LoadConfig() *Config {
	return &Config{
		Addr:            getEnvString("GEOPRICE_ADDR", ":8080"),
		TTL:             getEnvDuration("GEOPRICE_TASK_TTL", 24*time.Hour),
		StoreBackend:    strings.ToLower(getEnvString("GEOPRICE_STORE", "memory")),
		StorePath:       getEnvString("GEOPRICE_STORE_PATH", "./data/tasks"),
		CleanupInterval: getEnvDuration("GEOPRICE_CLEANUP_INTERVAL", time.Hour),
		Workers:         getEnvInt("GEOPRICE_WORKERS", 4),
		QueueSize:       getEnvInt("GEOPRICE_QUEUE_SIZE", 100),
		SubmitRate:      getEnvFloat("GEOPRICE_SUBMIT_RATE", 5),
		SubmitBurst:     getEnvInt("GEOPRICE_SUBMIT_BURST", 10),
		StreamTimeout:   getEnvDuration("GEOPRICE_STREAM_TIMEOUT", 10*time.Minute),
		LogLevel:        getEnvLevel("GEOPRICE_LOG_LEVEL", slog.LevelInfo),
	}
}

func getEnvString(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if days, err := strconv.Atoi(value); err == nil {
			return time.Duration(days) * 24 * time.Hour
		}
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvLevel(key string, defaultValue slog.Level) slog.Level {
	if value := os.Getenv(key); value != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(value)); err == nil {
			return level
		}
	}
	return defaultValue
}
