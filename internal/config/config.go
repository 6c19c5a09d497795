package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	LogLevel        slog.Level
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	PostgresDSN string

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration
	WarmOnStart   bool

	StaleAfter         time.Duration
	MovingThresholdKmh float64
	MinSpeedFloorKmh   float64
	SampleQueueSize    int
	ClientSendBuffer   int
	WorkerIdleTimeout  time.Duration
	PersistAttempts    int
	PersistBackoff     time.Duration

	RateLimitPerWindow int
	RateLimitWindow    time.Duration
	RateLimitWhitelist []string
}

func Load() (*Config, error) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		return nil, fmt.Errorf("POSTGRES_DSN environment variable is required")
	}

	return &Config{
		LogLevel:        getLogLevelEnv("LOG_LEVEL", slog.LevelInfo),
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ReadTimeout:     getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		PostgresDSN: dsn,

		RedisEnabled:  getBoolEnv("REDIS_ENABLED", false),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		CacheTTL:      getDurationEnv("CACHE_TTL", time.Hour),
		WarmOnStart:   getBoolEnv("WARM_ON_START", true),

		StaleAfter:         getDurationEnv("TRACK_STALE_AFTER", 120*time.Second),
		MovingThresholdKmh: getFloatEnv("TRACK_MOVING_THRESHOLD_KMH", 3),
		MinSpeedFloorKmh:   getFloatEnv("TRACK_MIN_SPEED_FLOOR_KMH", 5),
		SampleQueueSize:    getIntEnv("TRACK_SAMPLE_QUEUE_SIZE", 16),
		ClientSendBuffer:   getIntEnv("WS_CLIENT_SEND_BUFFER", 256),
		WorkerIdleTimeout:  getDurationEnv("TRACK_IDLE_TIMEOUT", 30*time.Minute),
		PersistAttempts:    getIntEnv("PERSIST_ATTEMPTS", 3),
		PersistBackoff:     getDurationEnv("PERSIST_BACKOFF", 200*time.Millisecond),

		RateLimitPerWindow: getIntEnv("RATE_LIMIT_PER_WINDOW", 600),
		RateLimitWindow:    getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitWhitelist: getCSVEnv("RATE_LIMIT_WHITELIST"),
	}, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getLogLevelEnv(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultVal
	}
}

func getCSVEnv(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	return result
}
