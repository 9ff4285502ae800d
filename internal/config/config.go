package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string
	LogLevel    string

	// Storage
	QueryTimeout time.Duration

	// Hub
	NumStripes    int
	SendQueueSize int
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	PongWait      time.Duration

	// Idle lock expiry. Zero TTL disables the sweeper: disconnect stays the
	// only automatic release trigger.
	LockIdleTTL       time.Duration
	LockSweepInterval time.Duration

	// Circuit breaker around persistence saves
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
}

func Load() Config {
	return Config{
		Port:                getEnv("PORT", "8080"),
		DatabaseURL:         getEnvRequired("DATABASE_URL"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		QueryTimeout:        getEnvDuration("QUERY_TIMEOUT", 5*time.Second),
		NumStripes:          getEnvInt("NUM_STRIPES", 16),
		SendQueueSize:       getEnvInt("SEND_QUEUE_SIZE", 64),
		WriteTimeout:        getEnvDuration("WRITE_TIMEOUT", 10*time.Second),
		PingInterval:        getEnvDuration("PING_INTERVAL", 30*time.Second),
		PongWait:            getEnvDuration("PONG_WAIT", 60*time.Second),
		LockIdleTTL:         getEnvDuration("LOCK_IDLE_TTL", 0),
		LockSweepInterval:   getEnvDuration("LOCK_SWEEP_INTERVAL", 15*time.Second),
		BreakerMaxFailures:  getEnvInt("BREAKER_MAX_FAILURES", 5),
		BreakerResetTimeout: getEnvDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
	}
}

func getEnvRequired(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic("required environment variable " + key + " is not set")
	}
	return v
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("invalid integer env var, using default", "key", key, "value", v, "error", err)
			return fallback
		}
		return n
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("invalid duration env var, using default", "key", key, "value", v, "error", err)
			return fallback
		}
		return d
	}
	return fallback
}
