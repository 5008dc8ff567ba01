// Package config loads and validates environment configuration.
package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port      string `env:"PORT" envDefault:"8080"`
	AdminKey  string `env:"REFLECT_AUTH_API_KEY"`
	StorePath string `env:"STORE_PATH" envDefault:"./data"`

	// Storage backend: "badger", "redis" or "memory"
	StoreBackend  string `env:"STORE_BACKEND" envDefault:"badger"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// Auth
	AuthDomain   string `env:"AUTH_DOMAIN"`
	AuthAudience string `env:"AUTH_AUDIENCE"`
	SkipAuth     bool   `env:"SKIP_AUTH"`

	// Optional variables with defaults
	GoEnv           string `env:"GO_ENV" envDefault:"production"`
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
	DevelopmentMode bool   `env:"DEVELOPMENT_MODE"`
	AllowedOrigins  string `env:"ALLOWED_ORIGINS"`

	// Turn loop
	TurnDurationMs          int  `env:"TURN_DURATION_MS" envDefault:"66"`
	AllowUnconfirmedWrites  bool `env:"ALLOW_UNCONFIRMED_WRITES"`
	RevalidateIntervalSecs  int  `env:"REVALIDATE_INTERVAL_SECS" envDefault:"300"`
	RoomCleanupGraceSeconds int  `env:"ROOM_CLEANUP_GRACE_SECONDS" envDefault:"5"`

	// Rate limits (format: <count>-<unit>, M = Minute, H = Hour)
	RateLimitWsIP   string `env:"RATE_LIMIT_WS_IP" envDefault:"100-M"`
	RateLimitWsUser string `env:"RATE_LIMIT_WS_USER" envDefault:"10-M"`

	// Tracing
	TracingEnabled bool   `env:"TRACING_ENABLED"`
	OtelCollector  string `env:"OTEL_COLLECTOR_ADDR"`
}

// ValidateEnv parses the environment into a Config and validates it.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	var errors []string

	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	if cfg.AdminKey == "" {
		errors = append(errors, "REFLECT_AUTH_API_KEY is required")
	} else if len(cfg.AdminKey) < 16 {
		errors = append(errors, fmt.Sprintf("REFLECT_AUTH_API_KEY must be at least 16 characters (got %d)", len(cfg.AdminKey)))
	}

	switch cfg.StoreBackend {
	case "badger":
		if cfg.StorePath == "" {
			errors = append(errors, "STORE_PATH is required when STORE_BACKEND=badger")
		}
	case "redis":
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
	case "memory":
		if !cfg.DevelopmentMode {
			errors = append(errors, "STORE_BACKEND=memory is only allowed with DEVELOPMENT_MODE=true")
		}
	default:
		errors = append(errors, fmt.Sprintf("STORE_BACKEND must be one of badger, redis, memory (got '%s')", cfg.StoreBackend))
	}

	if !cfg.SkipAuth && (cfg.AuthDomain == "" || cfg.AuthAudience == "") {
		if cfg.DevelopmentMode {
			slog.Warn("⚠️  Development Mode: auth credentials missing. Auto-enabling SKIP_AUTH.")
			cfg.SkipAuth = true
		} else {
			errors = append(errors, "AUTH_DOMAIN and AUTH_AUDIENCE must be set when SKIP_AUTH=false")
		}
	}

	if cfg.TurnDurationMs < 1 || cfg.TurnDurationMs > 1000 {
		errors = append(errors, fmt.Sprintf("TURN_DURATION_MS must be between 1 and 1000 (got %d)", cfg.TurnDurationMs))
	}

	if cfg.TracingEnabled && cfg.OtelCollector == "" {
		errors = append(errors, "OTEL_COLLECTOR_ADDR is required when TRACING_ENABLED=true")
	}

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"admin_key", redactSecret(cfg.AdminKey),
		"port", cfg.Port,
		"store_backend", cfg.StoreBackend,
		"store_path", cfg.StorePath,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"turn_duration_ms", cfg.TurnDurationMs,
		"allow_unconfirmed_writes", cfg.AllowUnconfirmedWrites,
	)
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
