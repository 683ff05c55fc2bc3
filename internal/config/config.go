package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for the service.
type Config struct {
	// Required
	Port        string
	PostgresDSN string
	RedisAddr   string
	NATSAddr    string
	S3Bucket    string
	S3Region    string

	// Auth
	Auth0Domain     string
	Auth0Audience   string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Optional with defaults
	GoEnv            string
	LogLevel         string
	RedisPassword    string
	CleanupGracePerd string

	// Rate limits (format: "<limit>-<period>", e.g. "100-M")
	RateLimitAPIGlobal   string
	RateLimitAPIExport   string
	RateLimitAPIJobs     string
	RateLimitWSConnectIP string
	RateLimitWSUser      string
}

// ValidateEnv validates all required environment variables and returns a
// Config, aggregating every violation instead of failing on the first.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.PostgresDSN = os.Getenv("POSTGRES_DSN")
	if cfg.PostgresDSN == "" {
		errs = append(errs, "POSTGRES_DSN is required")
	}

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr == "" {
		errs = append(errs, "REDIS_ADDR is required")
	} else if !isValidHostPort(cfg.RedisAddr) {
		errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	cfg.NATSAddr = os.Getenv("NATS_ADDR")
	if cfg.NATSAddr == "" {
		errs = append(errs, "NATS_ADDR is required")
	}

	cfg.S3Bucket = os.Getenv("EXPORT_S3_BUCKET")
	if cfg.S3Bucket == "" {
		errs = append(errs, "EXPORT_S3_BUCKET is required")
	}
	cfg.S3Region = getEnvOrDefault("EXPORT_S3_REGION", "us-east-1")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.CleanupGracePerd = getEnvOrDefault("ROOM_CLEANUP_GRACE_PERIOD", "5s")

	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	if !cfg.SkipAuth && (cfg.Auth0Domain == "" || cfg.Auth0Audience == "") {
		errs = append(errs, "AUTH0_DOMAIN and AUTH0_AUDIENCE are required unless SKIP_AUTH=true")
	}

	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIExport = getEnvOrDefault("RATE_LIMIT_API_EXPORT", "20-M")
	cfg.RateLimitAPIJobs = getEnvOrDefault("RATE_LIMIT_API_JOBS", "200-M")
	cfg.RateLimitWSConnectIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWSUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

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

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"postgres_dsn", redactSecret(cfg.PostgresDSN),
		"port", cfg.Port,
		"redis_addr", cfg.RedisAddr,
		"nats_addr", cfg.NATSAddr,
		"s3_bucket", cfg.S3Bucket,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
