// Package config handles client configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all client configuration
type Config struct {
	// Dashboard server settings
	Port           string
	Env            string // "development", "staging", "production"
	LogLevel       string
	LogFormat      string // "text" or "json"
	AllowedOrigins []string

	// Scoring backend
	BackendURL     string
	BackendTimeout time.Duration

	// Backend circuit breaker
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Dashboard rate limit on backend-calling routes
	RateLimitRPM   int
	RateLimitBurst int

	// Report polling
	ReportInitialDelay time.Duration
	ReportRetryDelay   time.Duration
	ReportMaxRetries   int

	// Tamper alarm
	AlarmDismissAfter time.Duration

	// Cycle rendering surface
	CanvasWidth  float64
	CanvasHeight float64

	// Session identity; a fresh one is generated when empty
	SessionID string

	// Session history (optional, uses in-memory if not set)
	DatabaseURL string

	// Provenance anchor lookups (optional)
	RPCURL string

	// Cycle graph export (optional)
	Neo4jURI      string
	Neo4jUsername string
	Neo4jPassword string
	Neo4jDatabase string

	// Tracing (optional)
	OTLPEndpoint     string
	TraceSampleRatio float64
}

// Defaults
const (
	DefaultPort               = "8090"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultBackendURL         = "http://127.0.0.1:8000/api"
	DefaultBackendTimeout     = 30 * time.Second
	DefaultBreakerThreshold   = 5
	DefaultBreakerCooldown    = 30 * time.Second
	DefaultRateLimitRPM       = 120
	DefaultRateLimitBurst     = 20
	DefaultReportInitialDelay = 1 * time.Second
	DefaultReportRetryDelay   = 2 * time.Second
	DefaultReportMaxRetries   = 5
	DefaultAlarmDismissAfter  = 10 * time.Second
	DefaultCanvasWidth        = 600
	DefaultCanvasHeight       = 400
	DefaultTraceSampleRatio   = 1.0
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		AllowedOrigins:     getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://127.0.0.1:3000"}),
		BackendURL:         strings.TrimRight(getEnv("BACKEND_URL", DefaultBackendURL), "/"),
		BackendTimeout:     getEnvDuration("BACKEND_TIMEOUT", DefaultBackendTimeout),
		BreakerThreshold:   int(getEnvInt64("BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerCooldown:    getEnvDuration("BREAKER_COOLDOWN", DefaultBreakerCooldown),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:     int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		ReportInitialDelay: getEnvDuration("REPORT_INITIAL_DELAY", DefaultReportInitialDelay),
		ReportRetryDelay:   getEnvDuration("REPORT_RETRY_DELAY", DefaultReportRetryDelay),
		ReportMaxRetries:   int(getEnvInt64("REPORT_MAX_RETRIES", DefaultReportMaxRetries)),
		AlarmDismissAfter:  getEnvDuration("ALARM_DISMISS_AFTER", DefaultAlarmDismissAfter),
		CanvasWidth:        getEnvFloat("CANVAS_WIDTH", DefaultCanvasWidth),
		CanvasHeight:       getEnvFloat("CANVAS_HEIGHT", DefaultCanvasHeight),
		SessionID:          os.Getenv("SESSION_ID"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RPCURL:             os.Getenv("RPC_URL"),
		Neo4jURI:           os.Getenv("NEO4J_URI"),
		Neo4jUsername:      os.Getenv("NEO4J_USERNAME"),
		Neo4jPassword:      os.Getenv("NEO4J_PASSWORD"),
		Neo4jDatabase:      os.Getenv("NEO4J_DATABASE"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:   getEnvFloat("OTEL_TRACES_SAMPLER_ARG", DefaultTraceSampleRatio),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("BACKEND_URL must be an absolute http(s) URL")
	}

	if c.BackendTimeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must be positive")
	}
	if c.BreakerThreshold < 1 || c.BreakerCooldown <= 0 {
		return fmt.Errorf("BREAKER_THRESHOLD must be >= 1 and BREAKER_COOLDOWN positive")
	}
	if c.RateLimitRPM < 1 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be at least 1")
	}
	if c.ReportInitialDelay < 0 || c.ReportRetryDelay <= 0 {
		return fmt.Errorf("REPORT_INITIAL_DELAY must be >= 0 and REPORT_RETRY_DELAY positive")
	}
	if c.ReportMaxRetries < 0 {
		return fmt.Errorf("REPORT_MAX_RETRIES must be >= 0")
	}
	if c.AlarmDismissAfter <= 0 {
		return fmt.Errorf("ALARM_DISMISS_AFTER must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.CanvasWidth < 1 || c.CanvasHeight < 1 {
		return fmt.Errorf("CANVAS_WIDTH and CANVAS_HEIGHT must be at least 1")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// StreamURL is the live server-push endpoint of the backend
func (c *Config) StreamURL() string {
	return c.BackendURL + "/stream/live"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
