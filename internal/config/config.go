// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Rules authority. An empty URL selects the in-process authority.
	RulesURL     string
	RulesTimeout time.Duration

	// Participant settings.
	MoveTimeout           time.Duration // Per-move deadline handed to participants.
	RetryBudget           int           // Attempts per ply, shared by timeouts and illegal moves.
	BreakerThreshold      int
	BreakerCooldown       time.Duration
	MoveInterval          time.Duration // Minimum gap between requests to one participant; 0 disables pacing.
	AllowPrivateAddresses bool
	RosterPath            string

	// Observer settings.
	ObserverQueue   int
	FinalAckTimeout time.Duration

	// Session lifetime.
	SessionIdleTTL time.Duration // How long finished sessions and tombstones are kept.
	AbandonAfter   time.Duration // Inactivity after which an active session expires.
	SweepInterval  time.Duration
	EvictFinished  bool

	// Auth settings. Auth is disabled when both API keys are empty.
	OperatorAPIKey    string
	ObserverAPIKey    string
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
}

// AuthEnabled reports whether API keys are configured.
func (c Config) AuthEnabled() bool {
	return c.OperatorAPIKey != "" || c.ObserverAPIKey != ""
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var cfg Config
	var err error

	cfg.Port, err = envInt("KIBITZ_PORT", 8080)
	collect(err)
	cfg.ReadTimeout, err = envDuration("KIBITZ_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("KIBITZ_WRITE_TIMEOUT", 30*time.Second)
	collect(err)

	cfg.RulesURL = envStr("KIBITZ_RULES_URL", "")
	cfg.RulesTimeout, err = envDuration("KIBITZ_RULES_TIMEOUT", 2*time.Second)
	collect(err)

	cfg.MoveTimeout, err = envDuration("KIBITZ_MOVE_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.RetryBudget, err = envInt("KIBITZ_RETRY_BUDGET", 3)
	collect(err)
	cfg.BreakerThreshold, err = envInt("KIBITZ_BREAKER_THRESHOLD", 5)
	collect(err)
	cfg.BreakerCooldown, err = envDuration("KIBITZ_BREAKER_COOLDOWN", 60*time.Second)
	collect(err)
	cfg.MoveInterval, err = envDuration("KIBITZ_MOVE_INTERVAL", 0)
	collect(err)
	cfg.AllowPrivateAddresses, err = envBool("KIBITZ_ALLOW_PRIVATE_PARTICIPANTS", false)
	collect(err)
	cfg.RosterPath = envStr("KIBITZ_ROSTER_PATH", "")

	cfg.ObserverQueue, err = envInt("KIBITZ_OBSERVER_QUEUE", 16)
	collect(err)
	cfg.FinalAckTimeout, err = envDuration("KIBITZ_FINAL_ACK_TIMEOUT", 5*time.Second)
	collect(err)

	cfg.SessionIdleTTL, err = envDuration("KIBITZ_SESSION_IDLE_TTL", 30*time.Minute)
	collect(err)
	cfg.AbandonAfter, err = envDuration("KIBITZ_ABANDON_AFTER", 2*time.Hour)
	collect(err)
	cfg.SweepInterval, err = envDuration("KIBITZ_SWEEP_INTERVAL", time.Minute)
	collect(err)
	cfg.EvictFinished, err = envBool("KIBITZ_EVICT_FINISHED", true)
	collect(err)

	cfg.OperatorAPIKey = envStr("KIBITZ_OPERATOR_API_KEY", "")
	cfg.ObserverAPIKey = envStr("KIBITZ_OBSERVER_API_KEY", "")
	cfg.JWTPrivateKeyPath = envStr("KIBITZ_JWT_PRIVATE_KEY", "")
	cfg.JWTPublicKeyPath = envStr("KIBITZ_JWT_PUBLIC_KEY", "")
	cfg.JWTExpiration, err = envDuration("KIBITZ_JWT_EXPIRATION", 24*time.Hour)
	collect(err)

	cfg.RateLimitRPS, err = envFloat("KIBITZ_RATE_LIMIT_RPS", 20)
	collect(err)
	cfg.RateLimitBurst, err = envInt("KIBITZ_RATE_LIMIT_BURST", 40)
	collect(err)

	cfg.OTELEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.OTELInsecure, err = envBool("OTEL_EXPORTER_OTLP_INSECURE", false)
	collect(err)
	cfg.ServiceName = envStr("OTEL_SERVICE_NAME", "kibitz")

	cfg.LogLevel = envStr("KIBITZ_LOG_LEVEL", "info")
	maxBody, err := envInt("KIBITZ_MAX_REQUEST_BODY_BYTES", 64*1024)
	collect(err)
	cfg.MaxRequestBodyBytes = int64(maxBody)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that configuration values are within range.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("KIBITZ_PORT must be between 1 and 65535"))
	}
	if c.RulesURL != "" {
		u, err := url.Parse(c.RulesURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("KIBITZ_RULES_URL must be an http(s) URL"))
		}
	}
	if c.RulesTimeout <= 0 {
		errs = append(errs, fmt.Errorf("KIBITZ_RULES_TIMEOUT must be positive"))
	}
	if c.MoveTimeout <= 0 {
		errs = append(errs, fmt.Errorf("KIBITZ_MOVE_TIMEOUT must be positive"))
	}
	if c.RetryBudget < 1 {
		errs = append(errs, fmt.Errorf("KIBITZ_RETRY_BUDGET must be at least 1"))
	}
	if c.BreakerThreshold < 1 {
		errs = append(errs, fmt.Errorf("KIBITZ_BREAKER_THRESHOLD must be at least 1"))
	}
	if c.MoveInterval < 0 {
		errs = append(errs, fmt.Errorf("KIBITZ_MOVE_INTERVAL must not be negative"))
	}
	if c.ObserverQueue < 1 {
		errs = append(errs, fmt.Errorf("KIBITZ_OBSERVER_QUEUE must be at least 1"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("KIBITZ_SWEEP_INTERVAL must be positive"))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("KIBITZ_RATE_LIMIT_RPS and KIBITZ_RATE_LIMIT_BURST must be positive"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("KIBITZ_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if (c.JWTPrivateKeyPath == "") != (c.JWTPublicKeyPath == "") {
		errs = append(errs, fmt.Errorf("KIBITZ_JWT_PRIVATE_KEY and KIBITZ_JWT_PUBLIC_KEY must be set together"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("KIBITZ_LOG_LEVEL=%q must be one of debug, info, warn, error", c.LogLevel))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
