package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/webalive/collab-server/internal/logger"
)

var log = logger.WithComponent("CONFIG")

// Common configuration errors.
var (
	ErrMissingDatabaseURL = errors.New("DATABASE_URL environment variable is required")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// AppConfig holds the resolved, validated application configuration.
type AppConfig struct {
	Env         string
	Addr        string
	DatabaseURL string

	// Allowed origins for the WebSocket upgrade (empty = same-host + localhost only).
	AllowedOrigins []string

	// Rate limits (C1).
	ConnLimitPerIP      int
	ConnLimitWindow     time.Duration
	MessageLimitPerConn int
	MessageLimitWindow  time.Duration
	MessageViolationMax int

	// Session gate (C2).
	SessionIdleTimeout     time.Duration
	SessionAbsoluteTimeout time.Duration

	// Protection engine (C7).
	ProtectionWindow time.Duration

	// Persistence debounce (C8).
	PersistDebounce time.Duration

	// Room lifecycle (§3).
	RoomTeardownGrace time.Duration

	// Transport hardening (C10).
	MaxFrameSize int64
}

// ValidationError contains details about a configuration validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error: %s - %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d config validation errors: %s (and %d more)", len(e), e[0].Error(), len(e)-1)
}

// Validate checks the configuration for errors.
func (c *AppConfig) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.DatabaseURL == "" {
		errs = append(errs, ValidationError{Field: "databaseUrl", Message: "DATABASE_URL is required"})
	}
	if c.ConnLimitPerIP <= 0 {
		errs = append(errs, ValidationError{Field: "connLimitPerIP", Message: "must be positive"})
	}
	if c.MessageLimitPerConn <= 0 {
		errs = append(errs, ValidationError{Field: "messageLimitPerConn", Message: "must be positive"})
	}
	if c.MaxFrameSize <= 0 {
		errs = append(errs, ValidationError{Field: "maxFrameSize", Message: "must be positive"})
	}

	return errs
}

// Load reads configuration from the environment.
func Load() (*AppConfig, error) {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, ErrMissingDatabaseURL
	}

	addr := os.Getenv("ADDR")
	if addr == "" {
		addr = ":8080"
	}

	var origins []string
	if raw := os.Getenv("ALLOWED_ORIGINS"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}

	cfg := &AppConfig{
		Env:                    env,
		Addr:                   addr,
		DatabaseURL:            dbURL,
		AllowedOrigins:         origins,
		ConnLimitPerIP:         envInt("CONN_LIMIT_PER_IP", 30),
		ConnLimitWindow:        envDuration("CONN_LIMIT_WINDOW", 60*time.Second),
		MessageLimitPerConn:    envInt("MESSAGE_LIMIT_PER_CONN", 50),
		MessageLimitWindow:     envDuration("MESSAGE_LIMIT_WINDOW", 1*time.Second),
		MessageViolationMax:    envInt("MESSAGE_VIOLATION_MAX", 50),
		SessionIdleTimeout:     envDuration("SESSION_IDLE_TIMEOUT", 15*time.Minute),
		SessionAbsoluteTimeout: envDuration("SESSION_ABSOLUTE_TIMEOUT", 12*time.Hour),
		ProtectionWindow:       envDuration("PROTECTION_WINDOW", 10*time.Second),
		PersistDebounce:        envDuration("PERSIST_DEBOUNCE", 2*time.Second),
		RoomTeardownGrace:      envDuration("ROOM_TEARDOWN_GRACE", 30*time.Second),
		MaxFrameSize:           envInt64("MAX_FRAME_SIZE", 10<<20),
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		for _, err := range errs {
			log.Error("Validation error: %s", err.Error())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, errs.Error())
	}

	log.Info("Configuration loaded successfully | env=%s addr=%s", cfg.Env, cfg.Addr)
	return cfg, nil
}

// MustLoad loads configuration and panics on error.
func MustLoad() *AppConfig {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn("Invalid int for %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Warn("Invalid int64 for %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn("Invalid duration for %s=%q, using default %v", key, v, fallback)
		return fallback
	}
	return d
}
