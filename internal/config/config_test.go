package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_ENV", "DATABASE_URL", "ADDR", "ALLOWED_ORIGINS",
		"CONN_LIMIT_PER_IP", "CONN_LIMIT_WINDOW", "MESSAGE_LIMIT_PER_CONN",
		"MESSAGE_LIMIT_WINDOW", "MESSAGE_VIOLATION_MAX", "SESSION_IDLE_TIMEOUT",
		"SESSION_ABSOLUTE_TIMEOUT", "PROTECTION_WINDOW", "PERSIST_DEBOUNCE",
		"ROOM_TEARDOWN_GRACE", "MAX_FRAME_SIZE",
	} {
		t.Setenv(key, "")
	}
}

func Test_Load_FailsWithoutDatabaseURL(t *testing.T) {
	clearEnv(t)
	if _, err := Load(); !errors.Is(err, ErrMissingDatabaseURL) {
		t.Fatalf("expected ErrMissingDatabaseURL, got %v", err)
	}
}

func Test_Load_AppliesDefaultsWhenUnset(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %q", cfg.Env)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.ConnLimitPerIP != 30 {
		t.Fatalf("expected default conn limit 30, got %d", cfg.ConnLimitPerIP)
	}
	if cfg.ProtectionWindow != 10*time.Second {
		t.Fatalf("expected default protection window, got %v", cfg.ProtectionWindow)
	}
}

func Test_Load_ParsesAllowedOriginsCommaList(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"https://a.example.com", "https://b.example.com"}
	if len(cfg.AllowedOrigins) != len(want) {
		t.Fatalf("unexpected origins: %+v", cfg.AllowedOrigins)
	}
	for i, o := range want {
		if cfg.AllowedOrigins[i] != o {
			t.Fatalf("unexpected origin at %d: %q", i, cfg.AllowedOrigins[i])
		}
	}
}

func Test_Load_FallsBackToDefaultOnInvalidIntEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("CONN_LIMIT_PER_IP", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ConnLimitPerIP != 30 {
		t.Fatalf("expected fallback to default, got %d", cfg.ConnLimitPerIP)
	}
}

func Test_Validate_CollectsMultipleErrors(t *testing.T) {
	cfg := &AppConfig{}
	errs := cfg.Validate()
	if len(errs) != 4 {
		t.Fatalf("expected 4 validation errors, got %d: %v", len(errs), errs)
	}
}

func Test_ValidationErrors_ErrorMessageSummarizesCount(t *testing.T) {
	errs := ValidationErrors{
		{Field: "a", Message: "bad"},
		{Field: "b", Message: "also bad"},
	}
	msg := errs.Error()
	if !strings.HasPrefix(msg, "2 config validation errors") {
		t.Fatalf("expected a summary naming the error count, got %q", msg)
	}
}
