package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir()) // no .env

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.EditTTL != 30*time.Minute {
		t.Errorf("EditTTL = %v, want 30m", cfg.EditTTL)
	}
	if cfg.RequestTTL != 5*time.Minute {
		t.Errorf("RequestTTL = %v, want 5m", cfg.RequestTTL)
	}
	if cfg.SessionsTable != "EditSessions" {
		t.Errorf("SessionsTable = %q", cfg.SessionsTable)
	}
	if cfg.RetryAttempts != 8 {
		t.Errorf("RetryAttempts = %d, want 8", cfg.RetryAttempts)
	}
	if cfg.CacheBackend != CacheNone {
		t.Errorf("CacheBackend = %q, want none", cfg.CacheBackend)
	}
	if cfg.DevMode {
		t.Error("DevMode should default to false")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DEV_MODE", "true")
	t.Setenv("EDITING_SESSIONS_TABLE", "Sessions-test")
	t.Setenv("EDIT_SESSION_TTL_MINUTES", "10")
	t.Setenv("STORE_RATE_LIMIT", "12.5")
	t.Setenv("CACHE_BACKEND", "local")
	t.Setenv("STORE_RETRY_ATTEMPTS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.DevMode {
		t.Error("DevMode not set")
	}
	if cfg.SessionsTable != "Sessions-test" {
		t.Errorf("SessionsTable = %q", cfg.SessionsTable)
	}
	if cfg.EditTTL != 10*time.Minute {
		t.Errorf("EditTTL = %v, want 10m", cfg.EditTTL)
	}
	if cfg.RateLimit != 12.5 {
		t.Errorf("RateLimit = %v, want 12.5", cfg.RateLimit)
	}
	if cfg.RetryAttempts != 8 {
		t.Errorf("unparsable value should fall back to default, got %d", cfg.RetryAttempts)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"too many retries", "STORE_RETRY_ATTEMPTS", "11"},
		{"zero retries", "STORE_RETRY_ATTEMPTS", "0"},
		{"unknown cache", "CACHE_BACKEND", "memcached"},
		{"long shorter than edit", "LONG_SESSION_TTL_MINUTES", "5"},
		{"negative rate", "STORE_RATE_LIMIT", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tt.key, tt.val)
			}
		})
	}
}
