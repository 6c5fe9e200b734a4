package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("QUOTA_FREE_DAILY_LIMIT", "3")
	t.Setenv("ANALYZE_RATE_WINDOW", "2m")
	t.Setenv("SUBSCRIPTION_DURATION_DAYS", "7")
	t.Setenv("CORS_ALLOW_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("OPENROUTER_MAX_RETRIES", "9")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Quota.FreeDailyLimit != 3 {
		t.Fatalf("FreeDailyLimit = %d, want 3", cfg.Quota.FreeDailyLimit)
	}
	if cfg.RateLimit.Window != 2*time.Minute {
		t.Fatalf("RateLimit.Window = %v, want 2m", cfg.RateLimit.Window)
	}
	if cfg.Subscription.Duration != 7*24*time.Hour {
		t.Fatalf("Subscription.Duration = %v, want 168h", cfg.Subscription.Duration)
	}
	if got := len(cfg.Server.AllowOrigins); got != 2 {
		t.Fatalf("len(AllowOrigins) = %d, want 2", got)
	}
	if cfg.AI.MaxRetries != 2 {
		t.Fatalf("AI.MaxRetries = %d, want clamp to 2", cfg.AI.MaxRetries)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("QUOTA_ACTIVE_DAILY_LIMIT", "lots")
	t.Setenv("LEDGER_RETENTION", "forever")

	_, err := LoadConfig()
	if err == nil {
		t.Fatal("LoadConfig() error = nil, want error")
	}
	for _, key := range []string{"QUOTA_ACTIVE_DAILY_LIMIT", "LEDGER_RETENTION"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("error %q does not name %s", err, key)
		}
	}
}

func TestIsProduction(t *testing.T) {
	cases := map[string]bool{"production": true, "PROD": true, "development": false, "": false}
	for env, want := range cases {
		if got := (Config{Env: env}).IsProduction(); got != want {
			t.Fatalf("IsProduction(%q) = %v, want %v", env, got, want)
		}
	}
}

func TestLoadAuthConfig(t *testing.T) {
	t.Setenv("AUTH0_ISSUER", "https://tenant.eu.auth0.com")
	t.Setenv("AUTH0_AUDIENCE", "https://api.fitai")
	t.Setenv("AUTH_DISABLED", "false")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Auth.Issuer != "https://tenant.eu.auth0.com/" {
		t.Fatalf("Auth.Issuer = %q, want trailing slash", cfg.Auth.Issuer)
	}
	if got, want := cfg.Auth.KeysURL(), "https://tenant.eu.auth0.com/.well-known/jwks.json"; got != want {
		t.Fatalf("KeysURL() = %q, want %q", got, want)
	}

	t.Setenv("AUTH0_JWKS_URL", "http://127.0.0.1:9999/jwks")
	cfg, err = LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Auth.KeysURL() != "http://127.0.0.1:9999/jwks" {
		t.Fatalf("KeysURL() = %q, want override", cfg.Auth.KeysURL())
	}
}

func TestAuthDisabledRejectedInProduction(t *testing.T) {
	t.Setenv("AUTH_DISABLED", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if !cfg.Auth.Disabled {
		t.Fatal("Auth.Disabled = false, want true outside production")
	}

	t.Setenv("APP_ENV", "production")
	if _, err := LoadConfig(); err == nil || !strings.Contains(err.Error(), "AUTH_DISABLED") {
		t.Fatalf("LoadConfig() error = %v, want AUTH_DISABLED rejection", err)
	}

	t.Setenv("APP_ENV", "development")
	t.Setenv("AUTH_DISABLED", "maybe")
	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig() error = nil, want bool parse error")
	}
}
