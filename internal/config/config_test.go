package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("VERIFICATION_ENABLED", "")
	t.Setenv("SESSION_TTL", "")
	t.Setenv("SESSION_TTL_SECONDS", "")

	cfg := Load()
	if cfg.Port != "5050" {
		t.Fatalf("expected default port 5050, got %q", cfg.Port)
	}
	if !cfg.VerificationEnabled {
		t.Fatalf("verification must default to enabled")
	}
	if cfg.SessionTTL != 6*time.Hour {
		t.Fatalf("expected 6h session ttl, got %s", cfg.SessionTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("VERIFICATION_ENABLED", "false")
	t.Setenv("SESSION_TTL", "")
	t.Setenv("SESSION_TTL_SECONDS", "90")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("LOGIN_RATE", "3")

	cfg := Load()
	if cfg.VerificationEnabled {
		t.Fatalf("expected verification to be disabled")
	}
	if cfg.SessionTTL != 90*time.Second {
		t.Fatalf("expected _SECONDS fallback, got %s", cfg.SessionTTL)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.CORSOrigins)
	}
	if cfg.LoginRate != 3 {
		t.Fatalf("expected login rate 3, got %d", cfg.LoginRate)
	}
}

func TestValidateProduction(t *testing.T) {
	cfg := Config{
		Env:                "production",
		Port:               "5050",
		DatabaseURL:        "postgres://x",
		JWTSecret:          "dev-secret",
		ClientCookieSecret: "dev-cookie-secret-change-me-0123456789",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected development secrets to be rejected in production")
	}

	cfg.JWTSecret = "a-real-secret"
	cfg.ClientCookieSecret = "0123456789abcdef0123456789abcdef"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}
