package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TICKET_SECRET", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.SessionCookieName != "session" {
		t.Fatalf("SessionCookieName = %q", cfg.SessionCookieName)
	}
	if cfg.AppOrigin != "http://localhost:3000" {
		t.Fatalf("AppOrigin = %q", cfg.AppOrigin)
	}
	if cfg.SMTPPort != 587 {
		t.Fatalf("SMTPPort = %d", cfg.SMTPPort)
	}
	if cfg.CodeReturnToClient {
		t.Fatal("CodeReturnToClient defaulted to true")
	}
	if cfg.ParsedTicketTTL() != 10*time.Minute {
		t.Fatalf("ParsedTicketTTL = %v", cfg.ParsedTicketTTL())
	}
}

func TestLoadRequiresTicketSecret(t *testing.T) {
	t.Setenv("TICKET_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing TICKET_SECRET")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TICKET_SECRET", "test-secret")
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("APP_ORIGIN", "https://app.example.com")
	t.Setenv("TICKET_TTL", "5m")
	t.Setenv("AUTH_DIRECTORY_URL", "https://auth.internal")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" || cfg.AppOrigin != "https://app.example.com" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.AuthDirectoryURL != "https://auth.internal" {
		t.Fatalf("AuthDirectoryURL = %q", cfg.AuthDirectoryURL)
	}
	if cfg.ParsedTicketTTL() != 5*time.Minute {
		t.Fatalf("ParsedTicketTTL = %v", cfg.ParsedTicketTTL())
	}
}

func TestLoadRefusesDevCodesInProduction(t *testing.T) {
	t.Setenv("TICKET_SECRET", "test-secret")
	t.Setenv("CODE_RETURN_TO_CLIENT", "true")

	t.Setenv("APP_ENV", "development")
	if _, err := Load(); err != nil {
		t.Fatalf("development: %v", err)
	}

	t.Setenv("APP_ENV", "production")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for dev codes in production")
	}
}

func TestParsedTicketTTLFallback(t *testing.T) {
	for _, raw := range []string{"", "bogus", "-5m", "0s"} {
		cfg := &Config{TicketTTL: raw}
		if got := cfg.ParsedTicketTTL(); got != 10*time.Minute {
			t.Fatalf("TicketTTL %q: got %v", raw, got)
		}
	}
}
