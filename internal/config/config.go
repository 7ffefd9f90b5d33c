// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// TicketSecret is the key used to sign step-up tickets and WebAuthn proof tokens.
	// Required; the server refuses to start without it.
	TicketSecret string `mapstructure:"TICKET_SECRET"`
	// SessionSecret is the key used to verify the browser session cookie.
	SessionSecret string `mapstructure:"SESSION_SECRET"`
	// SessionCookieName is the name of the session cookie (default "session").
	SessionCookieName string `mapstructure:"SESSION_COOKIE_NAME"`

	// AppOrigin is the expected web origin for WebAuthn ceremonies (e.g. https://app.wyzer.com.br).
	AppOrigin string `mapstructure:"APP_ORIGIN"`
	// RPName is the relying-party display name shown by authenticators.
	RPName string `mapstructure:"RP_NAME"`

	// SMTPHost, SMTPPort, SMTPUsername, SMTPPassword, SMTPFrom configure the email sender.
	SMTPHost     string `mapstructure:"SMTP_HOST"`
	SMTPPort     int    `mapstructure:"SMTP_PORT"`
	SMTPUsername string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom     string `mapstructure:"SMTP_FROM"`

	// SMSAPIKey is the API key for the SMS gateway. Required when SMS challenges are used.
	SMSAPIKey string `mapstructure:"SMS_API_KEY"`
	// SMSSender is the optional sender ID for the SMS gateway.
	SMSSender string `mapstructure:"SMS_SENDER"`
	// SMSBaseURL is the SMS gateway API base URL.
	SMSBaseURL string `mapstructure:"SMS_BASE_URL"`

	// AuthDirectoryURL is the base URL of the external auth system's admin API.
	// Empty disables directory sync (the profile row is the only email of record).
	AuthDirectoryURL string `mapstructure:"AUTH_DIRECTORY_URL"`
	// AuthDirectoryToken is the bearer token for the auth directory admin API.
	AuthDirectoryToken string `mapstructure:"AUTH_DIRECTORY_TOKEN"`

	// CodeReturnToClient when true enables dev code mode: issued challenge codes are kept
	// in memory for GET /dev/stepup/code. Must not be true when Env is production.
	CodeReturnToClient bool `mapstructure:"CODE_RETURN_TO_CLIENT"`

	// TicketTTL is the lifetime of a step-up ticket (e.g. "10m").
	TicketTTL string `mapstructure:"TICKET_TTL"`

	// OTLPEndpoint is the OTLP gRPC endpoint for traces and metrics (empty disables telemetry).
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP export even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTLP_INSECURE"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("TICKET_SECRET", "")
	v.SetDefault("SESSION_SECRET", "")
	v.SetDefault("SESSION_COOKIE_NAME", "session")
	v.SetDefault("APP_ORIGIN", "http://localhost:3000")
	v.SetDefault("RP_NAME", "Account Portal")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMS_BASE_URL", "https://www.smslocal.com/dev/bulkV2")
	v.SetDefault("AUTH_DIRECTORY_URL", "")
	v.SetDefault("AUTH_DIRECTORY_TOKEN", "")
	v.SetDefault("CODE_RETURN_TO_CLIENT", false)
	v.SetDefault("TICKET_TTL", "10m")
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("OTLP_INSECURE", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.TicketSecret == "" {
		return nil, errors.New("config: TICKET_SECRET must be set")
	}
	if cfg.CodeReturnToClient && cfg.Env == "production" {
		return nil, errors.New("config: CODE_RETURN_TO_CLIENT must not be true when APP_ENV=production")
	}

	return &cfg, nil
}

// ParsedTicketTTL parses TicketTTL as a time.Duration. Returns 10m if unset or invalid.
func (c *Config) ParsedTicketTTL() time.Duration {
	d, err := time.ParseDuration(c.TicketTTL)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}
