// seed inserts development sample data for local testing.
// Idempotent: skips inserts if the dev account (dev@example.com) already exists.
package main

import (
	"context"
	"log"
	"time"

	"github.com/pquerna/otp/totp"

	accountdomain "account-stepup-backend/internal/account/domain"
	accountrepo "account-stepup-backend/internal/account/repository"
	"account-stepup-backend/internal/config"
	"account-stepup-backend/internal/db"
	"account-stepup-backend/internal/session"
	"account-stepup-backend/internal/twofactor"
)

const (
	devAccountID    = "dev-account-001"
	devEmail        = "dev@example.com"
	devPhone        = "+5511999990001"
	totpAccountID   = "dev-account-002"
	totpEmail       = "totp@example.com"
	devRecoveryCode = "dev-recovery-0001"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	accounts := accountrepo.NewPostgresRepository(conn)

	existing, err := accounts.GetByEmail(ctx, devEmail)
	if err != nil {
		log.Fatalf("lookup dev account: %v", err)
	}
	if existing != nil {
		log.Printf("dev account %s already present; skipping seed", devEmail)
		printSessionCookies(cfg)
		return
	}

	now := time.Now().UTC()
	for _, a := range []*accountdomain.Account{
		{
			ID: devAccountID, Email: devEmail, OriginalEmail: devEmail,
			Phone: devPhone, Name: "Dev User",
			State: accountdomain.StateActive, CreatedAt: now, UpdatedAt: now,
		},
		{
			ID: totpAccountID, Email: totpEmail, OriginalEmail: totpEmail,
			Name:  "TOTP User",
			State: accountdomain.StateActive, CreatedAt: now, UpdatedAt: now,
		},
	} {
		if err := a.Validate(); err != nil {
			log.Fatalf("seed account %s: %v", a.Email, err)
		}
		if err := accounts.Create(ctx, a); err != nil {
			log.Fatalf("create account %s: %v", a.Email, err)
		}
	}

	key, err := totp.Generate(totp.GenerateOpts{Issuer: cfg.RPName, AccountName: totpEmail})
	if err != nil {
		log.Fatalf("generate totp secret: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `
		INSERT INTO two_factor_settings (account_id, enabled, secret, updated_at)
		VALUES ($1, TRUE, $2, $3)`,
		totpAccountID, key.Secret(), now,
	); err != nil {
		log.Fatalf("seed two-factor settings: %v", err)
	}

	hash, err := twofactor.HashRecoveryCode(devRecoveryCode)
	if err != nil {
		log.Fatalf("hash recovery code: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `
		INSERT INTO recovery_codes (id, account_id, code_hash, used, created_at)
		VALUES ($1, $2, $3, FALSE, $4)`,
		"dev-recovery-code-001", totpAccountID, hash, now,
	); err != nil {
		log.Fatalf("seed recovery code: %v", err)
	}

	log.Printf("seeded accounts %s and %s (totp secret: %s, recovery code: %s)",
		devEmail, totpEmail, key.Secret(), devRecoveryCode)
	printSessionCookies(cfg)
}

// printSessionCookies emits ready-to-paste session cookies for the seeded
// accounts so flows can be exercised with curl.
func printSessionCookies(cfg *config.Config) {
	secret := cfg.SessionSecret
	if secret == "" {
		secret = cfg.TicketSecret
	}
	for _, acct := range []struct{ id, email string }{
		{devAccountID, devEmail},
		{totpAccountID, totpEmail},
	} {
		token, err := session.Mint([]byte(secret), acct.id, acct.email, 24*time.Hour)
		if err != nil {
			log.Fatalf("mint session for %s: %v", acct.email, err)
		}
		log.Printf("session cookie for %s: %s=%s", acct.email, cfg.SessionCookieName, token)
	}
}
