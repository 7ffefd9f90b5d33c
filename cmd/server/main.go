package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	accountrepo "account-stepup-backend/internal/account/repository"
	"account-stepup-backend/internal/audit"
	auditrepo "account-stepup-backend/internal/audit/repository"
	"account-stepup-backend/internal/authdir"
	"account-stepup-backend/internal/challenge"
	challengerepo "account-stepup-backend/internal/challenge/repository"
	"account-stepup-backend/internal/config"
	"account-stepup-backend/internal/db"
	"account-stepup-backend/internal/devcode"
	"account-stepup-backend/internal/lifecycle"
	"account-stepup-backend/internal/notify"
	"account-stepup-backend/internal/server"
	"account-stepup-backend/internal/session"
	"account-stepup-backend/internal/stepup"
	"account-stepup-backend/internal/telemetry/otel"
	"account-stepup-backend/internal/ticket"
	"account-stepup-backend/internal/twofactor"
	"account-stepup-backend/internal/webauthn"
	webauthnrepo "account-stepup-backend/internal/webauthn/repository"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := otel.NewProviders(ctx, cfg.OTLPEndpoint, "account-stepup-backend", cfg.OTLPInsecure)
	if err != nil {
		log.Fatal().Err(err).Msg("telemetry")
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("telemetry shutdown")
		}
	}()

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database")
	}
	defer conn.Close()

	emailSender, err := notify.NewEmailSender(notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("email sender")
	}
	smsSender := notify.NewSMSSender(cfg.SMSAPIKey, cfg.SMSBaseURL, cfg.SMSSender)

	var devCodes *devcode.MemoryStore
	var devStore challenge.DevCodeStore
	if cfg.CodeReturnToClient {
		devCodes = devcode.NewMemoryStore()
		devStore = devCodes
		log.Warn().Msg("dev code mode enabled; issued codes are retrievable via /dev/stepup/code")
	}

	accounts := accountrepo.NewPostgresRepository(conn)
	challenges := challenge.NewService(challengerepo.NewPostgresRepository(conn), emailSender, smsSender, devStore)
	secondFactor := twofactor.NewVerifier(twofactor.NewPostgresRepository(conn))

	proofs := webauthn.NewProofIssuer([]byte(cfg.TicketSecret))
	ceremony := webauthn.NewCeremony(webauthnrepo.NewPostgresRepository(conn), proofs, cfg.RPName, cfg.AppOrigin)

	var authDirectory stepup.AuthDirectory = authdir.Noop{}
	if cfg.AuthDirectoryURL != "" {
		authDirectory = authdir.NewClient(cfg.AuthDirectoryURL, cfg.AuthDirectoryToken)
	}

	auditLogger := audit.NewLogger(auditrepo.NewPostgresRepository(conn), log, server.ClientIP)

	stepupSvc := stepup.NewService(
		ticket.NewCodec([]byte(cfg.TicketSecret)),
		cfg.ParsedTicketTTL(),
		challenges,
		secondFactor,
		ceremony,
		lifecycle.NewManager(accounts),
		accounts,
		authDirectory,
		auditLogger,
		log,
	)

	sessionSecret := cfg.SessionSecret
	if sessionSecret == "" {
		sessionSecret = cfg.TicketSecret
	}
	sessions := session.NewCookieReader([]byte(sessionSecret), cfg.SessionCookieName)

	srv := server.New(cfg.HTTPAddr, stepupSvc, sessions, devCodes, log)
	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("http server")
	}
	log.Info().Msg("server stopped")
}
