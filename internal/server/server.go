// Package server exposes the step-up flows over HTTP: a chi router, session
// authentication, and per-flow handlers mapping flow errors to status codes.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"account-stepup-backend/internal/devcode"
	"account-stepup-backend/internal/session"
	"account-stepup-backend/internal/stepup"
)

// Server wires the HTTP surface to the step-up service.
type Server struct {
	stepup   *stepup.Service
	sessions session.Reader
	devCodes *devcode.MemoryStore // nil outside development
	validate *validator.Validate
	log      zerolog.Logger
	httpSrv  *http.Server
}

// New returns a Server. devCodes must be nil unless dev code retrieval is
// explicitly enabled by configuration.
func New(addr string, stepupSvc *stepup.Service, sessions session.Reader, devCodes *devcode.MemoryStore, log zerolog.Logger) *Server {
	s := &Server{
		stepup:   stepupSvc,
		sessions: sessions,
		devCodes: devCodes,
		validate: validator.New(),
		log:      log,
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the route tree. Exposed for handler tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.log))
	r.Use(requestMetrics())
	r.Use(noStore)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/account", func(r chi.Router) {
		r.Use(s.requireSession)

		r.Route("/delete", func(r chi.Router) {
			r.Post("/", s.startFlow(s.stepup.StartDelete))
			r.Patch("/", s.resendFlow(s.stepup.ResendDelete))
			r.Put("/", s.advanceDelete)
		})
		r.Route("/reactivate", func(r chi.Router) {
			r.Post("/", s.startFlow(s.stepup.StartReactivate))
			r.Patch("/", s.resendFlow(s.stepup.ResendReactivate))
			r.Put("/", s.advanceReactivate)
		})
		r.Route("/email", func(r chi.Router) {
			r.Post("/", s.startFlow(s.stepup.StartChangeEmail))
			r.Patch("/", s.resendFlow(s.stepup.ResendChangeEmail))
			r.Put("/", s.advanceChangeEmail)
		})
		r.Route("/phone", func(r chi.Router) {
			r.Post("/", s.startFlow(s.stepup.StartChangePhone))
			r.Patch("/", s.resendFlow(s.stepup.ResendChangePhone))
			r.Put("/", s.advanceChangePhone)
		})
		r.Route("/passkey", func(r chi.Router) {
			r.Post("/", s.startFlow(s.stepup.StartEnablePasskey))
			r.Patch("/", s.resendFlow(s.stepup.ResendEnablePasskey))
			r.Put("/", s.advanceEnablePasskey)

			r.Post("/authenticate", s.startFlow(s.stepup.StartPasskeyAuth))
			r.Put("/authenticate", s.finishPasskeyAuth)
		})
	})

	if s.devCodes != nil {
		r.Get("/dev/stepup/code", s.devStepupCode)
	}
	return r
}

// Run serves until ctx is canceled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.Info().Str("addr", s.httpSrv.Addr).Msg("http server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}
