package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"account-stepup-backend/internal/challenge"
	"account-stepup-backend/internal/lifecycle"
	"account-stepup-backend/internal/stepup"
	"account-stepup-backend/internal/ticket"
	"account-stepup-backend/internal/webauthn"
)

// errorResponse is the uniform error body. AttemptsLeft, AuthMethods, and the
// lifecycle fields appear only where the status calls for them.
type errorResponse struct {
	Error             string              `json:"error"`
	AttemptsLeft      *int                `json:"attemptsLeft,omitempty"`
	Ticket            string              `json:"ticket,omitempty"`
	AuthMethods       *stepup.AuthMethods `json:"authMethods,omitempty"`
	State             string              `json:"state,omitempty"`
	RestoreDeadlineAt *time.Time          `json:"restoreDeadlineAt,omitempty"`
	EmailReuseAt      *time.Time          `json:"emailReuseAt,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeServiceError maps a flow error to its HTTP status and body. Ceremony
// details are logged server-side and never surfaced to the client.
func writeServiceError(w http.ResponseWriter, log zerolog.Logger, err error) {
	var invalidCode *challenge.InvalidCodeError
	var blocked *stepup.LifecycleBlockedError

	switch {
	case errors.Is(err, ticket.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &invalidCode):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:        "invalid code",
			AttemptsLeft: &invalidCode.AttemptsLeft,
		})
	case errors.Is(err, challenge.ErrExpired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, challenge.ErrTooManyAttempts):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, stepup.ErrInvalidSecondFactor),
		errors.Is(err, stepup.ErrPhoneRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, stepup.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, stepup.ErrEmailUnavailable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &blocked):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:             blocked.Error(),
			State:             string(blocked.State),
			RestoreDeadlineAt: blocked.RestoreDeadlineAt,
			EmailReuseAt:      blocked.EmailReuseAt,
		})
	case errors.Is(err, lifecycle.ErrNotActive),
		errors.Is(err, lifecycle.ErrNotPendingDeletion),
		errors.Is(err, lifecycle.ErrRestoreWindowExpired):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, webauthn.ErrMalformed):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, webauthn.ErrCeremonyMismatch):
		// The response itself is inconsistent with the ceremony; 401 is reserved
		// for credentials the account does not hold.
		log.Warn().Err(err).Msg("webauthn ceremony rejected")
		writeError(w, http.StatusBadRequest, "passkey verification failed")
	case errors.Is(err, webauthn.ErrUnknownCredential),
		errors.Is(err, webauthn.ErrNoCredentials):
		log.Warn().Err(err).Msg("webauthn credential rejected")
		writeError(w, http.StatusUnauthorized, "passkey verification failed")
	case errors.Is(err, webauthn.ErrMigrationRequired):
		log.Error().Err(err).Msg("passkey schema missing")
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		log.Error().Err(err).Msg("step-up request failed")
		writeError(w, http.StatusInternalServerError, "something went wrong")
	}
}

// writeStepResult renders the step outcome: 428 for a second-factor gate, 200
// otherwise.
func writeStepResult(w http.ResponseWriter, res *stepup.StepResult) {
	if res.SecondFactorRequired && !res.Done {
		writeJSON(w, http.StatusPreconditionRequired, errorResponse{
			Error:       "additional verification required",
			Ticket:      res.Ticket,
			AuthMethods: res.AuthMethods,
		})
		return
	}
	writeJSON(w, http.StatusOK, newStepResponse(res))
}

// accountView is the lifecycle summary returned on terminal transitions.
type accountView struct {
	State             string     `json:"state"`
	RestoreDeadlineAt *time.Time `json:"restoreDeadlineAt,omitempty"`
	EmailReuseAt      *time.Time `json:"emailReuseAt,omitempty"`
	ReactivatedAt     *time.Time `json:"reactivatedAt,omitempty"`
}

type stepResponse struct {
	Done                  bool                            `json:"done"`
	Ticket                string                          `json:"ticket,omitempty"`
	Phase                 string                          `json:"phase,omitempty"`
	RegistrationOptions   *webauthn.RegistrationOptions   `json:"registrationOptions,omitempty"`
	AuthenticationOptions *webauthn.AuthenticationOptions `json:"authenticationOptions,omitempty"`
	ProofToken            string                          `json:"proofToken,omitempty"`
	Account               *accountView                    `json:"account,omitempty"`
}

func newStepResponse(res *stepup.StepResult) stepResponse {
	out := stepResponse{
		Done:                  res.Done,
		Ticket:                res.Ticket,
		Phase:                 string(res.Phase),
		RegistrationOptions:   res.RegistrationOptions,
		AuthenticationOptions: res.AuthenticationOptions,
		ProofToken:            res.ProofToken,
	}
	if res.Account != nil {
		out.Account = &accountView{
			State:             string(res.Account.State),
			RestoreDeadlineAt: res.Account.RestoreDeadlineAt,
			EmailReuseAt:      res.Account.EmailReuseAt,
			ReactivatedAt:     res.Account.ReactivatedAt,
		}
	}
	return out
}
