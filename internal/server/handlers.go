package server

import (
	"context"
	"encoding/json"
	"net/http"

	challengedomain "account-stepup-backend/internal/challenge/domain"
	"account-stepup-backend/internal/stepup"
	"account-stepup-backend/internal/webauthn"
)

func stepupSession(ctx context.Context) stepup.Session {
	sess := sessionFrom(ctx)
	return stepup.Session{UserID: sess.UserID, Email: sess.Email}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}

// startFlow adapts a flow's start operation; start requests carry no body.
func (s *Server) startFlow(start func(context.Context, stepup.Session) (*stepup.StepResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := start(r.Context(), stepupSession(r.Context()))
		if err != nil {
			writeServiceError(w, s.log, err)
			return
		}
		writeStepResult(w, res)
	}
}

type resendRequest struct {
	Ticket string `json:"ticket" validate:"required"`
}

// resendFlow adapts a flow's resend operation.
func (s *Server) resendFlow(resend func(context.Context, stepup.Session, string) (*stepup.StepResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resendRequest
		if !s.decode(w, r, &req) {
			return
		}
		res, err := resend(r.Context(), stepupSession(r.Context()), req.Ticket)
		if err != nil {
			writeServiceError(w, s.log, err)
			return
		}
		writeStepResult(w, res)
	}
}

type deleteAdvanceRequest struct {
	Ticket       string `json:"ticket" validate:"required"`
	Code         string `json:"code,omitempty"`
	TOTPCode     string `json:"totpCode,omitempty"`
	PasskeyProof string `json:"passkeyProof,omitempty"`
}

func (s *Server) advanceDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteAdvanceRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.stepup.AdvanceDelete(r.Context(), stepupSession(r.Context()), req.Ticket, stepup.Proof{
		Code:             req.Code,
		SecondFactorCode: req.TOTPCode,
		PasskeyProof:     req.PasskeyProof,
	})
	if err != nil {
		writeServiceError(w, s.log, err)
		return
	}
	writeStepResult(w, res)
}

func (s *Server) advanceReactivate(w http.ResponseWriter, r *http.Request) {
	var req deleteAdvanceRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.stepup.AdvanceReactivate(r.Context(), stepupSession(r.Context()), req.Ticket, stepup.Proof{
		Code:             req.Code,
		SecondFactorCode: req.TOTPCode,
		PasskeyProof:     req.PasskeyProof,
	})
	if err != nil {
		writeServiceError(w, s.log, err)
		return
	}
	writeStepResult(w, res)
}

type emailAdvanceRequest struct {
	Ticket   string `json:"ticket" validate:"required"`
	Code     string `json:"code,omitempty"`
	NewEmail string `json:"newEmail,omitempty" validate:"omitempty,email"`
}

func (s *Server) advanceChangeEmail(w http.ResponseWriter, r *http.Request) {
	var req emailAdvanceRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.stepup.AdvanceChangeEmail(r.Context(), stepupSession(r.Context()), req.Ticket, stepup.Proof{
		Code:     req.Code,
		NewEmail: req.NewEmail,
	})
	if err != nil {
		writeServiceError(w, s.log, err)
		return
	}
	writeStepResult(w, res)
}

type phoneAdvanceRequest struct {
	Ticket   string `json:"ticket" validate:"required"`
	Code     string `json:"code,omitempty"`
	NewPhone string `json:"newPhone,omitempty" validate:"omitempty,e164"`
}

func (s *Server) advanceChangePhone(w http.ResponseWriter, r *http.Request) {
	var req phoneAdvanceRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.stepup.AdvanceChangePhone(r.Context(), stepupSession(r.Context()), req.Ticket, stepup.Proof{
		Code:     req.Code,
		NewPhone: req.NewPhone,
	})
	if err != nil {
		writeServiceError(w, s.log, err)
		return
	}
	writeStepResult(w, res)
}

type passkeyAdvanceRequest struct {
	Ticket       string                         `json:"ticket" validate:"required"`
	Code         string                         `json:"code,omitempty"`
	TOTPCode     string                         `json:"totpCode,omitempty"`
	Registration *webauthn.RegistrationResponse `json:"registration,omitempty"`
}

func (s *Server) advanceEnablePasskey(w http.ResponseWriter, r *http.Request) {
	var req passkeyAdvanceRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.stepup.AdvanceEnablePasskey(r.Context(), stepupSession(r.Context()), req.Ticket, stepup.Proof{
		Code:             req.Code,
		SecondFactorCode: req.TOTPCode,
		Registration:     req.Registration,
	})
	if err != nil {
		writeServiceError(w, s.log, err)
		return
	}
	writeStepResult(w, res)
}

type passkeyAuthFinishRequest struct {
	Ticket    string                      `json:"ticket" validate:"required"`
	Assertion *webauthn.AssertionResponse `json:"assertion" validate:"required"`
}

func (s *Server) finishPasskeyAuth(w http.ResponseWriter, r *http.Request) {
	var req passkeyAuthFinishRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.stepup.FinishPasskeyAuth(r.Context(), stepupSession(r.Context()), req.Ticket, stepup.Proof{
		Assertion: req.Assertion,
	})
	if err != nil {
		writeServiceError(w, s.log, err)
		return
	}
	writeStepResult(w, res)
}

// devStepupCode returns the latest issued code for (email, channel). Only
// routed when dev code retrieval is enabled; never in production.
func (s *Server) devStepupCode(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	channel := challengedomain.Channel(r.URL.Query().Get("channel"))
	if email == "" || (channel != challengedomain.ChannelEmail && channel != challengedomain.ChannelSMS) {
		writeError(w, http.StatusBadRequest, "email and channel (email|sms) are required")
		return
	}
	code, ok := s.devCodes.Get(email, channel)
	if !ok {
		writeError(w, http.StatusNotFound, "no active code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code})
}
